// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package dav

import (
	"context"
	"net/http"

	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/multistatus"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
	"github.com/sciactive/undine/pkg/storage"
)

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)
	fn := r.URL.Path

	if !s.authorize(w, r, fn) {
		return
	}

	res, err := s.resolve(ctx, fn)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !res.Exists() {
		log.Debug().Str("path", fn).Msg("resource not found")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth), net.DepthInfinity)
	if err != nil {
		errors.WriteError(log, w, http.StatusBadRequest, "", "Invalid Depth header value")
		return
	}
	// a collection delete works on the whole subtree or not at all
	if res.IsCollection() && depth != net.DepthInfinity {
		errors.WriteError(log, w, http.StatusBadRequest, "", "Depth must be infinity for collection deletes")
		return
	}

	c, ok := s.checkPreconditions(w, r, fn)
	if !ok {
		return
	}

	ms := multistatus.New()
	s.deleteRecursive(ctx, res, c.tokens, ms)

	if ms.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ms.Render(w, r, 0)
}

// deleteRecursive removes the subtree post-order, collecting per-resource
// failures. An ancestor whose descendant failed is not deleted and reported
// with 424 Failed Dependency.
func (s *Service) deleteRecursive(ctx context.Context, res storage.Resource, tokens []string, ms *multistatus.Response) bool {
	log := appctx.GetLogger(ctx)

	childrenOK := true
	if res.IsCollection() {
		children, err := res.Children(ctx)
		if err != nil {
			ms.Add(s.href(ctx, res.CanonicalURL()), http.StatusInternalServerError)
			return false
		}
		for _, child := range children {
			if !s.deleteRecursive(ctx, child, tokens, ms) {
				childrenOK = false
			}
		}
	}
	if !childrenOK {
		ms.Add(s.href(ctx, res.CanonicalURL()), http.StatusFailedDependency)
		return false
	}

	grant, _, err := s.lockGrant(ctx, res, tokens, http.MethodDelete)
	if err != nil {
		ms.Add(s.href(ctx, res.CanonicalURL()), http.StatusInternalServerError)
		return false
	}
	// removing the mapping needs full permission
	if grant != lock.GrantFull {
		st := ms.Add(s.href(ctx, res.CanonicalURL()), http.StatusLocked)
		st.Error = &errors.ErrorXML{
			Xmlnsd:   net.NsDav,
			InnerXML: []byte("<d:" + errors.CondLockTokenSubmitted + "/>"),
		}
		return false
	}

	if err := res.Delete(ctx); err != nil {
		log.Debug().Err(err).Str("url", res.CanonicalURL()).Msg("error deleting resource")
		ms.Add(s.href(ctx, res.CanonicalURL()), statusForDeleteError(err))
		return false
	}
	return true
}
