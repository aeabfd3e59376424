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
	"path"
	"strings"

	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/multistatus"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
	"github.com/sciactive/undine/pkg/storage"
)

// copyMove carries the checked state shared by the COPY and MOVE handlers.
type copyMove struct {
	src     storage.Resource
	dst     storage.Resource
	dstURL  string
	existed bool
	depth   net.Depth
	tokens  []string
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// prepareCopyMove parses and validates the shared headers and lock state of
// COPY and MOVE. It writes the failure response itself; callers stop when
// ok is false.
func (s *Service) prepareCopyMove(w http.ResponseWriter, r *http.Request) (cm *copyMove, ok bool) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)
	fn := r.URL.Path

	if !s.authorize(w, r, fn) {
		return nil, false
	}

	src, err := s.resolve(ctx, fn)
	if err != nil {
		handleError(w, r, err)
		return nil, false
	}
	if !src.Exists() || src.IsProvisional() {
		log.Debug().Str("path", fn).Msg("source not found")
		w.WriteHeader(http.StatusNotFound)
		return nil, false
	}

	dstURL, err := net.ParseDestination(r.Header.Get(net.HeaderDestination), requestScheme(r), r.Host, s.baseURI(ctx))
	if err != nil {
		log.Debug().Err(err).Str("destination", r.Header.Get(net.HeaderDestination)).Msg("invalid destination")
		errors.WriteError(log, w, http.StatusBadRequest, "", "Invalid Destination header")
		return nil, false
	}
	dstURL = path.Clean(dstURL)

	srcURL := strings.TrimSuffix(src.CanonicalURL(), "/")
	if dstURL == srcURL || strings.HasPrefix(dstURL+"/", srcURL+"/") {
		log.Debug().Str("src", srcURL).Str("dst", dstURL).Msg("destination inside source")
		w.WriteHeader(http.StatusForbidden)
		return nil, false
	}

	overwrite, err := net.ParseOverwrite(r.Header.Get(net.HeaderOverwrite))
	if err != nil {
		errors.WriteError(log, w, http.StatusBadRequest, "", "Invalid Overwrite header")
		return nil, false
	}

	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth), net.DepthInfinity)
	if err != nil || depth == net.DepthOne {
		errors.WriteError(log, w, http.StatusBadRequest, "", "Invalid Depth header value")
		return nil, false
	}
	if r.Method == MethodMove && depth != net.DepthInfinity {
		errors.WriteError(log, w, http.StatusBadRequest, "", "Depth must be infinity for MOVE")
		return nil, false
	}

	dst, err := s.resolve(ctx, dstURL)
	if err != nil {
		handleError(w, r, err)
		return nil, false
	}
	existed := dst.Exists() && !dst.IsProvisional()

	c, ok := s.checkPreconditions(w, r, fn)
	if !ok {
		return nil, false
	}

	// creating or replacing the destination mapping needs full permission
	grant, _, err := s.lockGrant(ctx, dst, c.tokens, r.Method)
	if err != nil {
		handleError(w, r, err)
		return nil, false
	}
	if grant != lock.GrantFull {
		s.locked(w, r)
		return nil, false
	}
	if r.Method == MethodMove {
		// so does removing the source mapping
		grant, _, err = s.lockGrant(ctx, src, c.tokens, r.Method)
		if err != nil {
			handleError(w, r, err)
			return nil, false
		}
		if grant != lock.GrantFull {
			s.locked(w, r)
			return nil, false
		}
	}

	if existed && !overwrite {
		log.Debug().Str("dst", dstURL).Msg("destination exists and overwrite is false")
		errors.WriteError(log, w, http.StatusPreconditionFailed, "", "Destination exists and Overwrite is set to false")
		return nil, false
	}

	parent, err := s.resolve(ctx, path.Dir(dstURL))
	if err != nil {
		handleError(w, r, err)
		return nil, false
	}
	if !parent.Exists() || !parent.IsCollection() {
		log.Debug().Str("dst", dstURL).Msg("destination parent does not exist")
		w.WriteHeader(http.StatusConflict)
		return nil, false
	}

	if existed {
		// pre-delete the destination; its failures are the response
		ms := multistatus.New()
		if !s.deleteRecursive(ctx, dst, c.tokens, ms) {
			ms.Render(w, r, 0)
			return nil, false
		}
		// reload the now unmapped destination
		if dst, err = s.resolve(ctx, dstURL); err != nil {
			handleError(w, r, err)
			return nil, false
		}
	}

	return &copyMove{
		src:     src,
		dst:     dst,
		dstURL:  dstURL,
		existed: existed,
		depth:   depth,
		tokens:  c.tokens,
	}, true
}

// copyRecursive copies a subtree. Dead properties travel with each node;
// locks never do.
func (s *Service) copyRecursive(ctx context.Context, src storage.Resource, dstURL string, depth net.Depth) error {
	if err := src.CopyTo(ctx, dstURL, s.baseURI(ctx)); err != nil {
		return err
	}
	if !src.IsCollection() || depth != net.DepthInfinity {
		return nil
	}
	children, err := src.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		name := path.Base(strings.TrimSuffix(child.CanonicalURL(), "/"))
		if err := s.copyRecursive(ctx, child, dstURL+"/"+name, depth); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleCopy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	cm, ok := s.prepareCopyMove(w, r)
	if !ok {
		return
	}

	if err := s.copyRecursive(ctx, cm.src, cm.dstURL, cm.depth); err != nil {
		log.Error().Err(err).Str("dst", cm.dstURL).Msg("error copying resource")
		handleError(w, r, err)
		return
	}

	if cm.existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
