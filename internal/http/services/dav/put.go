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
	"net/http"
	"path"

	"github.com/sciactive/undine/internal/http/services/dav/body"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
	"github.com/sciactive/undine/pkg/errtypes"
)

func isContentRange(r *http.Request) bool {
	// Content-Range is dangerous for PUT requests: PUT per definition
	// stores a full resource. Some clients use it to continue aborted
	// uploads, with surprising results, so it is rejected outright.
	// https://datatracker.ietf.org/doc/html/rfc7231#section-4.3.4
	return r.Header.Get(net.HeaderContentRange) != ""
}

func (s *Service) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fn := r.URL.Path
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if isContentRange(r) {
		sublog.Debug().Msg("put with content-range is not allowed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := body.CheckTransferEncoding(r); err != nil {
		sublog.Debug().Err(err).Msg("unsupported transfer coding")
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	if !s.authorize(w, r, fn) {
		return
	}

	res, err := s.resolve(ctx, fn)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if res.Exists() && res.IsCollection() {
		sublog.Debug().Msg("put on a collection is not allowed")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parent, err := s.resolve(ctx, path.Dir(fn))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !parent.Exists() || !parent.IsCollection() {
		sublog.Debug().Msg("parent collection does not exist")
		w.WriteHeader(http.StatusConflict)
		return
	}

	c, ok := s.checkPreconditions(w, r, fn)
	if !ok {
		return
	}
	grant, _, err := s.lockGrant(ctx, res, c.tokens, r.Method)
	if err != nil {
		handleError(w, r, err)
		return
	}
	// a depth-0 lock on the parent still allows replacing the body
	if grant != lock.GrantFull && grant != lock.GrantContents {
		s.locked(w, r)
		return
	}

	existed := res.Exists() && !res.IsProvisional()

	br, err := body.NewReader(r, s.idleTimeout())
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer br.Close()

	if err := res.WriteStream(ctx, br); err != nil {
		if br.TimedOut() {
			handleError(w, r, errtypes.Timeout("writing request body"))
			return
		}
		handleError(w, r, err)
		return
	}

	// a successful write turns a lock-null resource into a real one and
	// commits its provisional locks
	if res.IsProvisional() {
		if err := res.Commit(ctx); err != nil {
			sublog.Error().Err(err).Msg("error committing lock-null resource")
		}
	}
	if locks, err := res.Locks().List(ctx); err == nil {
		for _, l := range locks {
			if l.Provisional {
				l.Provisional = false
				if err := res.Locks().Save(ctx, l); err != nil {
					sublog.Error().Err(err).Str("token", l.Token).Msg("error committing provisional lock")
				}
			}
		}
	}

	if stats, err := res.Stats(ctx); err == nil && stats.ETag != "" {
		w.Header().Set(net.HeaderETag, stats.ETag)
	}
	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
