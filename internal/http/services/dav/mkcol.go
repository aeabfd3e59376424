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
	"io"
	"net/http"
	"path"

	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/pkg/appctx"
)

func (s *Service) handleMkcol(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fn := r.URL.Path
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	// a MKCOL body has no defined meaning
	buf := make([]byte, 1)
	if _, err := r.Body.Read(buf); err != io.EOF {
		sublog.Debug().Msg("unexpected mkcol request body")
		w.WriteHeader(http.StatusUnsupportedMediaType)
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
	if res.Exists() && !res.IsProvisional() {
		sublog.Debug().Msg("resource already exists")
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
	// creating the mapping needs full permission
	if grant != lock.GrantFull {
		s.locked(w, r)
		return
	}

	if err := res.MakeCollection(ctx); err != nil {
		handleError(w, r, err)
		return
	}

	if res.IsProvisional() {
		if err := res.Commit(ctx); err != nil {
			sublog.Error().Err(err).Msg("error committing lock-null resource")
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
	}

	w.WriteHeader(http.StatusCreated)
}
