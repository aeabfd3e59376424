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

	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
	ctxpkg "github.com/sciactive/undine/pkg/ctx"
)

func (s *Service) handleUnlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fn := r.URL.Path
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if !s.authorize(w, r, fn) {
		return
	}
	user, ok := ctxpkg.ContextGetUser(ctx)
	if !ok {
		sublog.Debug().Msg("unlock requires a principal")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	token, err := net.ParseLockToken(r.Header.Get(net.HeaderLockToken))
	if err != nil {
		sublog.Debug().Err(err).Msg("invalid lock token header")
		errors.WriteError(&sublog, w, http.StatusBadRequest, "", "Missing or invalid Lock-Token header")
		return
	}

	res, err := s.resolve(ctx, fn)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !res.Exists() {
		sublog.Debug().Msg("resource not found")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	set, err := lock.Effective(ctx, s.adapter, res, s.baseURI(ctx))
	if err != nil {
		handleError(w, r, err)
		return
	}
	l := set.ByToken(token)
	if l == nil {
		sublog.Debug().Str("token", token).Msg("no covering lock with this token")
		errors.WriteError(&sublog, w, http.StatusConflict, errors.CondLockTokenMatchesRequestURI, "The token does not identify a lock on this resource")
		return
	}
	if l.Username != user.Username {
		sublog.Debug().Str("token", token).Msg("unlock by a different principal")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	owner, err := s.resolve(ctx, l.Root)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := owner.Locks().Delete(ctx, token); err != nil {
		handleError(w, r, err)
		return
	}

	// a lock-null resource with no remaining locks disappears
	if owner.IsProvisional() {
		if remaining, err := owner.Locks().List(ctx); err == nil && len(remaining) == 0 {
			if err := owner.Delete(ctx); err != nil {
				sublog.Error().Err(err).Msg("error removing lock-null resource")
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
