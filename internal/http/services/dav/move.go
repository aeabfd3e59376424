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
	"strings"

	"github.com/sciactive/undine/pkg/appctx"
	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/storage"
)

func (s *Service) handleMove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	cm, ok := s.prepareCopyMove(w, r)
	if !ok {
		return
	}

	srcURL := strings.TrimSuffix(cm.src.CanonicalURL(), "/")
	user, _ := ctxpkg.ContextGetUser(ctx)

	// locks survive a move only when the user owns every affected lock
	keepLocks, err := s.subtreeLocksOwnedBy(ctx, cm.src, user)
	if err != nil {
		handleError(w, r, err)
		return
	}

	if err := cm.src.MoveTo(ctx, cm.dstURL, s.baseURI(ctx)); err != nil {
		log.Error().Err(err).Str("dst", cm.dstURL).Msg("error moving resource")
		handleError(w, r, err)
		return
	}

	dst, err := s.resolve(ctx, cm.dstURL)
	if err == nil && dst.Exists() {
		if err := s.rewriteMovedLocks(ctx, dst, srcURL, cm.dstURL, keepLocks); err != nil {
			log.Error().Err(err).Msg("error carrying locks over the move")
		}
	}

	if cm.existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// subtreeLocksOwnedBy reports whether every lock rooted in the subtree is
// owned by the given principal. A lock-free subtree counts as owned.
func (s *Service) subtreeLocksOwnedBy(ctx context.Context, res storage.Resource, user *ctxpkg.User) (bool, error) {
	owned := true
	err := walkResources(ctx, res, func(r storage.Resource) error {
		locks, err := r.Locks().List(ctx)
		if err != nil {
			return err
		}
		for _, l := range locks {
			if user == nil || l.Username != user.Username {
				owned = false
			}
		}
		return nil
	})
	return owned, err
}

// rewriteMovedLocks fixes the roots of locks that travelled with the moved
// metadata, or drops them when the user does not own them all.
func (s *Service) rewriteMovedLocks(ctx context.Context, dst storage.Resource, srcURL, dstURL string, keep bool) error {
	return walkResources(ctx, dst, func(r storage.Resource) error {
		locks, err := r.Locks().List(ctx)
		if err != nil {
			return err
		}
		for _, l := range locks {
			if !keep {
				if err := r.Locks().Delete(ctx, l.Token); err != nil {
					return err
				}
				continue
			}
			if l.Root == srcURL || strings.HasPrefix(l.Root, srcURL+"/") {
				l.Root = dstURL + strings.TrimPrefix(l.Root, srcURL)
				if err := r.Locks().Save(ctx, l); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// walkResources visits the resource and every descendant, pre-order.
func walkResources(ctx context.Context, res storage.Resource, fn func(storage.Resource) error) error {
	if err := fn(res); err != nil {
		return err
	}
	if !res.IsCollection() {
		return nil
	}
	children, err := res.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := walkResources(ctx, child, fn); err != nil {
			return err
		}
	}
	return nil
}
