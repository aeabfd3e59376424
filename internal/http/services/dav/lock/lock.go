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

// Package lock computes the effective lock set of a resource and arbitrates
// modification permission. Lock state itself is owned by the adapter; this
// package only reads, purges and reasons.
package lock

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sciactive/undine/pkg/appctx"
	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/storage"
)

// Grant is the modification permission of a request on a resource.
type Grant int

const (
	// GrantNone denies any modification.
	GrantNone Grant = iota
	// GrantContents allows modifying the resource body but not its
	// mapping: PUT is fine, DELETE, MOVE and PROPPATCH of the namespace
	// entry are not.
	GrantContents
	// GrantFull allows any modification.
	GrantFull
	// GrantShared allows adding another shared lock.
	GrantShared
)

// NewToken mints a lock token uri.
func NewToken() string {
	return "urn:uuid:" + uuid.NewString()
}

// Set is the effective lock set of a resource, tagged by provenance: locks
// on the resource itself, depth-0 locks on the immediate parent and
// depth-infinity locks on any ancestor. The three subsets are disjoint.
type Set struct {
	Resource      []*storage.Lock
	DepthZero     []*storage.Lock
	DepthInfinity []*storage.Lock
}

// All returns the union of the tagged subsets.
func (s *Set) All() []*storage.Lock {
	all := make([]*storage.Lock, 0, len(s.Resource)+len(s.DepthZero)+len(s.DepthInfinity))
	all = append(all, s.Resource...)
	all = append(all, s.DepthZero...)
	all = append(all, s.DepthInfinity...)
	return all
}

// Empty reports whether no lock covers the resource.
func (s *Set) Empty() bool {
	return len(s.Resource) == 0 && len(s.DepthZero) == 0 && len(s.DepthInfinity) == 0
}

// ByToken returns the covering lock with the given token, if any.
func (s *Set) ByToken(token string) *storage.Lock {
	for _, l := range s.All() {
		if l.Token == token {
			return l
		}
	}
	return nil
}

// purge drops expired locks from the listing and deletes them best-effort.
func purge(ctx context.Context, locks storage.Locks, in []*storage.Lock, now time.Time) []*storage.Lock {
	out := in[:0]
	for _, l := range in {
		if l.Expired(now) {
			if err := locks.Delete(ctx, l.Token); err != nil {
				appctx.GetLogger(ctx).Debug().Err(err).Str("token", l.Token).Msg("could not purge expired lock")
			}
			continue
		}
		out = append(out, l)
	}
	return out
}

// parentURL returns the parent collection url of a canonical url, keeping
// the trailing slash convention.
func parentURL(url string) string {
	trimmed := strings.TrimSuffix(url, "/")
	if trimmed == "" || trimmed == "/" {
		return "/"
	}
	p := path.Dir(trimmed)
	if p != "/" {
		p += "/"
	}
	return p
}

// Effective computes the lock set seen from the target resource: its own
// locks, depth-0 locks from the immediate parent and depth-infinity locks
// from any ancestor. Traversal is keyed on canonical urls and stops at the
// base url, so cyclic parent lookups cannot occur.
func Effective(ctx context.Context, a storage.Adapter, res storage.Resource, base string) (*Set, error) {
	now := time.Now()
	set := &Set{}

	set.Resource = listPurged(ctx, res, now)

	cur := strings.TrimSuffix(res.CanonicalURL(), "/")
	if cur == "" {
		cur = "/"
	}
	firstParent := true
	for cur != "/" {
		parent := parentURL(cur + "/")
		pres, err := a.GetResource(ctx, parent, base)
		if err != nil {
			return nil, err
		}
		if pres.Exists() {
			for _, l := range listPurged(ctx, pres, now) {
				switch {
				case l.InfiniteDepth:
					set.DepthInfinity = append(set.DepthInfinity, l)
				case firstParent:
					set.DepthZero = append(set.DepthZero, l)
				}
			}
		}
		firstParent = false
		cur = strings.TrimSuffix(parent, "/")
		if cur == "" {
			cur = "/"
		}
	}
	return set, nil
}

func listPurged(ctx context.Context, res storage.Resource, now time.Time) []*storage.Lock {
	if !res.Exists() {
		return nil
	}
	locks, err := res.Locks().List(ctx)
	if err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("url", res.CanonicalURL()).Msg("error listing locks")
		return nil
	}
	return purge(ctx, res.Locks(), locks, now)
}

// owned reports whether the request owns the lock: its token is in the
// submitted token set and the principal matches.
func owned(l *storage.Lock, user *ctxpkg.User, tokens []string) bool {
	if user == nil || l.Username != user.Username {
		return false
	}
	for _, t := range tokens {
		if t == l.Token {
			return true
		}
	}
	return false
}

// Check arbitrates the permission of a request on a resource given the
// effective lock set, the principal and the submitted token set.
func Check(set *Set, user *ctxpkg.User, tokens []string, method string) Grant {
	if set.Empty() {
		return GrantFull
	}
	for _, l := range set.All() {
		if owned(l, user, tokens) {
			return GrantFull
		}
	}

	if method != "LOCK" {
		if len(set.Resource) > 0 || len(set.DepthInfinity) > 0 {
			return GrantNone
		}
		if len(set.DepthZero) > 0 {
			return GrantContents
		}
		return GrantNone
	}

	// A new lock composes with existing ones only when all are shared.
	for _, l := range set.Resource {
		if l.Exclusive {
			return GrantNone
		}
	}
	for _, l := range set.DepthInfinity {
		if l.Exclusive {
			return GrantNone
		}
	}
	for _, l := range set.DepthZero {
		if l.Exclusive {
			return GrantContents
		}
	}
	if !set.Empty() {
		return GrantShared
	}
	return GrantNone
}

// Conflicting returns the locks that stand in the way of the request, used
// to enumerate hrefs in a no-conflicting-lock response.
func Conflicting(set *Set, user *ctxpkg.User, tokens []string) []*storage.Lock {
	var out []*storage.Lock
	for _, l := range set.All() {
		if !owned(l, user, tokens) {
			out = append(out, l)
		}
	}
	return out
}
