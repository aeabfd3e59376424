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

package lock

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/storage"
	"github.com/sciactive/undine/pkg/storage/memory"
)

func mkTree(t *testing.T) (context.Context, *memory.Adapter) {
	t.Helper()
	ctx := context.Background()
	a := memory.New()
	for _, dir := range []string{"/c", "/c/sub"} {
		res, err := a.GetResource(ctx, dir, "/")
		require.NoError(t, err)
		require.NoError(t, res.MakeCollection(ctx))
	}
	for _, file := range []string{"/c/f", "/c/sub/g"} {
		res, err := a.GetResource(ctx, file, "/")
		require.NoError(t, err)
		require.NoError(t, res.WriteStream(ctx, strings.NewReader("data")))
	}
	return ctx, a
}

func addLock(t *testing.T, ctx context.Context, a *memory.Adapter, url string, l *storage.Lock) *storage.Lock {
	t.Helper()
	res, err := a.GetResource(ctx, url, "/")
	require.NoError(t, err)
	if l.Token == "" {
		l.Token = NewToken()
	}
	l.Root = strings.TrimSuffix(url, "/")
	if l.Created.IsZero() {
		l.Created = time.Now()
	}
	require.NoError(t, res.Locks().Add(ctx, l))
	return l
}

func effective(t *testing.T, ctx context.Context, a *memory.Adapter, url string) *Set {
	t.Helper()
	res, err := a.GetResource(ctx, url, "/")
	require.NoError(t, err)
	set, err := Effective(ctx, a, res, "/")
	require.NoError(t, err)
	return set
}

func TestEffectiveTagging(t *testing.T) {
	ctx, a := mkTree(t)

	onTarget := addLock(t, ctx, a, "/c/sub/g", &storage.Lock{Username: "alice", Timeout: time.Hour})
	onParent := addLock(t, ctx, a, "/c/sub", &storage.Lock{Username: "alice", Timeout: time.Hour})
	onAncestor := addLock(t, ctx, a, "/c", &storage.Lock{Username: "alice", Timeout: time.Hour, InfiniteDepth: true})
	// a depth-0 lock beyond the immediate parent is invisible
	addLock(t, ctx, a, "/", &storage.Lock{Username: "alice", Timeout: time.Hour})

	set := effective(t, ctx, a, "/c/sub/g")

	require.Len(t, set.Resource, 1)
	require.Equal(t, onTarget.Token, set.Resource[0].Token)
	require.Len(t, set.DepthZero, 1)
	require.Equal(t, onParent.Token, set.DepthZero[0].Token)
	require.Len(t, set.DepthInfinity, 1)
	require.Equal(t, onAncestor.Token, set.DepthInfinity[0].Token)

	// the tagged subsets are disjoint and union to All
	seen := map[string]int{}
	for _, l := range set.All() {
		seen[l.Token]++
	}
	require.Len(t, seen, 3)
	for token, n := range seen {
		require.Equal(t, 1, n, "token %s tagged more than once", token)
	}
}

func TestEffectivePurgesExpired(t *testing.T) {
	ctx, a := mkTree(t)

	addLock(t, ctx, a, "/c/f", &storage.Lock{
		Username: "alice",
		Timeout:  time.Second,
		Created:  time.Now().Add(-time.Minute),
	})

	set := effective(t, ctx, a, "/c/f")
	require.True(t, set.Empty(), "an expired lock influenced the effective set")
}

func TestCheck(t *testing.T) {
	alice := &ctxpkg.User{Username: "alice"}
	bob := &ctxpkg.User{Username: "bob"}

	exclusive := &storage.Lock{Token: "urn:uuid:x", Username: "alice", Exclusive: true}
	shared := &storage.Lock{Token: "urn:uuid:s", Username: "alice"}

	cases := []struct {
		name   string
		set    *Set
		user   *ctxpkg.User
		tokens []string
		method string
		want   Grant
	}{
		{"no locks", &Set{}, alice, nil, http.MethodPut, GrantFull},
		{"owned and submitted", &Set{Resource: []*storage.Lock{exclusive}}, alice, []string{"urn:uuid:x"}, http.MethodPut, GrantFull},
		{"owned but not submitted", &Set{Resource: []*storage.Lock{exclusive}}, alice, nil, http.MethodPut, GrantNone},
		{"submitted by wrong principal", &Set{Resource: []*storage.Lock{exclusive}}, bob, []string{"urn:uuid:x"}, http.MethodPut, GrantNone},
		{"resource lock denies", &Set{Resource: []*storage.Lock{exclusive}}, bob, nil, http.MethodDelete, GrantNone},
		{"ancestor infinity denies", &Set{DepthInfinity: []*storage.Lock{exclusive}}, bob, nil, http.MethodPut, GrantNone},
		{"parent depth zero grants contents", &Set{DepthZero: []*storage.Lock{exclusive}}, bob, nil, http.MethodPut, GrantContents},
		{"lock vs exclusive", &Set{Resource: []*storage.Lock{exclusive}}, bob, nil, "LOCK", GrantNone},
		{"lock vs shared", &Set{Resource: []*storage.Lock{shared}}, bob, nil, "LOCK", GrantShared},
		{"lock vs parent exclusive depth zero", &Set{DepthZero: []*storage.Lock{exclusive}}, bob, nil, "LOCK", GrantContents},
		{"lock vs ancestor shared", &Set{DepthInfinity: []*storage.Lock{shared}}, bob, nil, "LOCK", GrantShared},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, Check(c.set, c.user, c.tokens, c.method))
		})
	}
}

func TestConflicting(t *testing.T) {
	alice := &ctxpkg.User{Username: "alice"}
	mine := &storage.Lock{Token: "urn:uuid:mine", Username: "alice"}
	other := &storage.Lock{Token: "urn:uuid:other", Username: "bob"}

	set := &Set{Resource: []*storage.Lock{mine, other}}
	conflicting := Conflicting(set, alice, []string{"urn:uuid:mine"})
	require.Len(t, conflicting, 1)
	require.Equal(t, "urn:uuid:other", conflicting[0].Token)
}

func TestNewToken(t *testing.T) {
	tok := NewToken()
	require.True(t, strings.HasPrefix(tok, "urn:uuid:"))
	require.NotEqual(t, tok, NewToken())
}
