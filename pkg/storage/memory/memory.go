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

// Package memory is a map-backed storage adapter. It backs the test suites
// and works as a scratch backend for single-process deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"

	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/errtypes"
	"github.com/sciactive/undine/pkg/prop"
	"github.com/sciactive/undine/pkg/storage"
)

type node struct {
	isDir       bool
	provisional bool
	data        []byte
	created     time.Time
	modified    time.Time
	etag        string
	props       map[string]*prop.Property
	lockTokens  map[string]struct{}
}

// Adapter is an in-memory resource tree.
type Adapter struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	locks   *ttlcache.Cache
	etagSeq uint64

	// AnonymousReads allows unauthenticated read methods.
	AnonymousReads bool
}

// New returns an adapter holding a single empty root collection.
func New() *Adapter {
	a := &Adapter{
		nodes: map[string]*node{
			"/": {isDir: true, created: time.Now(), modified: time.Now()},
		},
		locks: ttlcache.NewCache(),
	}
	a.locks.SkipTTLExtensionOnHit(true)
	a.locks.SetExpirationCallback(func(token string, value interface{}) {
		l, ok := value.(*storage.Lock)
		if !ok {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if n, ok := a.nodes[l.Root]; ok {
			delete(n.lockTokens, token)
		}
	})
	return a
}

var readMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "OPTIONS": {}, "PROPFIND": {},
}

// IsAuthorized allows any authenticated principal; anonymous callers only
// read, and only when enabled.
func (a *Adapter) IsAuthorized(_ context.Context, _, method, _ string, user *ctxpkg.User) bool {
	if user != nil {
		return true
	}
	if !a.AnonymousReads {
		return false
	}
	_, ok := readMethods[method]
	return ok
}

// clean normalizes a request url to the node key form: absolute, no
// trailing slash except the root.
func clean(url string) string {
	p := path.Clean("/" + strings.TrimSuffix(url, "/"))
	if p == "" {
		return "/"
	}
	return p
}

// GetResource resolves a url to a resource handle. The handle is valid even
// when nothing is mapped at the url.
func (a *Adapter) GetResource(_ context.Context, url, _ string) (storage.Resource, error) {
	return &resource{a: a, path: clean(url)}, nil
}

func (a *Adapter) nextEtag(n *node) {
	a.etagSeq++
	n.etag = fmt.Sprintf("\"%x-%x\"", a.etagSeq, n.modified.UnixNano())
}

type resource struct {
	a    *Adapter
	path string
}

func (r *resource) node() (*node, bool) {
	n, ok := r.a.nodes[r.path]
	return n, ok
}

func (r *resource) Exists() bool {
	r.a.mu.RLock()
	defer r.a.mu.RUnlock()
	_, ok := r.node()
	return ok
}

func (r *resource) IsProvisional() bool {
	r.a.mu.RLock()
	defer r.a.mu.RUnlock()
	n, ok := r.node()
	return ok && n.provisional
}

func (r *resource) Commit(_ context.Context) error {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	n, ok := r.node()
	if !ok {
		return errtypes.NotFound(r.path)
	}
	n.provisional = false
	return nil
}

func (r *resource) IsCollection() bool {
	r.a.mu.RLock()
	defer r.a.mu.RUnlock()
	n, ok := r.node()
	return ok && n.isDir
}

func (r *resource) CanonicalURL() string {
	r.a.mu.RLock()
	defer r.a.mu.RUnlock()
	n, ok := r.node()
	if ok && n.isDir && r.path != "/" {
		return r.path + "/"
	}
	return r.path
}

func (r *resource) Children(_ context.Context) ([]storage.Resource, error) {
	r.a.mu.RLock()
	defer r.a.mu.RUnlock()
	n, ok := r.node()
	if !ok {
		return nil, errtypes.NotFound(r.path)
	}
	if !n.isDir {
		return nil, errtypes.BadRequest("not a collection: " + r.path)
	}
	var out []storage.Resource
	for p := range r.a.nodes {
		if p != "/" && path.Dir(p) == r.path && p != r.path {
			out = append(out, &resource{a: r.a, path: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(*resource).path < out[j].(*resource).path
	})
	return out, nil
}

func (r *resource) Stats(_ context.Context) (storage.Stats, error) {
	r.a.mu.RLock()
	defer r.a.mu.RUnlock()
	n, ok := r.node()
	if !ok {
		return storage.Stats{}, errtypes.NotFound(r.path)
	}
	return storage.Stats{
		Length:       int64(len(n.data)),
		MediaType:    mediaType(r.path, n),
		ETag:         n.etag,
		CreationTime: n.created,
		ModTime:      n.modified,
	}, nil
}

func mediaType(p string, n *node) string {
	if n.isDir {
		return ""
	}
	if mt := mime.TypeByExtension(path.Ext(p)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

type readSeekCloser struct {
	*bytes.Reader
}

func (readSeekCloser) Close() error { return nil }

func (r *resource) ReadStream(_ context.Context) (io.ReadCloser, error) {
	r.a.mu.RLock()
	defer r.a.mu.RUnlock()
	n, ok := r.node()
	if !ok || n.provisional {
		return nil, errtypes.NotFound(r.path)
	}
	if n.isDir {
		return nil, errtypes.BadRequest("cannot read a collection: " + r.path)
	}
	return readSeekCloser{bytes.NewReader(n.data)}, nil
}

func (r *resource) WriteStream(ctx context.Context, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	n, ok := r.node()
	if !ok {
		n = &node{created: time.Now()}
		r.a.nodes[r.path] = n
	}
	if n.isDir {
		return errtypes.BadRequest("cannot write a collection: " + r.path)
	}
	n.data = data
	n.modified = time.Now()
	r.a.nextEtag(n)
	return nil
}

func (r *resource) MakeCollection(_ context.Context) error {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	if n, ok := r.node(); ok && !n.provisional {
		return errtypes.AlreadyExists(r.path)
	}
	now := time.Now()
	n := &node{isDir: true, created: now, modified: now}
	if old, ok := r.node(); ok {
		// keep the lock-null state, it is committed by the handler
		n.provisional = old.provisional
		n.lockTokens = old.lockTokens
		n.props = old.props
	}
	r.a.nodes[r.path] = n
	r.a.nextEtag(n)
	return nil
}

func (r *resource) Delete(_ context.Context) error {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	n, ok := r.node()
	if !ok {
		return errtypes.NotFound(r.path)
	}
	for token := range n.lockTokens {
		_ = r.a.locks.Remove(token)
	}
	delete(r.a.nodes, r.path)
	return nil
}

func (r *resource) CopyTo(_ context.Context, dest, _ string) error {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	n, ok := r.node()
	if !ok {
		return errtypes.NotFound(r.path)
	}
	dst := clean(dest)
	now := time.Now()
	cp := &node{
		isDir:    n.isDir,
		created:  now,
		modified: now,
		data:     append([]byte(nil), n.data...),
	}
	if n.props != nil {
		cp.props = make(map[string]*prop.Property, len(n.props))
		for k, v := range n.props {
			pv := *v
			cp.props[k] = &pv
		}
	}
	r.a.nodes[dst] = cp
	r.a.nextEtag(cp)
	return nil
}

func (r *resource) MoveTo(_ context.Context, dest, _ string) error {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	if _, ok := r.node(); !ok {
		return errtypes.NotFound(r.path)
	}
	dst := clean(dest)
	moved := map[string]*node{}
	for p, n := range r.a.nodes {
		if p == r.path || strings.HasPrefix(p, r.path+"/") {
			moved[dst+strings.TrimPrefix(p, r.path)] = n
			delete(r.a.nodes, p)
		}
	}
	for p, n := range moved {
		n.modified = time.Now()
		r.a.nodes[p] = n
	}
	return nil
}

func (r *resource) Properties() storage.Properties {
	return &properties{r}
}

func (r *resource) Locks() storage.Locks {
	return &locks{r}
}

type properties struct {
	r *resource
}

func (ps *properties) Get(_ context.Context, key string) (*prop.Property, error) {
	ps.r.a.mu.RLock()
	defer ps.r.a.mu.RUnlock()
	n, ok := ps.r.node()
	if !ok {
		return nil, errtypes.NotFound(ps.r.path)
	}
	p, ok := n.props[key]
	if !ok {
		return nil, errtypes.NotFound(key)
	}
	cp := *p
	return &cp, nil
}

func (ps *properties) Set(_ context.Context, p *prop.Property) error {
	if prop.IsLive(p.XMLName) {
		return errtypes.PropertyProtected(p.XMLName.Local)
	}
	ps.r.a.mu.Lock()
	defer ps.r.a.mu.Unlock()
	n, ok := ps.r.node()
	if !ok {
		return errtypes.NotFound(ps.r.path)
	}
	if n.props == nil {
		n.props = map[string]*prop.Property{}
	}
	cp := *p
	n.props[prop.Key(p.XMLName)] = &cp
	return nil
}

func (ps *properties) Remove(_ context.Context, key string) error {
	if prop.IsLive(prop.ParseKey(key)) {
		return errtypes.PropertyProtected(key)
	}
	ps.r.a.mu.Lock()
	defer ps.r.a.mu.Unlock()
	n, ok := ps.r.node()
	if !ok {
		return errtypes.NotFound(ps.r.path)
	}
	delete(n.props, key)
	return nil
}

func (ps *properties) ListDead(_ context.Context) ([]*prop.Property, error) {
	ps.r.a.mu.RLock()
	defer ps.r.a.mu.RUnlock()
	n, ok := ps.r.node()
	if !ok {
		return nil, errtypes.NotFound(ps.r.path)
	}
	keys := make([]string, 0, len(n.props))
	for k := range n.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*prop.Property, 0, len(keys))
	for _, k := range keys {
		cp := *n.props[k]
		out = append(out, &cp)
	}
	return out, nil
}

type locks struct {
	r *resource
}

func ttlFor(l *storage.Lock) time.Duration {
	if l.Timeout == 0 {
		return ttlcache.ItemNotExpire
	}
	return l.Timeout
}

func (ls *locks) tokens() []string {
	ls.r.a.mu.RLock()
	defer ls.r.a.mu.RUnlock()
	n, ok := ls.r.node()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.lockTokens))
	for t := range n.lockTokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (ls *locks) List(_ context.Context) ([]*storage.Lock, error) {
	var out []*storage.Lock
	for _, token := range ls.tokens() {
		if v, err := ls.r.a.locks.Get(token); err == nil {
			if l, ok := v.(*storage.Lock); ok {
				cp := *l
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (ls *locks) ListByUser(ctx context.Context, username string) ([]*storage.Lock, error) {
	all, err := ls.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.Username == username {
			out = append(out, l)
		}
	}
	return out, nil
}

func (ls *locks) Add(_ context.Context, l *storage.Lock) error {
	ls.r.a.mu.Lock()
	n, ok := ls.r.node()
	if !ok {
		// a lock on an unmapped url reserves it with a lock-null
		// placeholder
		now := time.Now()
		n = &node{provisional: true, created: now, modified: now}
		ls.r.a.nodes[ls.r.path] = n
	}
	if n.lockTokens == nil {
		n.lockTokens = map[string]struct{}{}
	}
	n.lockTokens[l.Token] = struct{}{}
	ls.r.a.mu.Unlock()

	cp := *l
	return ls.r.a.locks.SetWithTTL(l.Token, &cp, ttlFor(l))
}

func (ls *locks) Save(_ context.Context, l *storage.Lock) error {
	cp := *l
	return ls.r.a.locks.SetWithTTL(l.Token, &cp, ttlFor(l))
}

func (ls *locks) Delete(_ context.Context, token string) error {
	ls.r.a.mu.Lock()
	if n, ok := ls.r.node(); ok {
		delete(n.lockTokens, token)
	}
	ls.r.a.mu.Unlock()
	err := ls.r.a.locks.Remove(token)
	if err == ttlcache.ErrNotFound {
		return nil
	}
	return err
}
