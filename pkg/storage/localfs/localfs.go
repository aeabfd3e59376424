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

// Package localfs stores resources as files and directories below a root.
// Dead properties and locks live in one sidecar metadata document per
// resource; sidecar read-modify-write cycles are serialized with flock and
// committed atomically.
package localfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/errtypes"
	"github.com/sciactive/undine/pkg/prop"
	"github.com/sciactive/undine/pkg/storage"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

const (
	metaSuffix = ".davmeta.xml"
	flockExt   = ".flock"
)

// Adapter serves a directory tree from disk.
type Adapter struct {
	root string

	// AnonymousReads allows unauthenticated read methods.
	AnonymousReads bool
}

// New returns an adapter rooted at the given directory, creating it when
// missing.
func New(root string) (*Adapter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "error resolving storage root")
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating storage root")
	}
	return &Adapter{root: abs}, nil
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

func clean(url string) string {
	p := path.Clean("/" + strings.TrimSuffix(url, "/"))
	if p == "" {
		return "/"
	}
	return p
}

// isMetaName hides sidecar artifacts from the resource tree.
func isMetaName(name string) bool {
	return strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, metaSuffix+flockExt)
}

// GetResource resolves a url to a resource handle.
func (a *Adapter) GetResource(_ context.Context, url, _ string) (storage.Resource, error) {
	p := clean(url)
	if isMetaName(p) {
		return nil, errtypes.BadRequest("reserved name: " + p)
	}
	return &resource{a: a, path: p}, nil
}

type resource struct {
	a    *Adapter
	path string
}

// abs maps the canonical url to the on-disk path.
func (r *resource) abs() string {
	return filepath.Join(r.a.root, filepath.FromSlash(r.path))
}

// metaPath returns the sidecar document path: inside the directory for
// collections, a sibling for files and lock-null placeholders.
func (r *resource) metaPath() string {
	if fi, err := os.Stat(r.abs()); err == nil && fi.IsDir() {
		return filepath.Join(r.abs(), metaSuffix)
	}
	return r.abs() + metaSuffix
}

func (r *resource) stat() (os.FileInfo, bool) {
	fi, err := os.Stat(r.abs())
	if err != nil {
		return nil, false
	}
	return fi, true
}

func (r *resource) Exists() bool {
	if _, ok := r.stat(); ok {
		return true
	}
	// a sidecar without content marks a lock-null placeholder
	m, err := readMeta(r.metaPath())
	return err == nil && m.provisional
}

func (r *resource) IsProvisional() bool {
	if _, ok := r.stat(); ok {
		return false
	}
	m, err := readMeta(r.metaPath())
	return err == nil && m.provisional
}

func (r *resource) Commit(_ context.Context) error {
	return updateMeta(r.metaPath(), func(m *meta) error {
		m.provisional = false
		return nil
	})
}

func (r *resource) IsCollection() bool {
	fi, ok := r.stat()
	return ok && fi.IsDir()
}

func (r *resource) CanonicalURL() string {
	if r.IsCollection() && r.path != "/" {
		return r.path + "/"
	}
	return r.path
}

func (r *resource) Children(_ context.Context) ([]storage.Resource, error) {
	entries, err := os.ReadDir(r.abs())
	if err != nil {
		return nil, wrapFSError(err, r.path)
	}
	var out []storage.Resource
	for _, e := range entries {
		if isMetaName(e.Name()) {
			continue
		}
		out = append(out, &resource{a: r.a, path: path.Join(r.path, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(*resource).path < out[j].(*resource).path
	})
	return out, nil
}

func (r *resource) Stats(_ context.Context) (storage.Stats, error) {
	fi, ok := r.stat()
	if !ok {
		if r.IsProvisional() {
			return storage.Stats{}, nil
		}
		return storage.Stats{}, errtypes.NotFound(r.path)
	}
	s := storage.Stats{
		ModTime: fi.ModTime(),
		// the filesystem does not record creation times
		CreationTime: fi.ModTime(),
	}
	if !fi.IsDir() {
		s.Length = fi.Size()
		s.ETag = fmt.Sprintf("\"%x-%x\"", fi.ModTime().UnixNano(), fi.Size())
		if mt := mime.TypeByExtension(filepath.Ext(r.abs())); mt != "" {
			s.MediaType = mt
		} else {
			s.MediaType = "application/octet-stream"
		}
	}
	return s, nil
}

func (r *resource) ReadStream(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(r.abs())
	if err != nil {
		return nil, wrapFSError(err, r.path)
	}
	return f, nil
}

func (r *resource) WriteStream(_ context.Context, body io.Reader) error {
	pf, err := renameio.NewPendingFile(r.abs(), renameio.WithPermissions(0644))
	if err != nil {
		return wrapFSError(err, r.path)
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, body); err != nil {
		// the pending file is discarded, the old content stays
		return wrapFSError(err, r.path)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return wrapFSError(err, r.path)
	}
	// writing a lock-null placeholder makes it real
	if m, err := readMeta(r.abs() + metaSuffix); err == nil && m.provisional {
		return updateMeta(r.abs()+metaSuffix, func(m *meta) error {
			m.provisional = false
			return nil
		})
	}
	return nil
}

func (r *resource) MakeCollection(_ context.Context) error {
	sidecar := r.abs() + metaSuffix
	if err := os.Mkdir(r.abs(), 0755); err != nil {
		return wrapFSError(err, r.path)
	}
	// a lock-null sidecar moves inside the new directory
	if _, err := os.Stat(sidecar); err == nil {
		if err := os.Rename(sidecar, filepath.Join(r.abs(), metaSuffix)); err != nil {
			return wrapFSError(err, r.path)
		}
		_ = os.Remove(sidecar + flockExt)
	}
	return nil
}

func (r *resource) Delete(_ context.Context) error {
	fi, ok := r.stat()
	if !ok {
		// dropping a lock-null placeholder just drops its sidecar
		if r.IsProvisional() {
			return removeMeta(r.abs() + metaSuffix)
		}
		return errtypes.NotFound(r.path)
	}
	if fi.IsDir() {
		_ = removeMeta(filepath.Join(r.abs(), metaSuffix))
		if err := os.Remove(r.abs()); err != nil {
			return wrapFSError(err, r.path)
		}
		return nil
	}
	if err := os.Remove(r.abs()); err != nil {
		return wrapFSError(err, r.path)
	}
	return removeMeta(r.abs() + metaSuffix)
}

func (r *resource) CopyTo(ctx context.Context, dest, _ string) error {
	dst := &resource{a: r.a, path: clean(dest)}
	fi, ok := r.stat()
	if !ok {
		return errtypes.NotFound(r.path)
	}

	if fi.IsDir() {
		if err := os.MkdirAll(dst.abs(), 0755); err != nil {
			return wrapFSError(err, dst.path)
		}
	} else {
		src, err := os.Open(r.abs())
		if err != nil {
			return wrapFSError(err, r.path)
		}
		defer src.Close()
		if err := dst.WriteStream(ctx, src); err != nil {
			return err
		}
	}

	// dead properties travel, locks do not
	m, err := readMeta(r.metaPath())
	if err != nil {
		return nil
	}
	return updateMeta(dst.metaPath(), func(dm *meta) error {
		dm.props = map[string]*prop.Property{}
		for k, v := range m.props {
			cp := *v
			dm.props[k] = &cp
		}
		return nil
	})
}

func (r *resource) MoveTo(_ context.Context, dest, _ string) error {
	dst := &resource{a: r.a, path: clean(dest)}
	fi, ok := r.stat()
	if !ok {
		return errtypes.NotFound(r.path)
	}
	if err := os.Rename(r.abs(), dst.abs()); err != nil {
		return wrapFSError(err, r.path)
	}
	if !fi.IsDir() {
		// the sibling sidecar moves along
		if _, err := os.Stat(r.abs() + metaSuffix); err == nil {
			if err := os.Rename(r.abs()+metaSuffix, dst.abs()+metaSuffix); err != nil {
				return wrapFSError(err, r.path)
			}
		}
		_ = os.Remove(r.abs() + metaSuffix + flockExt)
	}
	return nil
}

func (r *resource) Properties() storage.Properties {
	return &properties{r}
}

func (r *resource) Locks() storage.Locks {
	return &locks{r}
}

func wrapFSError(err error, p string) error {
	switch {
	case os.IsNotExist(err):
		return errtypes.NotFound(p)
	case os.IsExist(err):
		return errtypes.AlreadyExists(p)
	case os.IsPermission(err):
		return errtypes.PermissionDenied(p)
	default:
		return err
	}
}
