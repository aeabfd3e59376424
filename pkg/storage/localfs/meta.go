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

package localfs

import (
	"context"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/pkg/errors"

	"github.com/sciactive/undine/pkg/errtypes"
	"github.com/sciactive/undine/pkg/prop"
	"github.com/sciactive/undine/pkg/storage"
)

// meta is the in-memory form of one sidecar document: dead properties under
// a properties root, locks keyed by token, and the lock-null flag.
type meta struct {
	provisional bool
	props       map[string]*prop.Property
	locks       map[string]*storage.Lock
}

func newMeta() *meta {
	return &meta{
		props: map[string]*prop.Property{},
		locks: map[string]*storage.Lock{},
	}
}

// readMeta parses a sidecar document. A missing file yields an empty meta.
func readMeta(path string) (*meta, error) {
	m := newMeta()
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		if os.IsNotExist(err) {
			return m, errtypes.NotFound(path)
		}
		return nil, errors.Wrap(err, "error reading metadata document")
	}
	root := doc.SelectElement("davmeta")
	if root == nil {
		return nil, errors.New("malformed metadata document")
	}
	m.provisional = root.SelectAttrValue("provisional", "false") == "true"

	if props := root.SelectElement("properties"); props != nil {
		for _, e := range props.SelectElements("property") {
			key := e.SelectAttrValue("name", "")
			if key == "" {
				continue
			}
			m.props[key] = &prop.Property{
				XMLName:  prop.ParseKey(key),
				Lang:     e.SelectAttrValue("lang", ""),
				InnerXML: []byte(e.Text()),
			}
		}
	}

	if locks := root.SelectElement("locks"); locks != nil {
		for _, e := range locks.SelectElements("lock") {
			l := &storage.Lock{
				Token:         e.SelectAttrValue("token", ""),
				Root:          e.SelectAttrValue("root", ""),
				Username:      e.SelectAttrValue("user", ""),
				Exclusive:     e.SelectAttrValue("exclusive", "false") == "true",
				InfiniteDepth: e.SelectAttrValue("depth", "0") == "infinity",
				Provisional:   e.SelectAttrValue("provisional", "false") == "true",
			}
			if l.Token == "" {
				continue
			}
			if ts, err := time.Parse(time.RFC3339Nano, e.SelectAttrValue("created", "")); err == nil {
				l.Created = ts
			}
			if secs, err := strconv.ParseInt(e.SelectAttrValue("timeout", "0"), 10, 64); err == nil {
				l.Timeout = time.Duration(secs) * time.Second
			}
			if owner := e.SelectElement("owner"); owner != nil {
				l.OwnerXML = owner.Text()
			}
			m.locks[l.Token] = l
		}
	}
	return m, nil
}

// writeMeta commits a sidecar document atomically. An empty meta removes
// the document instead.
func writeMeta(path string, m *meta) error {
	if !m.provisional && len(m.props) == 0 && len(m.locks) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "error removing metadata document")
		}
		return nil
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("davmeta")
	root.CreateAttr("provisional", strconv.FormatBool(m.provisional))

	props := root.CreateElement("properties")
	for _, key := range sortedPropKeys(m.props) {
		p := m.props[key]
		e := props.CreateElement("property")
		e.CreateAttr("name", key)
		if p.Lang != "" {
			e.CreateAttr("lang", p.Lang)
		}
		e.CreateCData(string(p.InnerXML))
	}

	locks := root.CreateElement("locks")
	for _, token := range sortedLockTokens(m.locks) {
		l := m.locks[token]
		e := locks.CreateElement("lock")
		e.CreateAttr("token", l.Token)
		e.CreateAttr("root", l.Root)
		e.CreateAttr("user", l.Username)
		e.CreateAttr("created", l.Created.UTC().Format(time.RFC3339Nano))
		e.CreateAttr("timeout", strconv.FormatInt(int64(l.Timeout/time.Second), 10))
		e.CreateAttr("exclusive", strconv.FormatBool(l.Exclusive))
		e.CreateAttr("depth", l.DepthString())
		e.CreateAttr("provisional", strconv.FormatBool(l.Provisional))
		if l.OwnerXML != "" {
			e.CreateElement("owner").CreateCData(l.OwnerXML)
		}
	}

	b, err := doc.WriteToBytes()
	if err != nil {
		return errors.Wrap(err, "error serializing metadata document")
	}
	return renameio.WriteFile(path, b, 0644)
}

func sortedPropKeys(m map[string]*prop.Property) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLockTokens(m map[string]*storage.Lock) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// updateMeta runs a read-modify-write cycle on a sidecar document under an
// advisory file lock, serializing concurrent LOCK and UNLOCK on the same
// resource.
func updateMeta(path string, mutate func(*meta) error) error {
	fl := flock.New(path + flockExt)
	if err := fl.Lock(); err != nil {
		return errors.Wrap(err, "error acquiring metadata lock")
	}
	defer func() { _ = fl.Unlock() }()

	m, err := readMeta(path)
	if err != nil {
		if _, ok := err.(errtypes.IsNotFound); !ok {
			return err
		}
	}
	if err := mutate(m); err != nil {
		return err
	}
	return writeMeta(path, m)
}

// removeMeta drops a sidecar document and its flock artifact.
func removeMeta(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "error removing metadata document")
	}
	_ = os.Remove(path + flockExt)
	return nil
}

type properties struct {
	r *resource
}

func (ps *properties) Get(_ context.Context, key string) (*prop.Property, error) {
	m, err := readMeta(ps.r.metaPath())
	if err != nil {
		return nil, errtypes.NotFound(key)
	}
	p, ok := m.props[key]
	if !ok {
		return nil, errtypes.NotFound(key)
	}
	return p, nil
}

func (ps *properties) Set(_ context.Context, p *prop.Property) error {
	if prop.IsLive(p.XMLName) {
		return errtypes.PropertyProtected(p.XMLName.Local)
	}
	cp := *p
	return updateMeta(ps.r.metaPath(), func(m *meta) error {
		m.props[prop.Key(p.XMLName)] = &cp
		return nil
	})
}

func (ps *properties) Remove(_ context.Context, key string) error {
	if prop.IsLive(prop.ParseKey(key)) {
		return errtypes.PropertyProtected(key)
	}
	return updateMeta(ps.r.metaPath(), func(m *meta) error {
		delete(m.props, key)
		return nil
	})
}

func (ps *properties) ListDead(_ context.Context) ([]*prop.Property, error) {
	m, err := readMeta(ps.r.metaPath())
	if err != nil {
		return nil, nil
	}
	out := make([]*prop.Property, 0, len(m.props))
	for _, key := range sortedPropKeys(m.props) {
		out = append(out, m.props[key])
	}
	return out, nil
}

type locks struct {
	r *resource
}

func (ls *locks) List(_ context.Context) ([]*storage.Lock, error) {
	m, err := readMeta(ls.r.metaPath())
	if err != nil {
		return nil, nil
	}
	out := make([]*storage.Lock, 0, len(m.locks))
	for _, token := range sortedLockTokens(m.locks) {
		out = append(out, m.locks[token])
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
	cp := *l
	return updateMeta(ls.r.metaPath(), func(m *meta) error {
		if !ls.r.Exists() {
			// the sidecar itself is the lock-null placeholder
			m.provisional = true
		}
		m.locks[l.Token] = &cp
		return nil
	})
}

func (ls *locks) Save(_ context.Context, l *storage.Lock) error {
	cp := *l
	return updateMeta(ls.r.metaPath(), func(m *meta) error {
		if _, ok := m.locks[l.Token]; !ok {
			return errtypes.NotFound(l.Token)
		}
		m.locks[l.Token] = &cp
		return nil
	})
}

func (ls *locks) Delete(_ context.Context, token string) error {
	return updateMeta(ls.r.metaPath(), func(m *meta) error {
		delete(m.locks, token)
		return nil
	})
}
