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
	"encoding/xml"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sciactive/undine/internal/http/services/dav/body"
	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/multistatus"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/internal/http/services/dav/props"
	"github.com/sciactive/undine/pkg/appctx"
	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/errtypes"
	"github.com/sciactive/undine/pkg/storage"
)

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_lockinfo
type lockInfoXML struct {
	XMLName   xml.Name       `xml:"DAV: lockinfo"`
	Exclusive *struct{}      `xml:"DAV: lockscope>exclusive"`
	Shared    *struct{}      `xml:"DAV: lockscope>shared"`
	Write     *struct{}      `xml:"DAV: locktype>write"`
	Owner     props.OwnerXML `xml:"DAV: owner"`
}

// readLockInfo parses a lockinfo request body. An empty body is a refresh.
func readLockInfo(r io.Reader) (li lockInfoXML, refresh bool, status int, err error) {
	c := &countingReader{r: r}
	if err = xml.NewDecoder(c).Decode(&li); err != nil {
		if err == io.EOF && c.n == 0 {
			// empty body means refresh
			// http://www.webdav.org/specs/rfc4918.html#refreshing-locks
			return li, true, 0, nil
		}
		return li, false, http.StatusBadRequest, errors.ErrInvalidLockInfo
	}
	if (li.Exclusive == nil) == (li.Shared == nil) {
		return li, false, http.StatusBadRequest, errors.ErrInvalidLockInfo
	}
	if li.Write == nil {
		// only write locks exist in this dialect
		return li, false, http.StatusBadRequest, errors.ErrUnsupportedLockInfo
	}
	return li, false, 0, nil
}

type countingReader struct {
	n int
	r io.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_lockdiscovery
type lockdiscoveryXML struct {
	XMLName  xml.Name `xml:"lockdiscovery"`
	Xmlns    string   `xml:"xmlns,attr"`
	InnerXML []byte   `xml:",innerxml"`
}

type lockPropXML struct {
	XMLName       xml.Name `xml:"d:prop"`
	XmlnsD        string   `xml:"xmlns:d,attr"`
	Lockdiscovery lockdiscoveryXML
}

// writeLockResponse renders the prop/lockdiscovery body of a successful
// LOCK.
func (s *Service) writeLockResponse(w http.ResponseWriter, r *http.Request, l *storage.Lock, withToken bool) {
	log := appctx.GetLogger(r.Context())

	active, err := props.ActiveLock(l, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("error rendering activelock")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	b, err := xml.Marshal(lockPropXML{
		XmlnsD: net.NsDav,
		Lockdiscovery: lockdiscoveryXML{
			Xmlns:    net.NsDav,
			InnerXML: active,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("error marshaling lock response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if withToken {
		w.Header().Set(net.HeaderLockToken, "<"+l.Token+">")
	}
	w.Header().Set(net.HeaderContentType, "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append([]byte(xml.Header), b...)); err != nil {
		log.Err(err).Msg("error writing response")
	}
}

func (s *Service) handleLock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fn := r.URL.Path
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if !s.authorize(w, r, fn) {
		return
	}
	user, ok := ctxpkg.ContextGetUser(ctx)
	if !ok {
		sublog.Debug().Msg("lock requires a principal")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	c, ok := s.checkPreconditions(w, r, fn)
	if !ok {
		return
	}

	timeout, err := net.ParseTimeout(
		r.Header.Get(net.HeaderTimeout),
		time.Duration(s.c.LockDefaultTimeout)*time.Second,
		time.Duration(s.c.LockMaxTimeout)*time.Second,
	)
	if err != nil {
		errors.WriteError(&sublog, w, http.StatusBadRequest, "", "Invalid Timeout header value")
		return
	}

	if err := checkXMLBody(r); err != nil {
		handleError(w, r, err)
		return
	}
	br, err := body.NewReader(r, s.idleTimeout())
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer br.Close()

	li, refresh, status, err := readLockInfo(br)
	if err != nil {
		if br.TimedOut() {
			handleError(w, r, errtypes.Timeout("reading lockinfo body"))
			return
		}
		sublog.Debug().Err(err).Msg("error reading lockinfo")
		w.WriteHeader(status)
		return
	}

	res, err := s.resolve(ctx, fn)
	if err != nil {
		handleError(w, r, err)
		return
	}

	if refresh {
		s.refreshLock(w, r, res, c.tokens, user, timeout)
		return
	}

	exclusive := li.Exclusive != nil

	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth), net.DepthZero)
	if err != nil || depth == net.DepthOne {
		errors.WriteError(&sublog, w, http.StatusBadRequest, "", "Invalid Depth header value")
		return
	}

	grant, set, err := s.lockGrant(ctx, res, c.tokens, r.Method)
	if err != nil {
		handleError(w, r, err)
		return
	}

	allowed := false
	switch grant {
	case lock.GrantFull:
		allowed = true
	case lock.GrantShared:
		allowed = !exclusive
	case lock.GrantContents:
		// a depth-0 parent lock only forbids creating the mapping
		allowed = res.Exists()
	}
	if !allowed {
		conflicting := lock.Conflicting(set, user, c.tokens)
		if !exclusive {
			// a shared request failing means an exclusive lock is in
			// the way
			errors.WriteError(&sublog, w, http.StatusConflict, errors.CondNoConflictingLock, "An exclusive lock prevents a shared lock")
			return
		}
		ms := multistatus.New()
		for _, l := range conflicting {
			st := ms.Add(s.href(ctx, l.Root), http.StatusLocked)
			st.Error = &errors.ErrorXML{
				Xmlnsd:   net.NsDav,
				InnerXML: []byte("<d:" + errors.CondNoConflictingLock + "/>"),
			}
		}
		ms.Render(w, r, http.StatusLocked)
		return
	}

	root := res.CanonicalURL()
	if !res.Exists() {
		root = path.Clean(fn)
	}
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		root = "/"
	}

	l := &storage.Lock{
		Token:         lock.NewToken(),
		Root:          root,
		Username:      user.Username,
		Created:       time.Now(),
		Timeout:       timeout,
		Exclusive:     exclusive,
		InfiniteDepth: depth == net.DepthInfinity && res.IsCollection(),
		OwnerXML:      li.Owner.InnerXML,
		Provisional:   !res.Exists(),
	}
	if err := res.Locks().Add(ctx, l); err != nil {
		handleError(w, r, err)
		return
	}

	s.writeLockResponse(w, r, l, true)
}

// refreshLock updates the lifetime of a lock identified by a submitted
// token, preserving everything else.
func (s *Service) refreshLock(w http.ResponseWriter, r *http.Request, res storage.Resource, tokens []string, user *ctxpkg.User, timeout time.Duration) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	set, err := lock.Effective(ctx, s.adapter, res, s.baseURI(ctx))
	if err != nil {
		handleError(w, r, err)
		return
	}

	var l *storage.Lock
	for _, t := range tokens {
		if found := set.ByToken(t); found != nil {
			l = found
			break
		}
	}
	if l == nil {
		log.Debug().Msg("no covering lock matches a submitted token")
		errors.WriteError(log, w, http.StatusPreconditionFailed, errors.CondLockTokenSubmitted, "No covering lock matches a submitted token")
		return
	}
	if l.Username != user.Username {
		log.Debug().Str("token", l.Token).Msg("refresh by a different principal")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	l.Timeout = timeout
	l.Created = time.Now()

	owner, err := s.resolve(ctx, l.Root)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := owner.Locks().Save(ctx, l); err != nil {
		handleError(w, r, err)
		return
	}

	s.writeLockResponse(w, r, l, false)
}
