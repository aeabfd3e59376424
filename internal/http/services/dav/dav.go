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

// Package dav implements the WebDAV method dispatcher and protocol engine.
// It owns request parsing, the lock model, multi-status aggregation and
// response encoding; all persistence flows through the storage adapter.
package dav

import (
	"context"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/sciactive/undine/internal/http/services/dav/cond"
	"github.com/sciactive/undine/internal/http/services/dav/encoding"
	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/errtypes"
	"github.com/sciactive/undine/pkg/storage"
)

type ctxKey int

const (
	ctxKeyBaseURI ctxKey = iota
)

// WebDAV methods not covered by net/http constants.
const (
	MethodPropfind  = "PROPFIND"
	MethodProppatch = "PROPPATCH"
	MethodMkcol     = "MKCOL"
	MethodCopy      = "COPY"
	MethodMove      = "MOVE"
	MethodLock      = "LOCK"
	MethodUnlock    = "UNLOCK"
)

// Config holds the config options that need to be passed down to all dav handlers
type Config struct {
	// Prefix is the base uri the service is mounted at, used in hrefs.
	Prefix string `mapstructure:"prefix"`
	// Timeout is the per-request idle timeout in seconds.
	Timeout int64 `mapstructure:"timeout"`
	// LockDefaultTimeout is the lock lifetime in seconds granted when the
	// client sends no Timeout header.
	LockDefaultTimeout int64 `mapstructure:"lock_default_timeout"`
	// LockMaxTimeout caps client-requested lock lifetimes, in seconds.
	// Zero selects the default of 86400 (one day).
	LockMaxTimeout int64 `mapstructure:"lock_max_timeout"`
	// DisableCompression switches response compression off.
	DisableCompression bool `mapstructure:"disable_compression"`
	// PropfindDepthInfinity allows depth infinity propfinds. Large
	// deployments switch this off.
	PropfindDepthInfinity bool `mapstructure:"propfind_depth_infinity"`
}

func (c *Config) init() {
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.LockDefaultTimeout == 0 {
		c.LockDefaultTimeout = 3600
	}
	if c.LockMaxTimeout == 0 {
		c.LockMaxTimeout = 86400
	}
}

// Service dispatches WebDAV requests against a storage adapter.
type Service struct {
	c       *Config
	adapter storage.Adapter
}

// New returns a new dav service from a generic config map.
func New(m map[string]interface{}, adapter storage.Adapter) (*Service, error) {
	conf := &Config{PropfindDepthInfinity: true}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, err
	}
	conf.init()
	return &Service{c: conf, adapter: adapter}, nil
}

// Prefix returns the configured mount prefix.
func (s *Service) Prefix() string {
	return s.c.Prefix
}

// Handler handles requests
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := path.Join("/", s.c.Prefix)
		ctx := context.WithValue(r.Context(), ctxKeyBaseURI, base)
		r = r.WithContext(ctx)

		switch r.Method {
		case MethodPropfind:
			s.handlePropfind(w, r)
		case http.MethodOptions:
			s.handleOptions(w, r)
		case http.MethodHead:
			s.handleHead(w, r)
		case http.MethodGet:
			s.handleGet(w, r)
		case MethodLock:
			s.handleLock(w, r)
		case MethodUnlock:
			s.handleUnlock(w, r)
		case MethodProppatch:
			s.handleProppatch(w, r)
		case MethodMkcol:
			s.handleMkcol(w, r)
		case MethodMove:
			s.handleMove(w, r)
		case MethodCopy:
			s.handleCopy(w, r)
		case http.MethodPut:
			s.handlePut(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		default:
			w.Header().Set(net.HeaderAllow, allowedMethods)
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

const allowedMethods = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE, PROPFIND, PROPPATCH, LOCK, UNLOCK"

func (s *Service) baseURI(ctx context.Context) string {
	if base, ok := ctx.Value(ctxKeyBaseURI).(string); ok {
		return base
	}
	return "/"
}

// href builds the response href for a canonical url.
func (s *Service) href(ctx context.Context, url string) string {
	base := s.baseURI(ctx)
	if base == "/" {
		return url
	}
	if url == "/" {
		return base + "/"
	}
	return base + url
}

// authorize asks the adapter whether the principal may run the method.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, url string) bool {
	ctx := r.Context()
	user, _ := ctxpkg.ContextGetUser(ctx)
	if s.adapter.IsAuthorized(ctx, url, r.Method, s.baseURI(ctx), user) {
		return true
	}
	appctx.GetLogger(ctx).Debug().Str("url", url).Str("method", r.Method).Msg("adapter denied principal")
	w.WriteHeader(http.StatusUnauthorized)
	return false
}

// resolve loads the resource for the request path.
func (s *Service) resolve(ctx context.Context, url string) (storage.Resource, error) {
	return s.adapter.GetResource(ctx, url, s.baseURI(ctx))
}

// conditions carries the parsed conditional headers of a request.
type conditions struct {
	ifTag  *cond.IfTag
	tokens []string
}

// condEnv evaluates If conditions against the adapter and the lock engine.
type condEnv struct {
	ctx context.Context
	s   *Service
}

func (e condEnv) ETag(url string) string {
	res, err := e.s.resolve(e.ctx, url)
	if err != nil || !res.Exists() {
		return ""
	}
	stats, err := res.Stats(e.ctx)
	if err != nil {
		return ""
	}
	return strings.Trim(stats.ETag, `"`)
}

func (e condEnv) Locked(url, token string) bool {
	res, err := e.s.resolve(e.ctx, url)
	if err != nil || !res.Exists() {
		return false
	}
	set, err := lock.Effective(e.ctx, e.s.adapter, res, e.s.baseURI(e.ctx))
	if err != nil {
		return false
	}
	return set.ByToken(token) != nil
}

// checkPreconditions parses and evaluates the If header. It writes the
// failure response itself; callers stop when ok is false. The returned
// token set includes the Lock-Token header where present.
func (s *Service) checkPreconditions(w http.ResponseWriter, r *http.Request, url string) (c conditions, ok bool) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	if hdr := r.Header.Get(net.HeaderIf); hdr != "" {
		ifTag, err := cond.ParseIf(hdr)
		if err != nil {
			log.Debug().Err(err).Str("if", hdr).Msg("invalid If header")
			errors.WriteError(log, w, http.StatusBadRequest, "", "Invalid If header")
			return c, false
		}
		if err := ifTag.RewriteHosts(r.Host); err != nil {
			errors.WriteError(log, w, http.StatusBadRequest, "", "If header resource on foreign host")
			return c, false
		}
		if !ifTag.Eval(condEnv{ctx: ctx, s: s}, url) {
			log.Debug().Str("if", hdr).Str("url", url).Msg("If header evaluated to false")
			errors.WriteError(log, w, http.StatusPreconditionFailed, errors.CondLockTokenSubmitted, "If header condition failed")
			return c, false
		}
		c.ifTag = ifTag
		c.tokens = ifTag.Tokens()
	}

	if hdr := r.Header.Get(net.HeaderLockToken); hdr != "" {
		if token, err := net.ParseLockToken(hdr); err == nil {
			c.tokens = append(c.tokens, token)
		}
	}
	return c, true
}

// lockGrant computes the permission of the request on the resource.
func (s *Service) lockGrant(ctx context.Context, res storage.Resource, tokens []string, method string) (lock.Grant, *lock.Set, error) {
	set, err := lock.Effective(ctx, s.adapter, res, s.baseURI(ctx))
	if err != nil {
		return lock.GrantNone, nil, err
	}
	user, _ := ctxpkg.ContextGetUser(ctx)
	return lock.Check(set, user, tokens, method), set, nil
}

// locked emits the 423 response for a denied modification.
func (s *Service) locked(w http.ResponseWriter, r *http.Request) {
	log := appctx.GetLogger(r.Context())
	errors.WriteError(log, w, http.StatusLocked, errors.CondLockTokenSubmitted, "the resource is locked")
}

var xmlMediaTypes = map[string]struct{}{
	"application/xml": {},
	"text/xml":        {},
}

var xmlCharsets = map[string]struct{}{
	"":           {},
	"utf-8":      {},
	"utf8":       {},
	"us-ascii":   {},
	"iso-8859-1": {},
}

// checkXMLBody enforces the media type rules of verbs carrying XML bodies:
// unknown media types and charsets fail with 415. Absent bodies and absent
// content types pass.
func checkXMLBody(r *http.Request) error {
	if r.ContentLength == 0 && len(r.TransferEncoding) == 0 {
		return nil
	}
	ct := r.Header.Get(net.HeaderContentType)
	if ct == "" {
		return nil
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return errtypes.NotSupported("invalid content type " + ct)
	}
	if _, ok := xmlMediaTypes[mt]; !ok {
		return errtypes.NotSupported("content type " + mt)
	}
	if _, ok := xmlCharsets[strings.ToLower(params["charset"])]; !ok {
		return errtypes.NotSupported("charset " + params["charset"])
	}
	return nil
}

// handleError maps an adapter or parsing error to a response.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := appctx.GetLogger(r.Context())
	switch err.(type) {
	case errtypes.IsNotFound:
		log.Debug().Err(err).Msg("resource not found")
		w.WriteHeader(http.StatusNotFound)
	case errtypes.IsAlreadyExists:
		log.Debug().Err(err).Msg("resource already exists")
		w.WriteHeader(http.StatusMethodNotAllowed)
	case errtypes.IsPermissionDenied:
		log.Debug().Err(err).Msg("permission denied")
		w.WriteHeader(http.StatusForbidden)
	case errtypes.IsBadRequest:
		log.Debug().Err(err).Msg("bad request")
		w.WriteHeader(http.StatusBadRequest)
	case errtypes.IsNotSupported:
		log.Debug().Err(err).Msg("unsupported media type")
		w.WriteHeader(http.StatusUnsupportedMediaType)
	case errtypes.IsLocked:
		log.Debug().Err(err).Msg("locked")
		errors.WriteError(log, w, http.StatusLocked, errors.CondLockTokenSubmitted, err.Error())
	case errtypes.IsPreconditionFailed:
		log.Debug().Err(err).Msg("precondition failed")
		w.WriteHeader(http.StatusPreconditionFailed)
	case errtypes.IsInsufficientStorage:
		log.Warn().Err(err).Msg("insufficient storage")
		w.WriteHeader(http.StatusInsufficientStorage)
	case errtypes.IsTimeout:
		log.Warn().Err(err).Msg("request timed out")
		w.WriteHeader(http.StatusRequestTimeout)
	default:
		log.Error().Err(err).Msg("internal error")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// statusForDeleteError maps a per-resource delete failure for multistatus
// aggregation.
func statusForDeleteError(err error) int {
	switch err.(type) {
	case errtypes.IsNotFound:
		return http.StatusNotFound
	case errtypes.IsPermissionDenied:
		return http.StatusForbidden
	case errtypes.IsLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) idleTimeout() time.Duration {
	return time.Duration(s.c.Timeout) * time.Second
}

func (s *Service) encodingConfig() encoding.Config {
	return encoding.Config{Disabled: s.c.DisableCompression}
}
