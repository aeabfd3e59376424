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
	"time"

	"github.com/sciactive/undine/internal/http/services/dav/body"
	"github.com/sciactive/undine/internal/http/services/dav/encoding"
	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/multistatus"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/internal/http/services/dav/props"
	"github.com/sciactive/undine/pkg/appctx"
	"github.com/sciactive/undine/pkg/errtypes"
	"github.com/sciactive/undine/pkg/prop"
	"github.com/sciactive/undine/pkg/storage"
)

func (s *Service) handlePropfind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fn := r.URL.Path
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if !s.authorize(w, r, fn) {
		return
	}

	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth), net.DepthInfinity)
	if err != nil {
		sublog.Debug().Str("depth", r.Header.Get(net.HeaderDepth)).Msg(err.Error())
		errors.WriteError(&sublog, w, http.StatusBadRequest, "", "Invalid Depth header value")
		return
	}
	if depth == net.DepthInfinity && !s.c.PropfindDepthInfinity {
		sublog.Debug().Msg("depth infinity propfind is disabled")
		errors.WriteError(&sublog, w, http.StatusForbidden, errors.CondPropfindFiniteDepth, "Depth infinity is not allowed")
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

	pf, status, err := props.ReadPropfind(br)
	if err != nil {
		if br.TimedOut() {
			handleError(w, r, errtypes.Timeout("reading propfind body"))
			return
		}
		sublog.Debug().Err(err).Msg("error reading propfind request")
		w.WriteHeader(status)
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

	ms := multistatus.New()
	if err := s.propfindResource(ctx, res, &pf, depth, ms); err != nil {
		handleError(w, r, err)
		return
	}

	rw := encoding.NewResponseWriter(w, r, s.encodingConfig())
	defer rw.Close()
	ms.Render(rw, r, 0)
}

// propfindResource adds the status of one resource and walks its children
// up to the given depth. Lock-null resources are visible but have no
// members.
func (s *Service) propfindResource(ctx context.Context, res storage.Resource, pf *props.PropfindXML, depth net.Depth, ms *multistatus.Response) error {
	ms.AddStatus(s.propfindStatus(ctx, res, pf))

	if depth == net.DepthZero || !res.IsCollection() || res.IsProvisional() {
		return nil
	}
	childDepth := net.DepthZero
	if depth == net.DepthInfinity {
		childDepth = net.DepthInfinity
	}
	children, err := res.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.propfindResource(ctx, child, pf, childDepth, ms); err != nil {
			return err
		}
	}
	return nil
}

// propfindStatus builds the propstat groups of one resource, keyed by
// result code.
func (s *Service) propfindStatus(ctx context.Context, res storage.Resource, pf *props.PropfindXML) *multistatus.Status {
	log := appctx.GetLogger(ctx)
	now := time.Now()

	st := &multistatus.Status{Href: s.href(ctx, res.CanonicalURL())}

	stats, err := res.Stats(ctx)
	if err != nil {
		st.Code = http.StatusInternalServerError
		return st
	}
	set, err := lock.Effective(ctx, s.adapter, res, s.baseURI(ctx))
	if err != nil {
		st.Code = http.StatusInternalServerError
		return st
	}
	covering := set.All()

	switch {
	case pf.Propname != nil:
		var names []*prop.Property
		for _, n := range props.LiveNames() {
			names = append(names, &prop.Property{XMLName: n})
		}
		if dead, err := res.Properties().ListDead(ctx); err == nil {
			for _, p := range dead {
				names = append(names, &prop.Property{XMLName: p.XMLName})
			}
		}
		st.AddPropstat(http.StatusOK, names...)

	case pf.Allprop != nil:
		var all []*prop.Property
		for _, n := range props.LiveNames() {
			if p, ok := props.Live(n, res, stats, covering, now); ok && p != nil {
				all = append(all, p)
			}
		}
		if dead, err := res.Properties().ListDead(ctx); err == nil {
			all = append(all, dead...)
		}
		for _, n := range pf.Include.Names() {
			if props.IsLive(n) {
				continue // already present
			}
			if p, err := res.Properties().Get(ctx, prop.Key(n)); err == nil {
				all = append(all, p)
			}
		}
		st.AddPropstat(http.StatusOK, all...)

	default:
		var found, missing, denied []*prop.Property
		for i := range pf.Prop.Any {
			n := pf.Prop.Any[i].XMLName
			lang := pf.Prop.Any[i].Lang
			if p, ok := props.Live(n, res, stats, covering, now); ok {
				if p == nil {
					missing = append(missing, &prop.Property{XMLName: n})
					continue
				}
				p.Lang = lang
				found = append(found, p)
				continue
			}
			p, err := res.Properties().Get(ctx, prop.Key(n))
			switch {
			case err == nil:
				found = append(found, p)
			case isPermissionDenied(err):
				denied = append(denied, &prop.Property{XMLName: n})
			default:
				log.Debug().Err(err).Str("prop", n.Local).Msg("property not found")
				missing = append(missing, &prop.Property{XMLName: n})
			}
		}
		if len(found) > 0 {
			st.AddPropstat(http.StatusOK, found...)
		}
		if len(denied) > 0 {
			st.AddPropstat(http.StatusForbidden, denied...)
		}
		if len(missing) > 0 {
			st.AddPropstat(http.StatusNotFound, missing...)
		}
		if len(found)+len(denied)+len(missing) == 0 {
			st.AddPropstat(http.StatusOK)
		}
	}
	return st
}

func isPermissionDenied(err error) bool {
	_, ok := err.(errtypes.IsPermissionDenied)
	return ok
}
