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
	"net/http"

	"github.com/sciactive/undine/internal/http/services/dav/body"
	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/lock"
	"github.com/sciactive/undine/internal/http/services/dav/multistatus"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/internal/http/services/dav/props"
	"github.com/sciactive/undine/pkg/appctx"
	"github.com/sciactive/undine/pkg/errtypes"
	"github.com/sciactive/undine/pkg/prop"
)

// patchOutcome is the staged result of one property instruction. Later
// instructions on the same property overwrite earlier ones; the response
// presents the final result per property.
type patchOutcome struct {
	name   xml.Name
	remove bool
	value  *prop.Property
	code   int
	cond   string
}

func (s *Service) handleProppatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fn := r.URL.Path
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if !s.authorize(w, r, fn) {
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

	patches, status, err := props.ReadProppatch(br)
	if err != nil {
		if br.TimedOut() {
			handleError(w, r, errtypes.Timeout("reading proppatch body"))
			return
		}
		sublog.Debug().Err(err).Msg("error reading proppatch")
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

	c, ok := s.checkPreconditions(w, r, fn)
	if !ok {
		return
	}
	grant, _, err := s.lockGrant(ctx, res, c.tokens, r.Method)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if grant != lock.GrantFull {
		s.locked(w, r)
		return
	}

	// stage in document order, last instruction per property wins
	order := []string{}
	staged := map[string]*patchOutcome{}
	failed := false
	for i := range patches {
		for j := range patches[i].Props {
			p := patches[i].Props[j]
			key := prop.Key(p.XMLName)
			out, seen := staged[key]
			if !seen {
				out = &patchOutcome{}
				staged[key] = out
				order = append(order, key)
			}
			out.name = p.XMLName
			out.remove = patches[i].Remove
			out.value = &patches[i].Props[j]
			out.code = http.StatusOK
			out.cond = ""
			if props.IsLive(p.XMLName) {
				out.code = http.StatusForbidden
				out.cond = errors.CondCannotModifyProtectedProperty
				failed = true
			}
		}
	}

	// all-or-nothing: any failure turns the rest into failed dependencies
	// and leaves the property store untouched
	if failed {
		for _, key := range order {
			if staged[key].code == http.StatusOK {
				staged[key].code = http.StatusFailedDependency
			}
		}
	} else {
		for _, key := range order {
			out := staged[key]
			if out.remove {
				err = res.Properties().Remove(ctx, key)
			} else {
				err = res.Properties().Set(ctx, out.value)
			}
			if err != nil {
				sublog.Error().Err(err).Str("prop", key).Msg("error applying property update")
				out.code = statusForPatchError(err)
			}
		}
	}

	st := &multistatus.Status{Href: s.href(ctx, res.CanonicalURL())}
	groups := map[int]*multistatus.Propstat{}
	for _, key := range order {
		out := staged[key]
		g, ok := groups[out.code]
		if !ok {
			g = st.AddPropstat(out.code)
			groups[out.code] = g
		}
		g.Props = append(g.Props, &prop.Property{XMLName: out.name})
		if out.cond != "" && g.Error == nil {
			g.Error = &errors.ErrorXML{
				Xmlnsd:   net.NsDav,
				InnerXML: []byte("<d:" + out.cond + "/>"),
			}
		}
	}

	ms := multistatus.New()
	ms.AddStatus(st)
	ms.Render(w, r, 0)
}

func statusForPatchError(err error) int {
	switch err.(type) {
	case errtypes.IsPropertyProtected:
		return http.StatusForbidden
	case errtypes.IsPermissionDenied:
		return http.StatusForbidden
	case errtypes.IsInsufficientStorage:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
