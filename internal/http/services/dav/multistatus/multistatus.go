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

// Package multistatus accumulates per-resource status entries and renders
// them as a single 207 response.
package multistatus

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
	"github.com/sciactive/undine/pkg/prop"
)

// PropstatXML holds the xml representation of a propstat group.
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propstat
type PropstatXML struct {
	// Prop requires DAV: to be the default namespace in the enclosing
	// XML. This is due to the standard encoding/xml package currently
	// not honoring namespace declarations inside a xmltag with a
	// parent element for anonymous slice elements.
	Prop                []*prop.Property `xml:"d:prop>_ignored_"`
	Status              string           `xml:"d:status"`
	Error               *errors.ErrorXML `xml:"d:error"`
	ResponseDescription string           `xml:"d:responsedescription,omitempty"`
}

// ResponseXML holds the xml representation of a response element.
type ResponseXML struct {
	XMLName             xml.Name         `xml:"d:response"`
	Href                string           `xml:"d:href"`
	Propstat            []PropstatXML    `xml:"d:propstat"`
	Status              string           `xml:"d:status,omitempty"`
	Error               *errors.ErrorXML `xml:"d:error"`
	ResponseDescription string           `xml:"d:responsedescription,omitempty"`
}

// MultiStatusResponseXML holds the xml representation of a multistatus
// response.
type MultiStatusResponseXML struct {
	XMLName xml.Name `xml:"d:multistatus"`
	XmlnsS  string   `xml:"xmlns:s,attr,omitempty"`
	XmlnsD  string   `xml:"xmlns:d,attr,omitempty"`

	Responses []*ResponseXML `xml:"d:response"`
}

// Propstat is one group of properties sharing a status code inside a Status.
type Propstat struct {
	Code                int
	Props               []*prop.Property
	Error               *errors.ErrorXML
	ResponseDescription string
}

// Status is the outcome for a single resource. A Status with propstat
// groups renders them and no resource-level status line; a Status without
// renders a status line and an optional error fragment.
type Status struct {
	Href                string
	Code                int
	Error               *errors.ErrorXML
	ResponseDescription string
	Propstats           []*Propstat
}

// AddPropstat appends a property group with the given code.
func (s *Status) AddPropstat(code int, props ...*prop.Property) *Propstat {
	ps := &Propstat{Code: code, Props: props}
	s.Propstats = append(s.Propstats, ps)
	return ps
}

// Response accumulates an ordered list of per-resource statuses.
type Response struct {
	statuses []*Status
}

// New returns an empty multistatus response.
func New() *Response {
	return &Response{}
}

// Add appends a status entry for the given href.
func (r *Response) Add(href string, code int) *Status {
	s := &Status{Href: href, Code: code}
	r.statuses = append(r.statuses, s)
	return s
}

// AddStatus appends a prebuilt status entry.
func (r *Response) AddStatus(s *Status) {
	r.statuses = append(r.statuses, s)
}

// Len returns the number of accumulated statuses.
func (r *Response) Len() int {
	return len(r.statuses)
}

// Empty reports whether nothing was accumulated.
func (r *Response) Empty() bool {
	return len(r.statuses) == 0
}

// statusLine renders an HTTP status line the way RFC 4918 shows it.
func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// Marshal renders the accumulated statuses into a multistatus document.
func (r *Response) Marshal() ([]byte, error) {
	ms := &MultiStatusResponseXML{
		XmlnsD: net.NsDav,
		XmlnsS: "http://sabredav.org/ns",
	}
	for _, s := range r.statuses {
		resp := &ResponseXML{
			Href:                net.EncodePath(s.Href),
			Error:               s.Error,
			ResponseDescription: s.ResponseDescription,
		}
		if len(s.Propstats) > 0 {
			for _, ps := range s.Propstats {
				resp.Propstat = append(resp.Propstat, PropstatXML{
					Prop:                ps.Props,
					Status:              statusLine(ps.Code),
					Error:               ps.Error,
					ResponseDescription: ps.ResponseDescription,
				})
			}
		} else {
			resp.Status = statusLine(s.Code)
		}
		ms.Responses = append(ms.Responses, resp)
	}

	buf := new(bytes.Buffer)
	buf.WriteString(xml.Header)
	b, err := xml.Marshal(ms)
	if err != nil {
		return nil, err
	}
	buf.Write(b)
	return buf.Bytes(), nil
}

// Render writes the 207 response, optionally overriding the HTTP status
// code, e.g. for the 423 shape of a LOCK contention response.
func (r *Response) Render(w http.ResponseWriter, req *http.Request, code int) {
	log := appctx.GetLogger(req.Context())
	b, err := r.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("error marshaling multistatus")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set(net.HeaderDav, "1, 2")
	w.Header().Set(net.HeaderContentType, "application/xml; charset=utf-8")
	if code == 0 {
		code = http.StatusMultiStatus
	}
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Err(err).Msg("error writing response")
	}
}
