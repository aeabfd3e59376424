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

// Package errors renders WebDAV error bodies and owns the sentinel errors of
// the request parsing layer.
package errors

import (
	"bytes"
	"encoding/xml"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Precondition codes defined by RFC 4918, rendered as empty elements inside
// the error body.
const (
	CondLockTokenSubmitted            = "lock-token-submitted"
	CondLockTokenMatchesRequestURI    = "lock-token-matches-request-uri"
	CondNoConflictingLock             = "no-conflicting-lock"
	CondCannotModifyProtectedProperty = "cannot-modify-protected-property"
	CondPropfindFiniteDepth           = "propfind-finite-depth"
)

// ErrorXML holds the xml representation of an error
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_error
type ErrorXML struct {
	XMLName xml.Name `xml:"d:error"`
	Xmlnsd  string   `xml:"xmlns:d,attr"`
	Xmlnss  string   `xml:"xmlns:s,attr,omitempty"`
	// InnerXML carries the precondition element, e.g. <d:no-conflicting-lock/>.
	InnerXML []byte `xml:",innerxml"`
	// Message is a human readable description.
	Message string `xml:"s:message,omitempty"`
}

// Marshal renders an error body with the given precondition code and message.
// An empty condition yields a bare error element.
func Marshal(condition, message string) ([]byte, error) {
	e := &ErrorXML{
		Xmlnsd:  "DAV:",
		Xmlnss:  "http://sabredav.org/ns",
		Message: message,
	}
	if condition != "" {
		e.InnerXML = []byte("<d:" + condition + "/>")
	}
	xmlstring, err := xml.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(xmlstring)
	return buf.Bytes(), nil
}

// WriteError writes the status code and, when a condition or message is
// given, an error body.
func WriteError(log *zerolog.Logger, w http.ResponseWriter, code int, condition, message string) {
	if condition == "" && message == "" {
		w.WriteHeader(code)
		return
	}
	b, err := Marshal(condition, message)
	if err != nil {
		log.Error().Err(err).Msg("error marshaling error response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		log.Err(err).Msg("error writing response")
	}
}

var (
	// ErrInvalidDepth is an invalid depth header error
	ErrInvalidDepth = errors.New("webdav: invalid depth")
	// ErrInvalidOverwrite is an invalid overwrite header error
	ErrInvalidOverwrite = errors.New("webdav: invalid overwrite")
	// ErrInvalidDestination is an invalid destination header error
	ErrInvalidDestination = errors.New("webdav: invalid destination")
	// ErrInvalidPropfind is an invalid propfind error
	ErrInvalidPropfind = errors.New("webdav: invalid propfind")
	// ErrInvalidProppatch is an invalid proppatch error
	ErrInvalidProppatch = errors.New("webdav: invalid proppatch")
	// ErrInvalidLockInfo is an invalid lock error
	ErrInvalidLockInfo = errors.New("webdav: invalid lock info")
	// ErrUnsupportedLockInfo is an unsupported lock error
	ErrUnsupportedLockInfo = errors.New("webdav: unsupported lock info")
	// ErrInvalidTimeout is an invalid timeout error
	ErrInvalidTimeout = errors.New("webdav: invalid timeout")
	// ErrInvalidIfHeader is an invalid If header error
	ErrInvalidIfHeader = errors.New("webdav: invalid If header")
	// ErrInvalidLockToken is an invalid lock token error
	ErrInvalidLockToken = errors.New("webdav: invalid lock token")
	// ErrNotImplemented is returned when hitting not implemented code paths
	ErrNotImplemented = errors.New("webdav: not implemented")
)
