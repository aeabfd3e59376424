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

// Package encoding negotiates and applies response content codings.
package encoding

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/sciactive/undine/internal/http/services/dav/net"
)

// Identity is the no-op coding.
const Identity = "identity"

// supported codings in preference order for the * wildcard.
var supported = []string{"gzip", "x-gzip", "deflate", "br", Identity}

func isSupported(name string) bool {
	for _, s := range supported {
		if s == name {
			return true
		}
	}
	return false
}

type accepted struct {
	name string
	q    float64
	pos  int
}

// parseAcceptEncoding parses the Accept-Encoding header into codings with
// q-values, in header order.
func parseAcceptEncoding(h string) []accepted {
	var out []accepted
	for i, part := range strings.Split(h, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		q := 1.0
		if j := strings.Index(part, ";"); j >= 0 {
			name = strings.TrimSpace(part[:j])
			params := part[j+1:]
			if k := strings.Index(params, "q="); k >= 0 {
				if v, err := strconv.ParseFloat(strings.TrimSpace(params[k+2:]), 64); err == nil {
					q = v
				}
			}
		}
		out = append(out, accepted{name: strings.ToLower(name), q: q, pos: i})
	}
	return out
}

// Negotiate picks the response coding for the given Accept-Encoding header.
// The * wildcard stands for any supported coding not explicitly listed;
// identity is the fallback when nothing matches.
func Negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return Identity
	}
	codings := parseAcceptEncoding(acceptEncoding)
	listed := map[string]bool{}
	for _, c := range codings {
		listed[c.name] = true
	}

	// highest q first, header order as tie breaker
	sort.SliceStable(codings, func(i, j int) bool {
		if codings[i].q != codings[j].q {
			return codings[i].q > codings[j].q
		}
		return codings[i].pos < codings[j].pos
	})

	for _, c := range codings {
		if c.q <= 0 {
			continue
		}
		if c.name == "*" {
			for _, s := range supported {
				if !listed[s] {
					return s
				}
			}
			return "gzip"
		}
		if isSupported(c.name) {
			return c.name
		}
	}
	return Identity
}

// Config controls response compression.
type Config struct {
	// Disabled switches compression off entirely.
	Disabled bool
}

// ResponseWriter compresses the response body with the negotiated coding.
// Close must be called to flush the compressor.
type ResponseWriter struct {
	http.ResponseWriter
	coding string
	c      io.WriteCloser
}

// NewResponseWriter negotiates a coding for the request and wraps the
// response writer accordingly. Compression is skipped when disabled, when
// the response forbids transformation via Cache-Control no-transform, or
// when identity wins the negotiation. Vary is always added when negotiation
// ran.
func NewResponseWriter(w http.ResponseWriter, r *http.Request, cfg Config) *ResponseWriter {
	w.Header().Add(net.HeaderVary, net.HeaderAcceptEncoding)

	coding := Identity
	if !cfg.Disabled && !strings.Contains(strings.ToLower(w.Header().Get(net.HeaderCacheControl)), "no-transform") {
		coding = Negotiate(r.Header.Get(net.HeaderAcceptEncoding))
	}

	rw := &ResponseWriter{ResponseWriter: w, coding: coding}
	switch coding {
	case "gzip", "x-gzip":
		rw.c = gzip.NewWriter(w)
	case "deflate":
		rw.c = zlib.NewWriter(w)
	case "br":
		rw.c = brotli.NewWriterLevel(w, brotli.DefaultCompression)
	default:
		return rw
	}
	w.Header().Set(net.HeaderContentEncoding, coding)
	w.Header().Del(net.HeaderContentLength)
	return rw
}

// Coding returns the negotiated coding.
func (w *ResponseWriter) Coding() string {
	return w.coding
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.c != nil {
		return w.c.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

// Close flushes the compressor. The underlying writer stays open.
func (w *ResponseWriter) Close() error {
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}
