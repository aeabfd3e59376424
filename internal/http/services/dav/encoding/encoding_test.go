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

package encoding

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	cases := map[string]string{
		"":                                 Identity,
		"gzip":                             "gzip",
		"x-gzip":                           "x-gzip",
		"br":                               "br",
		"deflate":                          "deflate",
		"identity":                         Identity,
		"bogus":                            Identity,
		"gzip;q=0":                         Identity,
		"gzip;q=0.1, br;q=0.9":             "br",
		"deflate;q=0.5, gzip;q=0.5":        "deflate",
		"*":                                "gzip",
		"gzip;q=0, *":                      "x-gzip",
		"gzip, bogus;q=1.0":                "gzip",
	}
	for header, want := range cases {
		require.Equal(t, want, Negotiate(header), "header %q", header)
	}
}

func TestResponseWriterCompresses(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/f", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	rw := NewResponseWriter(rec, req, Config{})
	_, err := io.WriteString(rw, "hello hello hello")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	require.Contains(t, rec.Header().Values("Vary"), "Accept-Encoding")

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, "hello hello hello", string(out))
}

func TestResponseWriterHonorsNoTransform(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/f", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec.Header().Set("Cache-Control", "no-transform")

	rw := NewResponseWriter(rec, req, Config{})
	_, err := io.WriteString(rw, "plain")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, "plain", rec.Body.String())
	// Vary is added even when compression is skipped
	require.Contains(t, rec.Header().Values("Vary"), "Accept-Encoding")
}

func TestResponseWriterDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/f", nil)
	req.Header.Set("Accept-Encoding", "br")

	rw := NewResponseWriter(rec, req, Config{Disabled: true})
	_, err := io.WriteString(rw, "plain")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, "plain", rec.Body.String())
}
