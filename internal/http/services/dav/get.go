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
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/sciactive/undine/internal/http/services/dav/encoding"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
)

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fn := r.URL.Path
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if !s.authorize(w, r, fn) {
		return
	}

	res, err := s.resolve(ctx, fn)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !res.Exists() || res.IsProvisional() {
		sublog.Debug().Msg("resource not found")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if res.IsCollection() {
		sublog.Debug().Msg("resource is a collection and cannot be downloaded")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, ok := s.checkPreconditions(w, r, fn); !ok {
		return
	}

	stats, err := res.Stats(ctx)
	if err != nil {
		handleError(w, r, err)
		return
	}

	rc, err := res.ReadStream(ctx)
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer rc.Close()

	if stats.ETag != "" {
		w.Header().Set(net.HeaderETag, stats.ETag)
	}

	// a seekable stream lets net/http do the Range work
	if rs, ok := rc.(io.ReadSeeker); ok && r.Header.Get(net.HeaderRange) != "" {
		if stats.MediaType != "" {
			w.Header().Set(net.HeaderContentType, stats.MediaType)
		}
		http.ServeContent(w, r, path.Base(fn), stats.ModTime, rs)
		return
	}

	if stats.MediaType != "" {
		w.Header().Set(net.HeaderContentType, stats.MediaType)
	}
	w.Header().Set(net.HeaderLastModified, stats.ModTime.UTC().Format(net.RFC1123))
	w.Header().Set(net.HeaderContentLength, strconv.FormatInt(stats.Length, 10))

	rw := encoding.NewResponseWriter(w, r, s.encodingConfig())
	defer rw.Close()

	if _, err := io.Copy(rw, rc); err != nil {
		sublog.Error().Err(err).Msg("error writing body")
	}
}
