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
	"net/http"
	"strconv"

	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/appctx"
)

func (s *Service) handleHead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)
	fn := r.URL.Path

	if !s.authorize(w, r, fn) {
		return
	}

	res, err := s.resolve(ctx, fn)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !res.Exists() || res.IsProvisional() {
		log.Debug().Str("path", fn).Msg("resource not found")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	stats, err := res.Stats(ctx)
	if err != nil {
		handleError(w, r, err)
		return
	}

	if stats.MediaType != "" {
		w.Header().Set(net.HeaderContentType, stats.MediaType)
	}
	if stats.ETag != "" {
		w.Header().Set(net.HeaderETag, stats.ETag)
	}
	w.Header().Set(net.HeaderLastModified, stats.ModTime.UTC().Format(net.RFC1123))
	if !res.IsCollection() {
		w.Header().Set(net.HeaderContentLength, strconv.FormatInt(stats.Length, 10))
		w.Header().Set(net.HeaderAcceptRanges, "bytes")
	}
	w.WriteHeader(http.StatusOK)
}
