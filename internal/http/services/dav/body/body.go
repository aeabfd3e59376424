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

// Package body wraps the raw request body with content decoding and a
// per-request idle timeout.
package body

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/errtypes"
)

// Reader is the decoded request body. It is single-consumer and does not
// support seeking.
type Reader struct {
	raw     io.ReadCloser // the http body, closed to abort
	decoded io.Reader

	idle  time.Duration
	timer *time.Timer

	mu       sync.Mutex
	timedOut bool
	closed   bool
}

// NewReader wraps the request body with the decompressor selected by
// Content-Encoding and arms the idle timeout. A zero idle duration disables
// the timeout. Unknown codings yield errtypes.NotSupported, which callers
// map to 415.
func NewReader(r *http.Request, idle time.Duration) (*Reader, error) {
	br := &Reader{raw: r.Body, idle: idle}

	switch coding := strings.ToLower(strings.TrimSpace(r.Header.Get(net.HeaderContentEncoding))); coding {
	case "", "identity":
		br.decoded = r.Body
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, errtypes.BadRequest("invalid gzip body")
		}
		br.decoded = zr
	case "deflate":
		zr, err := zlib.NewReader(r.Body)
		if err != nil {
			return nil, errtypes.BadRequest("invalid deflate body")
		}
		br.decoded = zr
	case "br":
		br.decoded = brotli.NewReader(r.Body)
	default:
		return nil, errtypes.NotSupported("content coding " + coding)
	}

	if idle > 0 {
		br.timer = time.AfterFunc(idle, br.expire)
	}
	return br, nil
}

func (b *Reader) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.timedOut = true
	// destroying the stream unblocks a pending Read
	_ = b.raw.Close()
}

// Read implements io.Reader. Each read re-arms the idle timer; after a
// timeout every read fails with errtypes.Timeout.
func (b *Reader) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.timedOut {
		b.mu.Unlock()
		return 0, errtypes.Timeout("request body idle timeout")
	}
	if b.timer != nil {
		b.timer.Reset(b.idle)
	}
	b.mu.Unlock()

	n, err := b.decoded.Read(p)
	if err != nil && err != io.EOF {
		b.mu.Lock()
		timedOut := b.timedOut
		b.mu.Unlock()
		if timedOut {
			return n, errtypes.Timeout("request body idle timeout")
		}
	}
	return n, err
}

// TimedOut reports whether the idle timeout fired.
func (b *Reader) TimedOut() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timedOut
}

// Close stops the timer and closes the underlying body.
func (b *Reader) Close() error {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
	if c, ok := b.decoded.(io.Closer); ok && b.decoded != io.Reader(b.raw) {
		_ = c.Close()
	}
	return b.raw.Close()
}

// CheckTransferEncoding rejects transfer codings the host layer does not
// decode. net/http dechunks chunked bodies upstream, so only exotic codings
// remain; those fail with errtypes.NotSupported and map to 501.
func CheckTransferEncoding(r *http.Request) error {
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			continue
		}
		return errtypes.NotSupported("transfer coding " + te)
	}
	return nil
}
