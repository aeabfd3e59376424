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

package body

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/sciactive/undine/pkg/errtypes"
)

func gzipped(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	zw := gzip.NewWriter(buf)
	_, err := io.WriteString(zw, s)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf
}

func TestReaderIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/f", bytes.NewBufferString("plain body"))
	br, err := NewReader(req, 0)
	require.NoError(t, err)
	defer br.Close()

	out, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "plain body", string(out))
}

func TestReaderGzip(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/f", gzipped(t, "compressed body"))
	req.Header.Set("Content-Encoding", "gzip")

	br, err := NewReader(req, 0)
	require.NoError(t, err)
	defer br.Close()

	out, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "compressed body", string(out))
}

func TestReaderUnknownCoding(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/f", bytes.NewBufferString("x"))
	req.Header.Set("Content-Encoding", "zstd")

	_, err := NewReader(req, 0)
	require.Error(t, err)
	_, ok := err.(errtypes.IsNotSupported)
	require.True(t, ok)
}

// blockingBody never delivers data until closed.
type blockingBody struct {
	unblock chan struct{}
	closed  chan struct{}
}

func newBlockingBody() *blockingBody {
	return &blockingBody{unblock: make(chan struct{}), closed: make(chan struct{})}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	select {
	case <-b.unblock:
		return 0, io.EOF
	case <-b.closed:
		return 0, io.ErrClosedPipe
	}
}

func (b *blockingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestReaderIdleTimeout(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/f", nil)
	req.Body = newBlockingBody()

	br, err := NewReader(req, 20*time.Millisecond)
	require.NoError(t, err)
	defer br.Close()

	_, err = io.ReadAll(br)
	require.Error(t, err)
	require.True(t, br.TimedOut())
}

func TestCheckTransferEncoding(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/f", nil)
	req.TransferEncoding = []string{"chunked"}
	require.NoError(t, CheckTransferEncoding(req))

	req.TransferEncoding = []string{"gzip", "chunked"}
	require.Error(t, CheckTransferEncoding(req))
}
