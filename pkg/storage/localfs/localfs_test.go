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

package localfs

import (
	"context"
	"encoding/xml"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sciactive/undine/pkg/prop"
	"github.com/sciactive/undine/pkg/storage"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(t.TempDir())
	require.NoError(t, err)
	return a
}

func TestFileLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	c, err := a.GetResource(ctx, "/c", "/")
	require.NoError(t, err)
	require.NoError(t, c.MakeCollection(ctx))
	require.True(t, c.IsCollection())

	f, err := a.GetResource(ctx, "/c/f.txt", "/")
	require.NoError(t, err)
	require.NoError(t, f.WriteStream(ctx, strings.NewReader("hello")))
	require.True(t, f.Exists())

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), stats.Length)
	require.NotEmpty(t, stats.ETag)

	rc, err := f.ReadStream(ctx)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "hello", string(data))

	require.NoError(t, f.Delete(ctx))
	require.False(t, f.Exists())
}

func TestSidecarIsInvisible(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	c, err := a.GetResource(ctx, "/c", "/")
	require.NoError(t, err)
	require.NoError(t, c.MakeCollection(ctx))

	f, err := a.GetResource(ctx, "/c/f.txt", "/")
	require.NoError(t, err)
	require.NoError(t, f.WriteStream(ctx, strings.NewReader("x")))
	require.NoError(t, f.Properties().Set(ctx, &prop.Property{
		XMLName:  xml.Name{Space: "urn:z", Local: "a"},
		InnerXML: []byte("1"),
	}))

	children, err := c.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "/c/f.txt", children[0].CanonicalURL())
}

func TestMetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	f, err := a.GetResource(ctx, "/f.txt", "/")
	require.NoError(t, err)
	require.NoError(t, f.WriteStream(ctx, strings.NewReader("x")))

	p := &prop.Property{
		XMLName:  xml.Name{Space: "urn:z", Local: "a"},
		Lang:     "en",
		InnerXML: []byte(`<nested xmlns="urn:z">value &amp; more</nested>`),
	}
	require.NoError(t, f.Properties().Set(ctx, p))

	created := time.Now().Truncate(time.Millisecond)
	l := &storage.Lock{
		Token:         "urn:uuid:token",
		Root:          "/f.txt",
		Username:      "alice",
		Created:       created,
		Timeout:       time.Hour,
		Exclusive:     true,
		InfiniteDepth: false,
		OwnerXML:      "<href>mailto:alice@example.org</href>",
		Provisional:   false,
	}
	require.NoError(t, f.Locks().Add(ctx, l))

	// a fresh handle reads everything back from the sidecar
	f2, err := a.GetResource(ctx, "/f.txt", "/")
	require.NoError(t, err)

	got, err := f2.Properties().Get(ctx, prop.Key(p.XMLName))
	require.NoError(t, err)
	require.Equal(t, string(p.InnerXML), string(got.InnerXML))
	require.Equal(t, "en", got.Lang)

	locks, err := f2.Locks().List(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, l.Token, locks[0].Token)
	require.Equal(t, "alice", locks[0].Username)
	require.True(t, locks[0].Exclusive)
	require.Equal(t, time.Hour, locks[0].Timeout)
	require.Equal(t, l.OwnerXML, locks[0].OwnerXML)
	require.True(t, created.Equal(locks[0].Created.Truncate(time.Millisecond)))
}

func TestLockNullSidecar(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	f, err := a.GetResource(ctx, "/pending.txt", "/")
	require.NoError(t, err)
	require.False(t, f.Exists())

	l := &storage.Lock{Token: "urn:uuid:t", Root: "/pending.txt", Username: "alice", Created: time.Now(), Timeout: time.Hour, Provisional: true}
	require.NoError(t, f.Locks().Add(ctx, l))
	require.True(t, f.Exists())
	require.True(t, f.IsProvisional())

	require.NoError(t, f.WriteStream(ctx, strings.NewReader("real")))
	require.NoError(t, f.Commit(ctx))
	require.False(t, f.IsProvisional())

	require.NoError(t, f.Locks().Delete(ctx, l.Token))
	locks, err := f.Locks().List(ctx)
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestMoveCarriesSidecar(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	f, err := a.GetResource(ctx, "/a.txt", "/")
	require.NoError(t, err)
	require.NoError(t, f.WriteStream(ctx, strings.NewReader("x")))
	require.NoError(t, f.Properties().Set(ctx, &prop.Property{
		XMLName:  xml.Name{Space: "urn:z", Local: "a"},
		InnerXML: []byte("1"),
	}))

	require.NoError(t, f.MoveTo(ctx, "/b.txt", "/"))

	b, err := a.GetResource(ctx, "/b.txt", "/")
	require.NoError(t, err)
	require.True(t, b.Exists())
	got, err := b.Properties().Get(ctx, "urn:z%%a")
	require.NoError(t, err)
	require.Equal(t, "1", string(got.InnerXML))
}

func TestCopyDoesNotCarryLocks(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	f, err := a.GetResource(ctx, "/a.txt", "/")
	require.NoError(t, err)
	require.NoError(t, f.WriteStream(ctx, strings.NewReader("x")))
	require.NoError(t, f.Properties().Set(ctx, &prop.Property{
		XMLName:  xml.Name{Space: "urn:z", Local: "a"},
		InnerXML: []byte("1"),
	}))
	require.NoError(t, f.Locks().Add(ctx, &storage.Lock{Token: "urn:uuid:t", Root: "/a.txt", Username: "alice", Created: time.Now(), Timeout: time.Hour}))

	require.NoError(t, f.CopyTo(ctx, "/b.txt", "/"))

	b, err := a.GetResource(ctx, "/b.txt", "/")
	require.NoError(t, err)
	dead, err := b.Properties().ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	locks, err := b.Locks().List(ctx)
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestReservedNamesAreRejected(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	_, err := a.GetResource(ctx, "/f.txt"+metaSuffix, "/")
	require.Error(t, err)
}
