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

// Package storage defines the adapter contract the dav core consumes. The
// core performs no filesystem or network I/O itself; all persistence flows
// through these interfaces. Adapters own their concurrency control: the core
// may race on reads, but mutations are re-checked under the adapter's write
// path.
package storage

import (
	"context"
	"io"
	"strconv"
	"time"

	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/prop"
)

// Stats describes the byte stream and timestamps of a resource.
type Stats struct {
	Length       int64
	MediaType    string
	ETag         string
	CreationTime time.Time
	ModTime      time.Time
}

// Adapter is the resource back end the dav core talks to.
type Adapter interface {
	// GetResource resolves a request url below the base url. It returns a
	// Resource even when nothing is mapped at the url; Exists reports the
	// difference. It returns errtypes.BadRequest for urls escaping the base.
	GetResource(ctx context.Context, url, base string) (Resource, error)

	// IsAuthorized reports whether the principal may perform the method on
	// the url. A nil user is only authorized if the adapter serves
	// anonymous reads.
	IsAuthorized(ctx context.Context, url, method, base string, user *ctxpkg.User) bool
}

// Resource is a node in the url tree.
//
// Two resources are identical iff their canonical urls are equal after
// trailing-slash normalization for collections.
type Resource interface {
	// Exists reports whether the url is mapped, including lock-null
	// placeholders.
	Exists() bool

	// IsProvisional reports whether this is a lock-null resource: reserved
	// by a LOCK, convertible to a real resource by PUT or MKCOL.
	IsProvisional() bool

	// Commit turns a lock-null resource into a real one. A no-op on
	// regular resources.
	Commit(ctx context.Context) error

	IsCollection() bool

	// CanonicalURL is the adapter-normalized path under the base url,
	// with a trailing slash on collections.
	CanonicalURL() string

	// Children enumerates the members of a collection in stable order.
	Children(ctx context.Context) ([]Resource, error)

	Stats(ctx context.Context) (Stats, error)

	// ReadStream opens the byte stream. The returned reader may also
	// implement io.Seeker, in which case Range requests are honored.
	ReadStream(ctx context.Context) (io.ReadCloser, error)

	// WriteStream replaces the byte stream. The adapter is responsible for
	// atomic replacement or explicit rollback on partial failure.
	WriteStream(ctx context.Context, r io.Reader) error

	MakeCollection(ctx context.Context) error

	// Delete removes this single node. The dav core walks collections
	// itself, post-order.
	Delete(ctx context.Context) error

	// CopyTo copies this single node to the destination url, carrying dead
	// properties verbatim and live properties where meaningful. Locks are
	// never carried.
	CopyTo(ctx context.Context, dest, base string) error

	// MoveTo moves this node and its subtree to the destination url.
	// Locks rooted in the subtree move along; the core decides afterwards
	// whether they may be kept.
	MoveTo(ctx context.Context, dest, base string) error

	Properties() Properties
	Locks() Locks
}

// Properties is the per-resource dead property store. Live properties are
// computed by the core from Stats and Locks; Set and Remove return
// errtypes.PropertyProtected for live property names.
type Properties interface {
	Get(ctx context.Context, key string) (*prop.Property, error)
	Set(ctx context.Context, p *prop.Property) error
	Remove(ctx context.Context, key string) error
	ListDead(ctx context.Context) ([]*prop.Property, error)
}

// Locks is the per-resource lock store. Concurrent Add and Delete on the
// same resource must be serialized by the adapter; compare-and-swap on a
// metadata document is sufficient.
type Locks interface {
	List(ctx context.Context) ([]*Lock, error)
	ListByUser(ctx context.Context, username string) ([]*Lock, error)

	// Add stores a new lock. Adding a lock to an unmapped url creates a
	// lock-null placeholder.
	Add(ctx context.Context, l *Lock) error

	// Save updates an existing lock, e.g. on refresh or commit.
	Save(ctx context.Context, l *Lock) error

	Delete(ctx context.Context, token string) error
}

// Lock is a write lock on a resource.
type Lock struct {
	// Token is a urn:uuid v4 uri.
	Token string

	// Root is the canonical url of the resource the lock was created on.
	Root string

	// Username is the owning principal. Ownership is by principal, not by
	// HTTP session.
	Username string

	Created time.Time

	// Timeout is the lifetime from Created; zero means infinite.
	Timeout time.Duration

	// Exclusive is false for shared locks.
	Exclusive bool

	// InfiniteDepth is false for depth-0 locks. No other depths exist.
	InfiniteDepth bool

	// OwnerXML is the client-provided free-form owner fragment.
	OwnerXML string

	// Provisional is true between the lock-null preflight and the first
	// successful PUT or MKCOL.
	Provisional bool
}

// Expired reports whether the lock lifetime has elapsed at the given time.
// Expired locks never influence a decision.
func (l *Lock) Expired(now time.Time) bool {
	if l.Timeout == 0 {
		return false
	}
	return !now.Before(l.Created.Add(l.Timeout))
}

// TimeoutString renders the remaining lifetime in Timeout header syntax.
func (l *Lock) TimeoutString(now time.Time) string {
	if l.Timeout == 0 {
		return "Infinite"
	}
	left := l.Created.Add(l.Timeout).Sub(now)
	if left < 0 {
		left = 0
	}
	return "Second-" + strconv.FormatInt(int64(left/time.Second), 10)
}

// Scope returns the DAV lockscope element name.
func (l *Lock) Scope() string {
	if l.Exclusive {
		return "exclusive"
	}
	return "shared"
}

// DepthString returns the DAV depth value of the lock.
func (l *Lock) DepthString() string {
	if l.InfiniteDepth {
		return "infinity"
	}
	return "0"
}
