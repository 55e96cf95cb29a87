// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Names accepted by Caches.Invalidate.
const (
	ReceiptsForUserCacheName           = "receipts_for_user"
	LinearizedReceiptsForRoomCacheName = "linearized_receipts_for_room"
	EventStreamOrderingCacheName       = "event_stream_ordering"
)

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	ReceiptsForUser           Cache[string, UserReceipts] // user + receipt type -> room -> receipt
	LinearizedReceiptsForRoom Cache[string, RoomReceipts] // room -> query range -> receipts
	EventStreamOrderings      *EventOrderingCache         // event ID -> stream ordering
	mu                        *sync.Mutex
	generation                *atomic.Uint64
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	// from https://go.dev/ref/spec#Comparison_operators
	// comparable types are boolean, integer, float, complex, string, pointer, channel, interface, struct, array
	// exclude pointer, channel, interface, struct, array
	~bool | ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr | ~float32 | ~float64 | ~complex64 | ~complex128 | ~string
}

// Generation changes whenever a receipt cache entry is invalidated. Readers
// capture it before going to the database and hand it back when storing the
// result, so a result computed before a write is never cached after it.
func (c Caches) Generation() uint64 {
	return c.generation.Load()
}

// storeIfCurrent runs set only if nothing was invalidated since gen.
func (c Caches) storeIfCurrent(gen uint64, set func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen {
		return
	}
	set()
}

// Invalidate drops the entry for key from the named cache. Unknown cache
// names are logged and ignored.
func (c Caches) Invalidate(cacheName, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Inc()
	switch cacheName {
	case ReceiptsForUserCacheName:
		c.ReceiptsForUser.Unset(key)
	case LinearizedReceiptsForRoomCacheName:
		c.LinearizedReceiptsForRoom.Unset(key)
	case EventStreamOrderingCacheName:
		c.EventStreamOrderings.Evict(key)
	default:
		logrus.WithField("cache", cacheName).Warn("Ignoring invalidation for unknown cache")
	}
}

// InvalidateAll drops every receipt cache entry and every remembered event
// ordering. Used when a room is purged, as the affected users and events
// aren't known.
func (c Caches) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Inc()
	for _, partition := range []any{c.ReceiptsForUser, c.LinearizedReceiptsForRoom, c.EventStreamOrderings} {
		if p, ok := partition.(clearable); ok {
			p.Clear()
		}
	}
}
