// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

// =============================================================================
// Receipt Cache Tests
// =============================================================================

func TestCaches_ReceiptsForUser_StoreAndInvalidate(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	receipts := UserReceipts{"!room:server": {EventID: "$ev", StreamOrdering: 7}}

	cache.StoreReceiptsForUser(cache.Generation(), "@alice:server", "m.read", receipts)
	waitForCacheProcessing(cache)

	got, ok := cache.GetReceiptsForUser("@alice:server", "m.read")
	assert.True(t, ok)
	assert.Equal(t, receipts, got)

	// other receipt types are separate entries
	_, ok = cache.GetReceiptsForUser("@alice:server", "m.read.private")
	assert.False(t, ok)

	cache.InvalidateReceiptsForUser("@alice:server", "m.read")
	waitForCacheProcessing(cache)
	_, ok = cache.GetReceiptsForUser("@alice:server", "m.read")
	assert.False(t, ok)
}

func TestCaches_StaleGenerationIsNotStored(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	gen := cache.Generation()

	// a write lands between the database read and the cache store
	cache.InvalidateRoomReceipts("!room:server")

	cache.StoreRoomReceipts(gen, "!room:server", "s1/s2", nil)
	waitForCacheProcessing(cache)
	_, ok := cache.GetRoomReceipts("!room:server", "s1/s2")
	assert.False(t, ok)
}

func TestCaches_RoomReceiptsKeepRanges(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	first := &types.ReceiptEvent{Type: types.ReceiptEventType, RoomID: "!room:server"}

	cache.StoreRoomReceipts(cache.Generation(), "!room:server", "s1/s2", first)
	waitForCacheProcessing(cache)
	cache.StoreRoomReceipts(cache.Generation(), "!room:server", "s2/s3", nil)
	waitForCacheProcessing(cache)

	got, ok := cache.GetRoomReceipts("!room:server", "s1/s2")
	assert.True(t, ok)
	assert.Same(t, first, got)
	got, ok = cache.GetRoomReceipts("!room:server", "s2/s3")
	assert.True(t, ok)
	assert.Nil(t, got)

	cache.Invalidate(LinearizedReceiptsForRoomCacheName, "!room:server")
	waitForCacheProcessing(cache)
	_, ok = cache.GetRoomReceipts("!room:server", "s1/s2")
	assert.False(t, ok)
	_, ok = cache.EventStreamOrderings.Get("$ev")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.EventStreamOrderings.Len())
}

func TestCaches_InvalidateUnknownCache(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	before := cache.Generation()
	assert.NotPanics(t, func() { cache.Invalidate("nope", "key") })
	assert.Greater(t, cache.Generation(), before)
}

func TestRoomRangeKey(t *testing.T) {
	to := types.NewMultiWriterStreamToken(5, map[string]types.StreamPosition{"w1": 7})
	from := types.NewMultiWriterStreamToken(3, nil)
	assert.Equal(t, "-/m5~w1.7", RoomRangeKey(to, nil))
	assert.Equal(t, "s3/m5~w1.7", RoomRangeKey(to, &from))
}

func TestEventOrderingCache(t *testing.T) {
	t.Parallel()

	c := NewEventOrderingCache(time.Minute)
	_, ok := c.Get("$missing")
	assert.False(t, ok)

	c.Set("$ev", 42)
	ordering, ok := c.Get("$ev")
	assert.True(t, ok)
	assert.Equal(t, int64(42), ordering)
	assert.Equal(t, 1, c.Len())

	c.Evict("$ev")
	_, ok = c.Get("$ev")
	assert.False(t, ok)

	c.Set("$a", 1)
	c.Set("$b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCaches_InvalidateAll(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	gen := cache.Generation()
	cache.StoreReceiptsForUser(gen, "@alice:server", "m.read", UserReceipts{"!room:server": {EventID: "$ev"}})
	cache.StoreRoomReceipts(gen, "!room:server", "s1/s2", nil)
	cache.EventStreamOrderings.Set("$ev", 7)
	waitForCacheProcessing(cache)

	cache.InvalidateAll()
	waitForCacheProcessing(cache)

	assert.NotEqual(t, gen, cache.Generation())
	_, ok := cache.GetReceiptsForUser("@alice:server", "m.read")
	assert.False(t, ok)
	_, ok = cache.GetRoomReceipts("!room:server", "s1/s2")
	assert.False(t, ok)
	_, ok = cache.EventStreamOrderings.Get("$ev")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.EventStreamOrderings.Len())
}
