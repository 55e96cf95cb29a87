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
	"github.com/element-hq/receiptstream/setup/config"
)

// =============================================================================
// Helper Functions
// =============================================================================

// createTestCache creates a new Ristretto cache for testing
func createTestCache(t *testing.T, maxCost config.DataUnit, maxAge time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(maxCost, maxAge, time.Minute, DisableMetrics)
}

// createDefaultTestCache creates a cache with sensible defaults
func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, 1024*1024, time.Hour) // 1MB cache, 1 hour TTL
}

// waitForCacheProcessing waits for ristretto background processing
func waitForCacheProcessing(c *Caches) {
	c.ReceiptsForUser.(*RistrettoCachePartition[string, UserReceipts]).Wait()
}

// =============================================================================
// RistrettoCachePartition Basic Operations
// =============================================================================

func TestRistrettoCachePartition_Set_StoresValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	receipts := UserReceipts{"!room1:server": {EventID: "$a", StreamOrdering: 3}}

	cache.ReceiptsForUser.Set("@alice:server", receipts)
	waitForCacheProcessing(cache)

	got, ok := cache.ReceiptsForUser.Get("@alice:server")
	assert.True(t, ok, "Expected value to be found in cache")
	assert.Equal(t, receipts, got)
}

func TestRistrettoCachePartition_Get_ReturnsFalseWhenMissing(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	got, ok := cache.ReceiptsForUser.Get("@nobody:server")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRistrettoCachePartition_Unset_RemovesValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.LinearizedReceiptsForRoom.Set("!room1:server", RoomReceipts{"s1/s2": nil})
	waitForCacheProcessing(cache)
	_, ok := cache.LinearizedReceiptsForRoom.Get("!room1:server")
	assert.True(t, ok)

	cache.LinearizedReceiptsForRoom.Unset("!room1:server")
	waitForCacheProcessing(cache)
	_, ok = cache.LinearizedReceiptsForRoom.Get("!room1:server")
	assert.False(t, ok)
}

func TestRistrettoCachePartition_PrefixesDoNotCollide(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.ReceiptsForUser.Set("shared", UserReceipts{"!r:server": {EventID: "$a"}})
	cache.LinearizedReceiptsForRoom.Set("shared", RoomReceipts{"s0/s1": nil})
	waitForCacheProcessing(cache)

	users, ok := cache.ReceiptsForUser.Get("shared")
	assert.True(t, ok)
	assert.Equal(t, "$a", users["!r:server"].EventID)
	rooms, ok := cache.LinearizedReceiptsForRoom.Get("shared")
	assert.True(t, ok)
	assert.Contains(t, rooms, "s0/s1")
}

func TestRistrettoCachePartition_ImmutablePanicsOnUnset(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	partition := &RistrettoCachePartition[string, UserReceipts]{
		cache:  cache.ReceiptsForUser.(*RistrettoCachePartition[string, UserReceipts]).cache,
		Prefix: 99,
	}
	assert.Panics(t, func() { partition.Unset("key") })
}

func TestRistrettoCachePartition_Expires(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, 1024*1024, 50*time.Millisecond)
	cache.ReceiptsForUser.Set("@alice:server", UserReceipts{})
	waitForCacheProcessing(cache)

	assert.Eventually(t, func() bool {
		_, ok := cache.ReceiptsForUser.Get("@alice:server")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCacheCost(t *testing.T) {
	assert.Equal(t, len("!r")+len("$e")+8, UserReceipts{"!r": {EventID: "$e"}}.CacheCost())

	ev := &types.ReceiptEvent{Content: types.ReceiptContent{
		"$e": {"m.read": {"@u": []byte(`{}`)}},
	}}
	assert.Equal(t, len("k")+8+len("$e")+len("m.read")+len("@u")+2, RoomReceipts{"k": ev}.CacheCost())
	assert.Equal(t, len("k")+8, RoomReceipts{"k": nil}.CacheCost())
}
