// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// EventOrderingCache remembers the stream ordering of events. Orderings never
// change once assigned, so entries only leave by expiry or room purge.
type EventOrderingCache struct {
	cache *gocache.Cache
}

func NewEventOrderingCache(ttl time.Duration) *EventOrderingCache {
	return &EventOrderingCache{
		cache: gocache.New(ttl, ttl*2),
	}
}

func (c *EventOrderingCache) Get(eventID string) (int64, bool) {
	v, ok := c.cache.Get(eventID)
	if !ok {
		return 0, false
	}
	ordering, ok := v.(int64)
	return ordering, ok
}

func (c *EventOrderingCache) Set(eventID string, ordering int64) {
	c.cache.SetDefault(eventID, ordering)
}

func (c *EventOrderingCache) Evict(eventID string) {
	c.cache.Delete(eventID)
}

// Clear drops every entry. The cache is keyed by event only, so a purged
// room's events can't be picked out.
func (c *EventOrderingCache) Clear() {
	c.cache.Flush()
}

func (c *EventOrderingCache) Len() int {
	return c.cache.ItemCount()
}
