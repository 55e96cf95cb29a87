// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"sort"

	"github.com/element-hq/receiptstream/internal/caching"
	"github.com/element-hq/receiptstream/receiptapi/api"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

// CachedOrderings remembers the stream orderings returned by Orderings.
// Orderings never change once assigned. The cache is only cleared when a
// room is purged, since its events may be persisted again.
type CachedOrderings struct {
	Orderings api.EventOrderings
	Cache     *caching.EventOrderingCache
}

func (c *CachedOrderings) StreamOrderingsForEvents(ctx context.Context, eventIDs []string) (map[string]int64, error) {
	result := make(map[string]int64, len(eventIDs))
	var missing []string
	for _, eventID := range eventIDs {
		if ordering, ok := c.Cache.Get(eventID); ok {
			result[eventID] = ordering
		} else {
			missing = append(missing, eventID)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	fetched, err := c.Orderings.StreamOrderingsForEvents(ctx, missing)
	if err != nil {
		return nil, err
	}
	for eventID, ordering := range fetched {
		c.Cache.Set(eventID, ordering)
		result[eventID] = ordering
	}
	return result, nil
}

// OrderingLinearizer picks the event with the highest stream ordering.
// Events with equal orderings are ordered by event ID, highest wins.
type OrderingLinearizer struct {
	Orderings api.EventOrderings
}

func (l *OrderingLinearizer) LinearizeEventIDs(ctx context.Context, roomID string, eventIDs []string) (string, error) {
	orderings, err := l.Orderings.StreamOrderingsForEvents(ctx, eventIDs)
	if err != nil {
		return "", fmt.Errorf("l.Orderings.StreamOrderingsForEvents: %w", err)
	}
	if len(orderings) == 0 {
		unresolved := append([]string(nil), eventIDs...)
		sort.Strings(unresolved)
		return "", types.NotFoundError{RoomID: roomID, EventIDs: unresolved}
	}
	var best string
	var bestOrdering int64
	for eventID, ordering := range orderings {
		if best == "" || ordering > bestOrdering || (ordering == bestOrdering && eventID > best) {
			best = eventID
			bestOrdering = ordering
		}
	}
	return best, nil
}
