// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"maps"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

// UserReceipts maps room ID to the receipt a user has in it.
type UserReceipts map[string]types.ReceiptOrdering

func (r UserReceipts) CacheCost() int {
	cost := 0
	for roomID, receipt := range r {
		cost += len(roomID) + len(receipt.EventID) + 8
	}
	return cost
}

// RoomReceipts maps a query range to the receipts a room had in it. A nil
// event means the room had none.
type RoomReceipts map[string]*types.ReceiptEvent

func (r RoomReceipts) CacheCost() int {
	cost := 0
	for rangeKey, ev := range r {
		cost += len(rangeKey) + 8
		if ev == nil {
			continue
		}
		for eventID, byType := range ev.Content {
			cost += len(eventID)
			for receiptType, byUser := range byType {
				cost += len(receiptType)
				for userID, data := range byUser {
					cost += len(userID) + len(data)
				}
			}
		}
	}
	return cost
}

func receiptsForUserKey(userID, receiptType string) string {
	return userID + "\x1f" + receiptType
}

// RoomRangeKey identifies a (from, to] query in the LinearizedReceiptsForRoom cache.
func RoomRangeKey(to types.MultiWriterStreamToken, from *types.MultiWriterStreamToken) string {
	if from == nil {
		return "-/" + to.String()
	}
	return from.String() + "/" + to.String()
}

func (c Caches) GetReceiptsForUser(userID, receiptType string) (UserReceipts, bool) {
	return c.ReceiptsForUser.Get(receiptsForUserKey(userID, receiptType))
}

func (c Caches) StoreReceiptsForUser(gen uint64, userID, receiptType string, receipts UserReceipts) {
	c.storeIfCurrent(gen, func() {
		c.ReceiptsForUser.Set(receiptsForUserKey(userID, receiptType), receipts)
	})
}

func (c Caches) InvalidateReceiptsForUser(userID, receiptType string) {
	c.Invalidate(ReceiptsForUserCacheName, receiptsForUserKey(userID, receiptType))
}

func (c Caches) GetRoomReceipts(roomID, rangeKey string) (*types.ReceiptEvent, bool) {
	byRange, ok := c.LinearizedReceiptsForRoom.Get(roomID)
	if !ok {
		return nil, false
	}
	ev, ok := byRange[rangeKey]
	return ev, ok
}

func (c Caches) StoreRoomReceipts(gen uint64, roomID, rangeKey string, ev *types.ReceiptEvent) {
	c.storeIfCurrent(gen, func() {
		byRange, _ := c.LinearizedReceiptsForRoom.Get(roomID)
		// Entries are shared with readers, so never modify one in place.
		updated := make(RoomReceipts, len(byRange)+1)
		maps.Copy(updated, byRange)
		updated[rangeKey] = ev
		c.LinearizedReceiptsForRoom.Set(roomID, updated)
	})
}

func (c Caches) InvalidateRoomReceipts(roomID string) {
	c.Invalidate(LinearizedReceiptsForRoomCacheName, roomID)
}
