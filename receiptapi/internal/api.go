// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/receiptstream/internal/caching"
	"github.com/element-hq/receiptstream/receiptapi/api"
	"github.com/element-hq/receiptstream/receiptapi/changecache"
	"github.com/element-hq/receiptstream/receiptapi/storage"
	"github.com/element-hq/receiptstream/receiptapi/streamid"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

// ReceiptInternalAPI is the receipt stream of one process. Only processes
// whose allocator is a writer may insert receipts; every process can read
// and follows the other writers through replication.
type ReceiptInternalAPI struct {
	DB          storage.Database
	ServerName  spec.ServerName
	Allocator   *streamid.Allocator
	ChangeCache *changecache.ChangeCache
	Caches      *caching.Caches
	Linearizer  api.Linearizer
	Orderings   api.EventOrderings
	// Invalidator is told about every invalidated receipt cache key, on top
	// of the caches owned here. May be nil.
	Invalidator api.CacheInvalidator
	// Replicator publishes local writes. May be nil in single process setups.
	Replicator    api.ReceiptReplicator
	IsUnread      api.UnreadPredicate
	AllRoomsLimit int

	allRooms singleflight.Group
	outbox   replicationOutbox
	followMu sync.Mutex
}

var _ api.ReceiptInternalAPI = &ReceiptInternalAPI{}

func (a *ReceiptInternalAPI) CurrentToken() types.MultiWriterStreamToken {
	return a.Allocator.CurrentToken()
}

func (a *ReceiptInternalAPI) PositionForWriter(writer string) types.StreamPosition {
	return a.Allocator.PositionForWriter(writer)
}

func (a *ReceiptInternalAPI) CountsForEvent(eventType string, content json.RawMessage, notify, highlight bool) types.Counts {
	isUnread := a.IsUnread
	if isUnread == nil {
		isUnread = api.DefaultUnreadPredicate
	}
	return api.CountsForEvent(isUnread, eventType, content, notify, highlight)
}

func (a *ReceiptInternalAPI) RecordEventOrderings(ctx context.Context, roomID string, orderings map[string]int64) error {
	return a.DB.RecordEventOrderings(ctx, roomID, orderings)
}

func (a *ReceiptInternalAPI) StageNotificationCounts(ctx context.Context, counters []types.NotificationCounter) error {
	return a.DB.StageNotificationCounts(ctx, counters)
}

func (a *ReceiptInternalAPI) UnreadCounts(ctx context.Context, userID string, roomIDs []string) (map[string]*types.UnreadCounts, error) {
	return a.DB.UnreadCounts(ctx, userID, roomIDs)
}

func (a *ReceiptInternalAPI) GraphReceipt(ctx context.Context, roomID, receiptType, userID string, threadID *string) (*types.GraphReceipt, error) {
	return a.DB.GraphReceipt(ctx, roomID, receiptType, userID, threadID)
}

// PurgeRoom deletes everything stored for the room and drops the receipt
// caches.
func (a *ReceiptInternalAPI) PurgeRoom(ctx context.Context, roomID string) error {
	if err := a.DB.PurgeRoom(ctx, roomID); err != nil {
		return err
	}
	a.Caches.InvalidateAll()
	if a.Invalidator != nil {
		a.Invalidator.Invalidate(caching.LinearizedReceiptsForRoomCacheName, roomID)
	}
	return nil
}

// invalidateReceipt drops the cache entries a new receipt makes stale.
func (a *ReceiptInternalAPI) invalidateReceipt(roomID, userID, receiptType string) {
	a.Caches.InvalidateReceiptsForUser(userID, receiptType)
	a.Caches.InvalidateRoomReceipts(roomID)
	if a.Invalidator != nil {
		a.Invalidator.Invalidate(caching.ReceiptsForUserCacheName, userID)
		a.Invalidator.Invalidate(caching.LinearizedReceiptsForRoomCacheName, roomID)
	}
}

func (a *ReceiptInternalAPI) isLocalUser(userID string) bool {
	uid, err := spec.NewUserID(userID, true)
	if err != nil {
		return false
	}
	return uid.Domain() == a.ServerName
}
