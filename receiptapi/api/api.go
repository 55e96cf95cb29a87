// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

// Linearizer picks a single representative event for a receipt which
// acknowledges several forward extremities.
type Linearizer interface {
	LinearizeEventIDs(ctx context.Context, roomID string, eventIDs []string) (string, error)
}

// EventOrderings looks up the stream ordering assigned to events by the
// event persister. Unknown events are omitted from the result.
type EventOrderings interface {
	StreamOrderingsForEvents(ctx context.Context, eventIDs []string) (map[string]int64, error)
}

// CacheInvalidator is the generic "invalidate by key" contract.
type CacheInvalidator interface {
	Invalidate(cacheName, key string)
}

// Scheduler runs periodic background jobs.
type Scheduler interface {
	LoopingCall(name string, interval time.Duration, f func(ctx context.Context))
}

// ReceiptReplicator publishes local writes to other processes. An update
// without rows is a position heartbeat.
type ReceiptReplicator interface {
	SendReceiptUpdate(ctx context.Context, update types.ReplicationUpdate) error
}

// ReceiptInternalAPI is the receipt stream as seen by sync, federation and
// the event persister.
type ReceiptInternalAPI interface {
	// InsertReceipt stores a receipt. It returns nil without an error when
	// the receipt is older than the one already stored or eventIDs is empty.
	InsertReceipt(ctx context.Context, roomID, receiptType, userID string, eventIDs []string, threadID *string, data json.RawMessage) (*types.PersistedPosition, error)
	LatestReceipt(ctx context.Context, userID, roomID string, receiptTypes []string, threadID *string) (*types.ReceiptOrdering, error)
	ReceiptsForUser(ctx context.Context, userID string, receiptTypes []string) (map[string]string, error)
	ReceiptsForUserWithOrderings(ctx context.Context, userID string, receiptTypes []string) (map[string]types.ReceiptOrdering, error)
	ReceiptsForRooms(ctx context.Context, roomIDs []string, to types.MultiWriterStreamToken, from *types.MultiWriterStreamToken) ([]types.ReceiptEvent, error)
	ReceiptsForAllRooms(ctx context.Context, to types.MultiWriterStreamToken, from *types.MultiWriterStreamToken) (map[string]types.ReceiptEvent, error)
	UsersSentReceiptsBetween(ctx context.Context, last, current types.StreamPosition) ([]string, error)
	UpdatedReceiptsForReplication(ctx context.Context, writer string, last, current types.StreamPosition, limit int) ([]types.ReplicationRow, types.StreamPosition, bool, error)
	GraphReceipt(ctx context.Context, roomID, receiptType, userID string, threadID *string) (*types.GraphReceipt, error)
	CurrentToken() types.MultiWriterStreamToken
	PositionForWriter(writer string) types.StreamPosition

	// RecordEventOrderings is called by the event persister with the stream
	// orderings of newly persisted events.
	RecordEventOrderings(ctx context.Context, roomID string, orderings map[string]int64) error
	CountsForEvent(eventType string, content json.RawMessage, notify, highlight bool) types.Counts
	StageNotificationCounts(ctx context.Context, counters []types.NotificationCounter) error
	UnreadCounts(ctx context.Context, userID string, roomIDs []string) (map[string]*types.UnreadCounts, error)
	PurgeRoom(ctx context.Context, roomID string) error

	// ProcessReplicationUpdate applies an update published by another
	// writer, reading any rows it is missing from the database first.
	ProcessReplicationUpdate(ctx context.Context, update types.ReplicationUpdate) error
}
