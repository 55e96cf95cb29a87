// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/receiptstream/receiptapi/storage/shared"
	"github.com/element-hq/receiptstream/receiptapi/streamid"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

type Database interface {
	Receipts
	Notifications
	EventOrderings
	// Sequence returns the database-wide stream ID source, or nil if stream
	// IDs must be handed out in memory by a single writer.
	Sequence() streamid.Sequence
	PurgeRoom(ctx context.Context, roomID string) error
}

type Receipts interface {
	InsertReceipt(ctx context.Context, w *shared.ReceiptWrite, allocate func(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error)) (types.StreamPosition, bool, error)
	GraphReceipt(ctx context.Context, roomID, receiptType, userID string, threadID *string) (*types.GraphReceipt, error)
	RoomReceiptsBetween(ctx context.Context, roomIDs []string, from, to types.StreamPosition) ([]types.Receipt, error)
	AllRoomReceiptsBetween(ctx context.Context, from, to types.StreamPosition, limit int) ([]types.Receipt, error)
	UserReceipts(ctx context.Context, userID string, receiptTypes []string) ([]types.Receipt, error)
	UserRoomReceipts(ctx context.Context, userID, roomID string, threadID *string, receiptTypes []string) ([]types.Receipt, error)
	UsersSentReceiptsBetween(ctx context.Context, from, to types.StreamPosition) ([]string, error)
	WriterReceiptsBetween(ctx context.Context, writer string, from, to types.StreamPosition, limit int) ([]types.Receipt, error)
	MaxStreamIDs(ctx context.Context) (map[string]types.StreamPosition, error)
	RecentRoomChanges(ctx context.Context, limit int) (map[string]types.StreamPosition, types.StreamPosition, int, error)
}

type Notifications interface {
	StageNotificationCounts(ctx context.Context, counters []types.NotificationCounter) error
	UnreadCounts(ctx context.Context, userID string, roomIDs []string) (map[string]*types.UnreadCounts, error)
	AggregateNotificationCounts(ctx context.Context, limit int, receivedBefore spec.Timestamp) (shared.AggregationResult, error)
	NotificationWatermark(ctx context.Context) (int64, error)
}

// EventOrderings is fed by the event persister and satisfies
// api.EventOrderings for processes which don't share its memory.
type EventOrderings interface {
	RecordEventOrderings(ctx context.Context, roomID string, orderings map[string]int64) error
	StreamOrderingsForEvents(ctx context.Context, eventIDs []string) (map[string]int64, error)
}
