// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

// Receipts holds one linearized receipt per (room, receipt type, user, thread).
// Thread IDs are stored as "" for unthreaded receipts.
type Receipts interface {
	// SelectReceipt returns the stored receipt for the key, or nil.
	SelectReceipt(ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, threadID string) (*types.Receipt, error)
	// UpsertReceipt writes r unless the stored receipt already points at an
	// event with an equal or later stream ordering. Returns false when the
	// stored receipt was kept.
	UpsertReceipt(ctx context.Context, txn *sql.Tx, r *types.Receipt) (bool, error)
	// SelectRoomReceiptsBetween returns rows in the rooms with from < stream_id <= to.
	SelectRoomReceiptsBetween(ctx context.Context, txn *sql.Tx, roomIDs []string, from, to types.StreamPosition) ([]types.Receipt, error)
	// SelectAllRoomReceiptsBetween returns the latest limit rows with from < stream_id <= to, newest first.
	SelectAllRoomReceiptsBetween(ctx context.Context, txn *sql.Tx, from, to types.StreamPosition, limit int) ([]types.Receipt, error)
	// SelectUserReceipts returns the user's receipts of the given types which point at known events.
	SelectUserReceipts(ctx context.Context, txn *sql.Tx, userID string, receiptTypes []string) ([]types.Receipt, error)
	// SelectUserRoomReceipts is SelectUserReceipts restricted to one room and thread.
	SelectUserRoomReceipts(ctx context.Context, txn *sql.Tx, userID, roomID, threadID string, receiptTypes []string) ([]types.Receipt, error)
	SelectUsersBetween(ctx context.Context, txn *sql.Tx, from, to types.StreamPosition) ([]string, error)
	// SelectWriterReceiptsBetween returns up to limit rows written by writer
	// with from < stream_id <= to, oldest first.
	SelectWriterReceiptsBetween(ctx context.Context, txn *sql.Tx, writer string, from, to types.StreamPosition, limit int) ([]types.Receipt, error)
	SelectMaxStreamIDs(ctx context.Context, txn *sql.Tx) (map[string]types.StreamPosition, error)
	// SelectRecentRoomChanges returns the latest stream ID per room amongst the
	// newest limit rows, and the lowest stream ID of those rows.
	SelectRecentRoomChanges(ctx context.Context, txn *sql.Tx, limit int) (rooms map[string]types.StreamPosition, lowest types.StreamPosition, count int, err error)
	PurgeReceipts(ctx context.Context, txn *sql.Tx, roomID string) error
}

// GraphReceipts holds the unlinearized event IDs of each receipt.
type GraphReceipts interface {
	UpsertGraphReceipt(ctx context.Context, txn *sql.Tx, r *types.GraphReceipt) error
	SelectGraphReceipt(ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, threadID string) (*types.GraphReceipt, error)
	PurgeGraphReceipts(ctx context.Context, txn *sql.Tx, roomID string) error
}

// NotificationCounters holds per-event notification deltas staged by the
// event persister.
type NotificationCounters interface {
	InsertCounter(ctx context.Context, txn *sql.Tx, c *types.NotificationCounter) error
	// SelectAggregatable returns counters with event_stream_ordering above
	// after, lowest ordering first. Only orderings below the lowest one still
	// received at or after receivedBefore are eligible. The batch covers the
	// first limit eligible counters plus any counters sharing the ordering of
	// the last one, so an ordering is never split between batches.
	SelectAggregatable(ctx context.Context, txn *sql.Tx, after int64, receivedBefore spec.Timestamp, limit int) ([]types.NotificationCounter, error)
	DeleteCounters(ctx context.Context, txn *sql.Tx, ids []int64) error
	// DeleteCountersUpTo removes counters for the user and room with an event
	// stream ordering at or below ordering. A nil thread removes every thread.
	DeleteCountersUpTo(ctx context.Context, txn *sql.Tx, userID, roomID string, threadID *string, ordering int64) error
	// SelectCountsForRooms sums the user's remaining counters by room and thread.
	SelectCountsForRooms(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) ([]types.NotificationRollup, error)
	PurgeCounters(ctx context.Context, txn *sql.Tx, roomID string) error
}

// NotificationRollups holds aggregated counts per (user, room, thread).
type NotificationRollups interface {
	// AddRollup adds r's counts to any stored rollup for the same key.
	AddRollup(ctx context.Context, txn *sql.Tx, r *types.NotificationRollup) error
	// DeleteRollupsUpTo removes rollups covering nothing after ordering. A nil
	// thread removes every thread.
	DeleteRollupsUpTo(ctx context.Context, txn *sql.Tx, userID, roomID string, threadID *string, ordering int64) error
	SelectRollupsForRooms(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) ([]types.NotificationRollup, error)
	PurgeRollups(ctx context.Context, txn *sql.Tx, roomID string) error
}

// AggregationWatermark records how far counters have been aggregated.
type AggregationWatermark interface {
	SelectWatermark(ctx context.Context, txn *sql.Tx) (int64, error)
	UpdateWatermark(ctx context.Context, txn *sql.Tx, ordering int64) error
}

// EventOrderings maps event IDs to the stream ordering the event persister
// assigned to them.
type EventOrderings interface {
	// InsertEventOrdering records an ordering. Existing rows are kept.
	InsertEventOrdering(ctx context.Context, txn *sql.Tx, roomID, eventID string, ordering int64) error
	// SelectEventOrderings returns the orderings of the known events.
	SelectEventOrderings(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]int64, error)
	PurgeEventOrderings(ctx context.Context, txn *sql.Tx, roomID string) error
}
