// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/tables"
	"github.com/element-hq/receiptstream/receiptapi/streamid"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

type Database struct {
	DB                   *sql.DB
	Writer               sqlutil.Writer
	Receipts             tables.Receipts
	GraphReceipts        tables.GraphReceipts
	NotificationCounters tables.NotificationCounters
	NotificationRollups  tables.NotificationRollups
	Watermark            tables.AggregationWatermark
	EventOrderings       tables.EventOrderings
	// SharedSequence is nil when the database can only serve one writer.
	SharedSequence streamid.Sequence
}

// ReceiptWrite is a receipt that has already been linearized, ready to be
// persisted.
type ReceiptWrite struct {
	Receipt types.Receipt
	// EventIDs are the event IDs the receipt was sent for, before linearization.
	EventIDs []string
	// ClearCounters removes the user's notification counts up to the receipt.
	ClearCounters bool
}

// AggregationResult describes a single aggregation batch.
type AggregationResult struct {
	Rows      int
	Groups    int
	Watermark int64
}

// Sequence returns the stream ID source for this database, or nil if the
// caller should keep one in memory.
func (d *Database) Sequence() streamid.Sequence {
	return d.SharedSequence
}

// InsertReceipt stores w unless the stored receipt for the same key already
// points at an equal or later event. allocate is only called once the
// receipt is known to be newer, inside the write transaction, and its
// position is written with the row.
// Returns the stream position and whether the receipt was discarded as stale.
func (d *Database) InsertReceipt(
	ctx context.Context, w *ReceiptWrite, allocate func(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error),
) (pos types.StreamPosition, stale bool, err error) {
	r := w.Receipt
	threadKey := types.ThreadKey(r.ThreadID)
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		existing, err := d.Receipts.SelectReceipt(ctx, txn, r.RoomID, r.ReceiptType, r.UserID, threadKey)
		if err != nil {
			return fmt.Errorf("d.Receipts.SelectReceipt: %w", err)
		}
		if existing != nil && existing.EventStreamOrdering != nil && r.EventStreamOrdering != nil &&
			*existing.EventStreamOrdering >= *r.EventStreamOrdering {
			stale = true
			return nil
		}
		if pos, err = allocate(ctx, txn); err != nil {
			return err
		}
		r.StreamID = pos
		written, err := d.Receipts.UpsertReceipt(ctx, txn, &r)
		if err != nil {
			return fmt.Errorf("d.Receipts.UpsertReceipt: %w", err)
		}
		if !written {
			// Lost a race with a concurrent writer.
			stale = true
			return nil
		}
		eventIDs := w.EventIDs
		if len(eventIDs) == 0 {
			eventIDs = []string{r.EventID}
		}
		if err = d.GraphReceipts.UpsertGraphReceipt(ctx, txn, &types.GraphReceipt{
			RoomID:      r.RoomID,
			ReceiptType: r.ReceiptType,
			UserID:      r.UserID,
			ThreadID:    r.ThreadID,
			EventIDs:    eventIDs,
			Data:        r.Data,
		}); err != nil {
			return fmt.Errorf("d.GraphReceipts.UpsertGraphReceipt: %w", err)
		}
		if w.ClearCounters && r.EventStreamOrdering != nil {
			ordering := *r.EventStreamOrdering
			if err = d.NotificationCounters.DeleteCountersUpTo(ctx, txn, r.UserID, r.RoomID, r.ThreadID, ordering); err != nil {
				return fmt.Errorf("d.NotificationCounters.DeleteCountersUpTo: %w", err)
			}
			if err = d.NotificationRollups.DeleteRollupsUpTo(ctx, txn, r.UserID, r.RoomID, r.ThreadID, ordering); err != nil {
				return fmt.Errorf("d.NotificationRollups.DeleteRollupsUpTo: %w", err)
			}
		}
		return nil
	})
	return
}

func (d *Database) GraphReceipt(ctx context.Context, roomID, receiptType, userID string, threadID *string) (*types.GraphReceipt, error) {
	return d.GraphReceipts.SelectGraphReceipt(ctx, nil, roomID, receiptType, userID, types.ThreadKey(threadID))
}

func (d *Database) RoomReceiptsBetween(ctx context.Context, roomIDs []string, from, to types.StreamPosition) ([]types.Receipt, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	return d.Receipts.SelectRoomReceiptsBetween(ctx, nil, roomIDs, from, to)
}

func (d *Database) AllRoomReceiptsBetween(ctx context.Context, from, to types.StreamPosition, limit int) ([]types.Receipt, error) {
	return d.Receipts.SelectAllRoomReceiptsBetween(ctx, nil, from, to, limit)
}

func (d *Database) UserReceipts(ctx context.Context, userID string, receiptTypes []string) ([]types.Receipt, error) {
	if len(receiptTypes) == 0 {
		return nil, nil
	}
	return d.Receipts.SelectUserReceipts(ctx, nil, userID, receiptTypes)
}

func (d *Database) UserRoomReceipts(ctx context.Context, userID, roomID string, threadID *string, receiptTypes []string) ([]types.Receipt, error) {
	if len(receiptTypes) == 0 {
		return nil, nil
	}
	return d.Receipts.SelectUserRoomReceipts(ctx, nil, userID, roomID, types.ThreadKey(threadID), receiptTypes)
}

func (d *Database) UsersSentReceiptsBetween(ctx context.Context, from, to types.StreamPosition) ([]string, error) {
	if from >= to {
		return nil, nil
	}
	return d.Receipts.SelectUsersBetween(ctx, nil, from, to)
}

func (d *Database) WriterReceiptsBetween(ctx context.Context, writer string, from, to types.StreamPosition, limit int) ([]types.Receipt, error) {
	return d.Receipts.SelectWriterReceiptsBetween(ctx, nil, writer, from, to, limit)
}

// MaxStreamIDs returns the highest persisted stream ID of each writer.
func (d *Database) MaxStreamIDs(ctx context.Context) (map[string]types.StreamPosition, error) {
	return d.Receipts.SelectMaxStreamIDs(ctx, nil)
}

func (d *Database) RecentRoomChanges(ctx context.Context, limit int) (map[string]types.StreamPosition, types.StreamPosition, int, error) {
	return d.Receipts.SelectRecentRoomChanges(ctx, nil, limit)
}

// StageNotificationCounts stores per-event notification counters for later
// aggregation.
func (d *Database) StageNotificationCounts(ctx context.Context, counters []types.NotificationCounter) error {
	if len(counters) == 0 {
		return nil
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for i := range counters {
			if err := d.NotificationCounters.InsertCounter(ctx, txn, &counters[i]); err != nil {
				return fmt.Errorf("d.NotificationCounters.InsertCounter: %w", err)
			}
		}
		return nil
	})
}

// UnreadCounts returns the user's notification counts for each room, adding
// counters which haven't been aggregated yet to the stored rollups. Rooms
// without any counts are left out.
func (d *Database) UnreadCounts(ctx context.Context, userID string, roomIDs []string) (map[string]*types.UnreadCounts, error) {
	result := make(map[string]*types.UnreadCounts)
	if len(roomIDs) == 0 {
		return result, nil
	}
	rollups, err := d.NotificationRollups.SelectRollupsForRooms(ctx, nil, userID, roomIDs)
	if err != nil {
		return nil, fmt.Errorf("d.NotificationRollups.SelectRollupsForRooms: %w", err)
	}
	pending, err := d.NotificationCounters.SelectCountsForRooms(ctx, nil, userID, roomIDs)
	if err != nil {
		return nil, fmt.Errorf("d.NotificationCounters.SelectCountsForRooms: %w", err)
	}
	for _, r := range append(rollups, pending...) {
		counts, ok := result[r.RoomID]
		if !ok {
			counts = &types.UnreadCounts{}
			result[r.RoomID] = counts
		}
		if r.ThreadID == nil {
			counts.Main.Add(r.Counts)
			continue
		}
		if counts.Threads == nil {
			counts.Threads = make(map[string]types.Counts)
		}
		c := counts.Threads[*r.ThreadID]
		c.Add(r.Counts)
		counts.Threads[*r.ThreadID] = c
	}
	return result, nil
}

type rollupKey struct {
	userID, roomID, threadID string
}

// AggregateNotificationCounts folds up to limit staged counters, received
// before receivedBefore, into the rollups and advances the watermark past
// them. The result has Rows set to 0 when there was nothing to do.
func (d *Database) AggregateNotificationCounts(ctx context.Context, limit int, receivedBefore spec.Timestamp) (res AggregationResult, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		watermark, err := d.Watermark.SelectWatermark(ctx, txn)
		if err != nil {
			return fmt.Errorf("d.Watermark.SelectWatermark: %w", err)
		}
		res.Watermark = watermark
		counters, err := d.NotificationCounters.SelectAggregatable(ctx, txn, watermark, receivedBefore, limit)
		if err != nil {
			return fmt.Errorf("d.NotificationCounters.SelectAggregatable: %w", err)
		}
		if len(counters) == 0 {
			return nil
		}
		groups := make(map[rollupKey]*types.NotificationRollup)
		ids := make([]int64, 0, len(counters))
		for _, c := range counters {
			ids = append(ids, c.ID)
			if c.EventStreamOrdering > res.Watermark {
				res.Watermark = c.EventStreamOrdering
			}
			key := rollupKey{c.UserID, c.RoomID, types.ThreadKey(c.ThreadID)}
			g, ok := groups[key]
			if !ok {
				g = &types.NotificationRollup{
					UserID:   c.UserID,
					RoomID:   c.RoomID,
					ThreadID: c.ThreadID,
				}
				groups[key] = g
			}
			g.Counts.Add(types.Counts{Notifs: c.Notifs, Unreads: c.Unreads, Highlights: c.Highlights})
			if c.EventStreamOrdering > g.EventStreamOrdering {
				g.EventStreamOrdering = c.EventStreamOrdering
			}
		}
		keys := make([]rollupKey, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		// Stable lock order across concurrent aggregators.
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].userID != keys[j].userID {
				return keys[i].userID < keys[j].userID
			}
			if keys[i].roomID != keys[j].roomID {
				return keys[i].roomID < keys[j].roomID
			}
			return keys[i].threadID < keys[j].threadID
		})
		for _, k := range keys {
			if err = d.NotificationRollups.AddRollup(ctx, txn, groups[k]); err != nil {
				return fmt.Errorf("d.NotificationRollups.AddRollup: %w", err)
			}
		}
		if err = d.NotificationCounters.DeleteCounters(ctx, txn, ids); err != nil {
			return fmt.Errorf("d.NotificationCounters.DeleteCounters: %w", err)
		}
		if err = d.Watermark.UpdateWatermark(ctx, txn, res.Watermark); err != nil {
			return fmt.Errorf("d.Watermark.UpdateWatermark: %w", err)
		}
		res.Rows = len(counters)
		res.Groups = len(groups)
		return nil
	})
	return
}

// RecordEventOrderings stores the stream orderings of newly persisted events
// in the room. Orderings already recorded are left alone.
func (d *Database) RecordEventOrderings(ctx context.Context, roomID string, orderings map[string]int64) error {
	if len(orderings) == 0 {
		return nil
	}
	eventIDs := make([]string, 0, len(orderings))
	for eventID := range orderings {
		eventIDs = append(eventIDs, eventID)
	}
	sort.Strings(eventIDs)
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for _, eventID := range eventIDs {
			if err := d.EventOrderings.InsertEventOrdering(ctx, txn, roomID, eventID, orderings[eventID]); err != nil {
				return fmt.Errorf("d.EventOrderings.InsertEventOrdering: %w", err)
			}
		}
		return nil
	})
}

// StreamOrderingsForEvents returns the recorded orderings, omitting unknown
// events.
func (d *Database) StreamOrderingsForEvents(ctx context.Context, eventIDs []string) (map[string]int64, error) {
	if len(eventIDs) == 0 {
		return map[string]int64{}, nil
	}
	return d.EventOrderings.SelectEventOrderings(ctx, nil, eventIDs)
}

// NotificationWatermark returns how far counters have been aggregated.
func (d *Database) NotificationWatermark(ctx context.Context) (int64, error) {
	return d.Watermark.SelectWatermark(ctx, nil)
}

// PurgeRoom removes every receipt and notification count for the room.
func (d *Database) PurgeRoom(ctx context.Context, roomID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Receipts.PurgeReceipts(ctx, txn, roomID); err != nil {
			return fmt.Errorf("d.Receipts.PurgeReceipts: %w", err)
		}
		if err := d.GraphReceipts.PurgeGraphReceipts(ctx, txn, roomID); err != nil {
			return fmt.Errorf("d.GraphReceipts.PurgeGraphReceipts: %w", err)
		}
		if err := d.NotificationCounters.PurgeCounters(ctx, txn, roomID); err != nil {
			return fmt.Errorf("d.NotificationCounters.PurgeCounters: %w", err)
		}
		if err := d.NotificationRollups.PurgeRollups(ctx, txn, roomID); err != nil {
			return fmt.Errorf("d.NotificationRollups.PurgeRollups: %w", err)
		}
		if err := d.EventOrderings.PurgeEventOrderings(ctx, txn, roomID); err != nil {
			return fmt.Errorf("d.EventOrderings.PurgeEventOrderings: %w", err)
		}
		return nil
	})
}
