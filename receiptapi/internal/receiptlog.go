// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/util"
	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/receiptstream/internal/caching"
	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/shared"
	"github.com/element-hq/receiptstream/receiptapi/streamid"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

// InsertReceipt stores a receipt for the given events, linearizing them to a
// single event first. Receipts pointing at an event no later than the one
// already stored for the same room, type, user and thread are dropped and
// nil is returned.
func (a *ReceiptInternalAPI) InsertReceipt(
	ctx context.Context, roomID, receiptType, userID string, eventIDs []string, threadID *string, data json.RawMessage,
) (*types.PersistedPosition, error) {
	if !a.Allocator.IsWriter() {
		return nil, types.ConfigurationError{Instance: a.Allocator.Instance(), Stream: a.Allocator.Stream()}
	}
	if threadID != nil && *threadID == "" {
		return nil, types.ErrEmptyThreadID
	}
	if len(eventIDs) == 0 {
		return nil, nil
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "InsertReceipt")
	defer span.Finish()
	logger := util.GetLogger(ctx).WithFields(log.Fields{
		"room_id":      roomID,
		"user_id":      userID,
		"receipt_type": receiptType,
	})

	eventID := eventIDs[0]
	if len(eventIDs) > 1 {
		var err error
		eventID, err = a.Linearizer.LinearizeEventIDs(ctx, roomID, eventIDs)
		if err != nil {
			receiptsInserted.WithLabelValues(outcomeError).Inc()
			return nil, err
		}
	}
	orderings, err := a.Orderings.StreamOrderingsForEvents(ctx, []string{eventID})
	if err != nil {
		receiptsInserted.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("a.Orderings.StreamOrderingsForEvents: %w", err)
	}
	var ordering *int64
	if o, ok := orderings[eventID]; ok {
		ordering = &o
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var allocation *streamid.Allocation
	allocate := func(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
		al, allocErr := a.Allocator.Allocate(ctx, txn)
		if allocErr != nil {
			return 0, allocErr
		}
		allocation = al
		return al.Position(), nil
	}
	w := &shared.ReceiptWrite{
		Receipt: types.Receipt{
			RoomID:              roomID,
			ReceiptType:         receiptType,
			UserID:              userID,
			ThreadID:            threadID,
			EventID:             eventID,
			InstanceName:        a.Allocator.Instance(),
			EventStreamOrdering: ordering,
			Data:                data,
		},
		EventIDs:      eventIDs,
		ClearCounters: a.isLocalUser(userID),
	}
	pos, stale, err := a.DB.InsertReceipt(ctx, w, allocate)
	if err != nil || stale {
		// A skipped position must still be released or the writer stalls.
		if allocation != nil {
			allocation.Finish()
		}
		if err != nil {
			receiptsInserted.WithLabelValues(outcomeError).Inc()
			if sqlutil.IsTransient(err) {
				return nil, types.TransientStorageError{Op: "InsertReceipt", Err: err}
			}
			return nil, err
		}
		receiptsInserted.WithLabelValues(outcomeStale).Inc()
		logger.WithField("event_id", eventID).Debug("Dropping stale receipt")
		return nil, nil
	}

	a.ChangeCache.RecordChange(roomID, pos)
	a.invalidateReceipt(roomID, userID, receiptType)
	a.queueReplication(types.ReplicationRow{
		StreamID:    pos,
		RoomID:      roomID,
		ReceiptType: receiptType,
		UserID:      userID,
		EventID:     eventID,
		ThreadID:    threadID,
		Data:        data,
	})
	allocation.Finish()
	receiptsInserted.WithLabelValues(outcomePersisted).Inc()

	if err = a.flushReplication(ctx); err != nil {
		// The row stays queued for the next heartbeat.
		logger.WithError(err).Error("Failed to publish receipt to replication")
	}

	logger.WithFields(log.Fields{
		"event_id":   eventID,
		"stream_pos": pos,
	}).Debug("Stored receipt")
	return &types.PersistedPosition{Writer: a.Allocator.Instance(), Position: pos}, nil
}

// LatestReceipt returns the user's receipt in the room and thread. The
// receipt types are in priority order: a later type only wins if it points
// at a strictly later event.
func (a *ReceiptInternalAPI) LatestReceipt(
	ctx context.Context, userID, roomID string, receiptTypes []string, threadID *string,
) (*types.ReceiptOrdering, error) {
	rows, err := a.DB.UserRoomReceipts(ctx, userID, roomID, threadID, receiptTypes)
	if err != nil {
		return nil, err
	}
	byType := make(map[string]types.ReceiptOrdering, len(rows))
	for _, r := range rows {
		byType[r.ReceiptType] = types.ReceiptOrdering{EventID: r.EventID, StreamOrdering: *r.EventStreamOrdering}
	}
	var best *types.ReceiptOrdering
	for _, receiptType := range receiptTypes {
		r, ok := byType[receiptType]
		if !ok {
			continue
		}
		if best == nil || r.StreamOrdering > best.StreamOrdering {
			best = &r
		}
	}
	return best, nil
}

// ReceiptsForUser returns the event ID of the user's latest receipt in every
// room, merging receipt types as LatestReceipt does.
func (a *ReceiptInternalAPI) ReceiptsForUser(ctx context.Context, userID string, receiptTypes []string) (map[string]string, error) {
	withOrderings, err := a.ReceiptsForUserWithOrderings(ctx, userID, receiptTypes)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(withOrderings))
	for roomID, r := range withOrderings {
		result[roomID] = r.EventID
	}
	return result, nil
}

func (a *ReceiptInternalAPI) ReceiptsForUserWithOrderings(
	ctx context.Context, userID string, receiptTypes []string,
) (map[string]types.ReceiptOrdering, error) {
	result := make(map[string]types.ReceiptOrdering)
	for _, receiptType := range receiptTypes {
		byRoom, err := a.receiptsForUserAndType(ctx, userID, receiptType)
		if err != nil {
			return nil, err
		}
		for roomID, r := range byRoom {
			if best, ok := result[roomID]; !ok || r.StreamOrdering > best.StreamOrdering {
				result[roomID] = r
			}
		}
	}
	return result, nil
}

// receiptsForUserAndType returns the user's latest receipt of one type per
// room, across all threads.
func (a *ReceiptInternalAPI) receiptsForUserAndType(ctx context.Context, userID, receiptType string) (caching.UserReceipts, error) {
	if cached, ok := a.Caches.GetReceiptsForUser(userID, receiptType); ok {
		return cached, nil
	}
	gen := a.Caches.Generation()
	rows, err := a.DB.UserReceipts(ctx, userID, []string{receiptType})
	if err != nil {
		return nil, err
	}
	byRoom := make(caching.UserReceipts, len(rows))
	for _, r := range rows {
		ordering := *r.EventStreamOrdering
		if best, ok := byRoom[r.RoomID]; !ok || ordering > best.StreamOrdering {
			byRoom[r.RoomID] = types.ReceiptOrdering{EventID: r.EventID, StreamOrdering: ordering}
		}
	}
	a.Caches.StoreReceiptsForUser(gen, userID, receiptType, byRoom)
	return byRoom, nil
}
