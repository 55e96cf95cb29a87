// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/element-hq/receiptstream/internal/caching"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

// ReceiptsForRooms returns one receipt event per room with receipts in
// (from, to]. Rows are only included if they are visible to the tokens:
// at or before to's position for their writer, and after from's.
func (a *ReceiptInternalAPI) ReceiptsForRooms(
	ctx context.Context, roomIDs []string, to types.MultiWriterStreamToken, from *types.MultiWriterStreamToken,
) ([]types.ReceiptEvent, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ReceiptsForRooms")
	defer span.Finish()
	defer observeRead("rooms", time.Now())

	var fromPos types.StreamPosition
	if from != nil {
		fromPos = from.Stream
		roomIDs = a.ChangeCache.GetChanged(roomIDs, fromPos)
	}
	if len(roomIDs) == 0 {
		return nil, nil
	}

	rangeKey := caching.RoomRangeKey(to, from)
	gen := a.Caches.Generation()
	var events []types.ReceiptEvent
	var missing []string
	for _, roomID := range roomIDs {
		ev, ok := a.Caches.GetRoomReceipts(roomID, rangeKey)
		if !ok {
			missing = append(missing, roomID)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if len(missing) > 0 {
		rows, err := a.DB.RoomReceiptsBetween(ctx, missing, fromPos, to.MaxStreamPos())
		if err != nil {
			return nil, err
		}
		byRoom := groupReceipts(filterVisible(rows, to, from))
		for _, roomID := range missing {
			ev := byRoom[roomID]
			a.Caches.StoreRoomReceipts(gen, roomID, rangeKey, ev)
			if ev != nil {
				events = append(events, *ev)
			}
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].RoomID < events[j].RoomID
	})
	return events, nil
}

// ReceiptsForAllRooms is ReceiptsForRooms across every room, limited to the
// most recent receipts. Concurrent calls for the same range share a query.
func (a *ReceiptInternalAPI) ReceiptsForAllRooms(
	ctx context.Context, to types.MultiWriterStreamToken, from *types.MultiWriterStreamToken,
) (map[string]types.ReceiptEvent, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ReceiptsForAllRooms")
	defer span.Finish()
	defer observeRead("all_rooms", time.Now())

	var fromPos types.StreamPosition
	if from != nil {
		fromPos = from.Stream
		if !a.ChangeCache.HasAnyChanged(fromPos) {
			return map[string]types.ReceiptEvent{}, nil
		}
	}

	v, err, _ := a.allRooms.Do(caching.RoomRangeKey(to, from), func() (interface{}, error) {
		rows, err := a.DB.AllRoomReceiptsBetween(ctx, fromPos, to.MaxStreamPos(), a.AllRoomsLimit)
		if err != nil {
			return nil, err
		}
		return groupReceipts(filterVisible(rows, to, from)), nil
	})
	if err != nil {
		return nil, err
	}
	byRoom := v.(map[string]*types.ReceiptEvent)
	result := make(map[string]types.ReceiptEvent, len(byRoom))
	for roomID, ev := range byRoom {
		result[roomID] = *ev
	}
	return result, nil
}

// UsersSentReceiptsBetween returns the users with a receipt in (last, current].
func (a *ReceiptInternalAPI) UsersSentReceiptsBetween(ctx context.Context, last, current types.StreamPosition) ([]string, error) {
	if last == current {
		return nil, nil
	}
	return a.DB.UsersSentReceiptsBetween(ctx, last, current)
}

// UpdatedReceiptsForReplication returns up to limit rows written by writer
// in (last, current], oldest first. If the limit was hit, the returned
// position is that of the last row and the caller should ask again from it.
func (a *ReceiptInternalAPI) UpdatedReceiptsForReplication(
	ctx context.Context, writer string, last, current types.StreamPosition, limit int,
) ([]types.ReplicationRow, types.StreamPosition, bool, error) {
	if last == current {
		return nil, current, false, nil
	}
	receipts, err := a.DB.WriterReceiptsBetween(ctx, writer, last, current, limit)
	if err != nil {
		return nil, 0, false, err
	}
	rows := make([]types.ReplicationRow, 0, len(receipts))
	for _, r := range receipts {
		rows = append(rows, types.ReplicationRow{
			StreamID:    r.StreamID,
			RoomID:      r.RoomID,
			ReceiptType: r.ReceiptType,
			UserID:      r.UserID,
			EventID:     r.EventID,
			ThreadID:    r.ThreadID,
			Data:        r.Data,
		})
	}
	if limit > 0 && len(rows) == limit {
		return rows, rows[len(rows)-1].StreamID, true, nil
	}
	return rows, current, false, nil
}

func filterVisible(rows []types.Receipt, to types.MultiWriterStreamToken, from *types.MultiWriterStreamToken) []types.Receipt {
	visible := rows[:0:0]
	for _, r := range rows {
		if types.IsStreamPositionInRange(from, to, r.InstanceName, r.StreamID) {
			visible = append(visible, r)
		}
	}
	return visible
}

// groupReceipts builds one receipt event per room, holding every receipt of
// every type and user for each event.
func groupReceipts(rows []types.Receipt) map[string]*types.ReceiptEvent {
	// Later rows win where a user has receipts in several threads.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].StreamID < rows[j].StreamID
	})
	byRoom := make(map[string]*types.ReceiptEvent)
	for _, r := range rows {
		ev, ok := byRoom[r.RoomID]
		if !ok {
			ev = &types.ReceiptEvent{
				Type:    types.ReceiptEventType,
				RoomID:  r.RoomID,
				Content: make(types.ReceiptContent),
			}
			byRoom[r.RoomID] = ev
		}
		byType, ok := ev.Content[r.EventID]
		if !ok {
			byType = make(map[string]map[string]json.RawMessage)
			ev.Content[r.EventID] = byType
		}
		byUser, ok := byType[r.ReceiptType]
		if !ok {
			byUser = make(map[string]json.RawMessage)
			byType[r.ReceiptType] = byUser
		}
		byUser[r.UserID] = receiptData(r)
	}
	return byRoom
}

// receiptData returns the stored data with the thread ID attached.
func receiptData(r types.Receipt) json.RawMessage {
	data := r.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if r.ThreadID == nil {
		return data
	}
	withThread, err := sjson.SetBytes(data, "thread_id", *r.ThreadID)
	if err != nil {
		log.WithError(err).WithField("room_id", r.RoomID).Warn("Failed to attach thread ID to receipt data")
		return data
	}
	return withThread
}

func observeRead(query string, start time.Time) {
	readDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}
