// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

const (
	// maxPendingReplicationRows bounds the outbox while the bus is down.
	// Followers read anything dropped from the database instead.
	maxPendingReplicationRows = 10000
	// replicationFillLimit is the page size used when a follower reads
	// missed rows from the database.
	replicationFillLimit = 500
)

// replicationOutbox holds locally committed rows until a message covering
// them has been published. published is the writer position the last
// successful message advanced followers to.
type replicationOutbox struct {
	sendMu    sync.Mutex // serialises publishing
	published *types.StreamPosition

	mu         sync.Mutex
	pending    []types.ReplicationRow
	overflowed bool
}

// queueReplication adds a committed row to the outbox. It must be called
// before the row's allocation is finished so that no published position can
// cover a row which is not yet queued.
func (a *ReceiptInternalAPI) queueReplication(row types.ReplicationRow) {
	if a.Replicator == nil {
		return
	}
	o := &a.outbox
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) >= maxPendingReplicationRows {
		o.pending = nil
		o.overflowed = true
	}
	o.pending = append(o.pending, row)
}

// flushReplication publishes every queued row at or below this writer's
// persisted position, along with that position. Rows stay queued until a
// publish succeeds.
func (a *ReceiptInternalAPI) flushReplication(ctx context.Context) error {
	if a.Replicator == nil {
		return nil
	}
	o := &a.outbox
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	token := a.Allocator.CurrentToken()
	pos := token.PositionForWriter(a.Allocator.Instance())

	o.mu.Lock()
	if o.overflowed {
		// Rows were dropped, so followers can't trust the message alone.
		o.published = nil
		o.overflowed = false
	}
	var rows []types.ReplicationRow
	for _, row := range o.pending {
		if row.StreamID <= pos {
			rows = append(rows, row)
		}
	}
	o.mu.Unlock()

	update := types.ReplicationUpdate{
		Writer: a.Allocator.Instance(),
		Prev:   o.published,
		Token:  token,
		Rows:   rows,
	}
	if err := a.Replicator.SendReceiptUpdate(ctx, update); err != nil {
		return err
	}
	o.published = &pos

	o.mu.Lock()
	remaining := make([]types.ReplicationRow, 0, len(o.pending))
	for _, row := range o.pending {
		if row.StreamID > pos {
			remaining = append(remaining, row)
		}
	}
	o.pending = remaining
	o.mu.Unlock()
	return nil
}

// SendPositionHeartbeat tells the other processes how far this writer has
// got, so that an idle writer doesn't hold back their floor. Rows left over
// from a failed publish go out with it.
func (a *ReceiptInternalAPI) SendPositionHeartbeat(ctx context.Context) {
	if !a.Allocator.IsWriter() || a.Replicator == nil {
		return
	}
	if err := a.flushReplication(ctx); err != nil {
		log.WithError(err).WithField("position", a.Allocator.CurrentToken().String()).Warn("Failed to send receipt stream position")
	}
}

// ProcessReplicationUpdate applies an update from another writer. If the
// update does not follow on from the last position seen for that writer,
// the missing rows are read from the database first. Caches are updated
// before the writer's position moves, so a reader which sees the new
// position also sees the rows.
func (a *ReceiptInternalAPI) ProcessReplicationUpdate(ctx context.Context, update types.ReplicationUpdate) error {
	writer := update.Writer
	if writer == a.Allocator.Instance() {
		return nil
	}
	a.followMu.Lock()
	defer a.followMu.Unlock()

	known := a.Allocator.PositionForWriter(writer)
	target := update.Token.PositionForWriter(writer)
	if target <= known {
		return nil
	}

	if update.Prev == nil || *update.Prev != known {
		from := known
		for {
			rows, next, limited, err := a.UpdatedReceiptsForReplication(ctx, writer, from, target, replicationFillLimit)
			if err != nil {
				return fmt.Errorf("a.UpdatedReceiptsForReplication: %w", err)
			}
			a.applyReplicationRows(writer, rows)
			if !limited {
				break
			}
			from = next
		}
		log.WithFields(log.Fields{
			"writer": writer,
			"from":   known,
			"to":     target,
		}).Debug("Filled receipt replication gap from the database")
	}

	a.applyReplicationRows(writer, update.Rows)
	a.Allocator.Advance(writer, target)
	return nil
}

func (a *ReceiptInternalAPI) applyReplicationRows(writer string, rows []types.ReplicationRow) {
	for _, row := range rows {
		a.ChangeCache.RecordChange(row.RoomID, row.StreamID)
		a.invalidateReceipt(row.RoomID, row.UserID, row.ReceiptType)
	}
	if len(rows) > 0 {
		replicationRowsApplied.WithLabelValues(writer).Add(float64(len(rows)))
	}
}
