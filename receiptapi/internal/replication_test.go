package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/receiptstream/receiptapi/streamid"
	"github.com/element-hq/receiptstream/receiptapi/types"
	"github.com/element-hq/receiptstream/test"
)

func TestUpdatedReceiptsForReplication(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		a := newTestAPI(db, "w1", []string{"w1"}, streamid.NewLocalSequence(0))

		for _, userID := range []string{alice, bob, carol} {
			_, err := a.InsertReceipt(ctx, roomA, "m.read", userID, []string{"$e1"}, nil, nil)
			require.NoError(t, err)
		}
		current := a.PositionForWriter("w1")
		require.Equal(t, types.StreamPosition(3), current)

		rows, next, limited, err := a.UpdatedReceiptsForReplication(ctx, "w1", 0, current, 2)
		require.NoError(t, err)
		assert.True(t, limited)
		assert.Equal(t, types.StreamPosition(2), next)
		require.Len(t, rows, 2)
		assert.Equal(t, alice, rows[0].UserID)
		assert.Equal(t, bob, rows[1].UserID)

		rows, next, limited, err = a.UpdatedReceiptsForReplication(ctx, "w1", next, current, 2)
		require.NoError(t, err)
		assert.False(t, limited)
		assert.Equal(t, current, next)
		require.Len(t, rows, 1)
		assert.Equal(t, carol, rows[0].UserID)
		assert.Equal(t, "$e1", rows[0].EventID)

		rows, next, limited, err = a.UpdatedReceiptsForReplication(ctx, "w1", current, current, 2)
		require.NoError(t, err)
		assert.False(t, limited)
		assert.Equal(t, current, next)
		assert.Empty(t, rows)

		rows, _, _, err = a.UpdatedReceiptsForReplication(ctx, "w2", 0, current, 2)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestProcessReplicationUpdate(t *testing.T) {
	ctx := context.Background()
	reader := newTestAPI(nil, "reader", []string{"w1"}, streamid.NewLocalSequence(0))
	invalidator := &recordingInvalidator{}
	reader.Invalidator = invalidator

	assert.False(t, reader.ChangeCache.HasChanged(roomA, 0))
	prev := types.StreamPosition(0)
	require.NoError(t, reader.ProcessReplicationUpdate(ctx, types.ReplicationUpdate{
		Writer: "w1",
		Prev:   &prev,
		Token:  types.MultiWriterStreamToken{Stream: 4},
		Rows: []types.ReplicationRow{
			{StreamID: 4, RoomID: roomA, ReceiptType: "m.read", UserID: alice, EventID: "$e1"},
		},
	}))

	assert.True(t, reader.ChangeCache.HasChanged(roomA, 3))
	assert.False(t, reader.ChangeCache.HasChanged(roomB, 0))
	assert.Equal(t, types.StreamPosition(4), reader.PositionForWriter("w1"))
	assert.Equal(t, "s4", reader.CurrentToken().String())
	assert.Equal(t, []string{roomA}, invalidator.keys["linearized_receipts_for_room"])

	// Positions never go backwards.
	require.NoError(t, reader.ProcessReplicationUpdate(ctx, types.ReplicationUpdate{
		Writer: "w1", Prev: &prev, Token: types.MultiWriterStreamToken{Stream: 2},
	}))
	assert.Equal(t, types.StreamPosition(4), reader.PositionForWriter("w1"))
	prev = 4
	require.NoError(t, reader.ProcessReplicationUpdate(ctx, types.ReplicationUpdate{
		Writer: "w1",
		Prev:   &prev,
		Token:  types.MultiWriterStreamToken{Stream: 3, InstanceMap: map[string]types.StreamPosition{"w1": 9}},
	}))
	assert.Equal(t, types.StreamPosition(9), reader.PositionForWriter("w1"))

	// Updates about ourselves are ignored.
	require.NoError(t, reader.ProcessReplicationUpdate(ctx, types.ReplicationUpdate{
		Writer: "reader", Token: types.MultiWriterStreamToken{Stream: 20},
	}))
	assert.Equal(t, types.StreamPosition(9), reader.PositionForWriter("w1"))
}

func TestSendPositionHeartbeat(t *testing.T) {
	ctx := context.Background()
	writer := newTestAPI(nil, "w1", []string{"w1", "w2"}, streamid.NewLocalSequence(0))
	replicator := &recordingReplicator{}
	writer.Replicator = replicator

	prev := types.StreamPosition(0)
	require.NoError(t, writer.ProcessReplicationUpdate(ctx, types.ReplicationUpdate{
		Writer: "w2",
		Prev:   &prev,
		Token:  types.NewMultiWriterStreamToken(0, map[string]types.StreamPosition{"w2": 7}),
	}))
	writer.SendPositionHeartbeat(ctx)
	sent := replicator.updates()
	require.Len(t, sent, 1)
	// An idle writer catches up with the highest position it has seen.
	assert.Equal(t, types.StreamPosition(7), sent[0].Token.PositionForWriter("w1"))
	assert.Empty(t, sent[0].Rows)

	writer.SendPositionHeartbeat(ctx)
	sent = replicator.updates()
	require.Len(t, sent, 2)
	require.NotNil(t, sent[1].Prev)
	assert.Equal(t, types.StreamPosition(7), *sent[1].Prev)

	reader := newTestAPI(nil, "reader", []string{"w1"}, streamid.NewLocalSequence(0))
	reader.Replicator = replicator
	reader.SendPositionHeartbeat(ctx)
	assert.Len(t, replicator.updates(), 2, "readers have no position to send")
}

func TestFailedPublishIsSentWithNextHeartbeat(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		writers := []string{"w1"}
		seq := streamid.NewLocalSequence(0)
		w1 := newTestAPI(db, "w1", writers, seq)
		replicator := &recordingReplicator{err: errors.New("nats: timeout")}
		w1.Replicator = replicator

		pos, err := w1.InsertReceipt(ctx, roomA, "m.read", alice, []string{"$e1"}, nil, nil)
		require.NoError(t, err, "publishing is retried, so the write still succeeds")
		require.NotNil(t, pos)
		w1.SendPositionHeartbeat(ctx)
		assert.Empty(t, replicator.updates())

		replicator.setErr(nil)
		w1.SendPositionHeartbeat(ctx)
		sent := replicator.updates()
		require.Len(t, sent, 1)
		assert.Equal(t, pos.Position, sent[0].Token.PositionForWriter("w1"))
		require.Len(t, sent[0].Rows, 1, "the heartbeat carries the row it announces")
		assert.Equal(t, pos.Position, sent[0].Rows[0].StreamID)

		// A follower applying the heartbeat sees the receipt.
		follower := newTestAPI(db, "reader", writers, seq)
		before := follower.CurrentToken()
		require.NoError(t, follower.ProcessReplicationUpdate(ctx, sent[0]))
		events, err := follower.ReceiptsForRooms(ctx, []string{roomA}, follower.CurrentToken(), &before)
		require.NoError(t, err)
		assert.Equal(t, map[string]map[string]string{roomA: {alice: "$e1"}}, receiptsByRoom(events))

		// Nothing is sent twice.
		w1.SendPositionHeartbeat(ctx)
		sent = replicator.updates()
		require.Len(t, sent, 2)
		assert.Empty(t, sent[1].Rows)
		require.NotNil(t, sent[1].Prev)
		assert.Equal(t, pos.Position, *sent[1].Prev)
	})
}

func TestReplicationGapFilledFromDatabase(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		writers := []string{"w1", "w2"}
		seq := streamid.NewLocalSequence(0)
		w1 := newTestAPI(db, "w1", writers, seq)
		w2 := newTestAPI(db, "w2", writers, seq)
		replicator := &recordingReplicator{}
		w1.Replicator = replicator
		rooms := []string{roomA, roomB}

		_, err := w1.InsertReceipt(ctx, roomA, "m.read", alice, []string{"$e1"}, nil, nil)
		require.NoError(t, err)
		_, err = w1.InsertReceipt(ctx, roomB, "m.read", bob, []string{"$e1"}, nil, nil)
		require.NoError(t, err)
		sent := replicator.updates()
		require.Len(t, sent, 2)

		// The first message never reaches w2.
		before := w2.CurrentToken()
		require.NoError(t, w2.ProcessReplicationUpdate(ctx, sent[1]))
		assert.Equal(t, types.StreamPosition(2), w2.PositionForWriter("w1"))
		assert.True(t, w2.ChangeCache.HasChanged(roomA, before.PositionForWriter("w1")))

		events, err := w2.ReceiptsForRooms(ctx, rooms, w2.CurrentToken(), &before)
		require.NoError(t, err)
		assert.Equal(t, map[string]map[string]string{
			roomA: {alice: "$e1"},
			roomB: {bob: "$e1"},
		}, receiptsByRoom(events))

		// A sender which has lost track of what it published is filled from
		// the database as well.
		_, err = w1.InsertReceipt(ctx, roomA, "m.read", bob, []string{"$e1"}, nil, nil)
		require.NoError(t, err)
		before = w2.CurrentToken()
		require.NoError(t, w2.ProcessReplicationUpdate(ctx, types.ReplicationUpdate{
			Writer: "w1",
			Token:  w1.CurrentToken(),
		}))
		events, err = w2.ReceiptsForRooms(ctx, rooms, w2.CurrentToken(), &before)
		require.NoError(t, err)
		assert.Equal(t, map[string]map[string]string{roomA: {bob: "$e1"}}, receiptsByRoom(events))
	})
}

func TestReplicationOutboxOverflow(t *testing.T) {
	ctx := context.Background()
	writer := newTestAPI(nil, "w1", []string{"w1"}, streamid.NewLocalSequence(0))
	replicator := &recordingReplicator{}
	writer.Replicator = replicator

	writer.SendPositionHeartbeat(ctx)
	require.Len(t, replicator.updates(), 1)

	for i := 0; i <= maxPendingReplicationRows; i++ {
		writer.queueReplication(types.ReplicationRow{StreamID: types.StreamPosition(i + 1), RoomID: roomA})
	}
	writer.outbox.mu.Lock()
	assert.Len(t, writer.outbox.pending, 1)
	writer.outbox.mu.Unlock()

	// Rows were dropped, so followers are told to read from the database.
	writer.SendPositionHeartbeat(ctx)
	sent := replicator.updates()
	require.Len(t, sent, 2)
	assert.Nil(t, sent[1].Prev)
}
