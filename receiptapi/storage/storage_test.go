package storage_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/receiptstream/receiptapi/storage"
	"github.com/element-hq/receiptstream/receiptapi/storage/shared"
	"github.com/element-hq/receiptstream/receiptapi/types"
	"github.com/element-hq/receiptstream/setup/config"
	"github.com/element-hq/receiptstream/test"
)

func mustCreateDatabase(t *testing.T, dbType test.DBType) (storage.Database, func()) {
	connStr, close := test.PrepareDBConnectionString(t, dbType)
	db, err := storage.NewDatabase(&config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	})
	if err != nil {
		t.Fatalf("NewDatabase returned %s", err)
	}
	return db, close
}

type counter struct {
	next types.StreamPosition
}

func (c *counter) allocate(context.Context, *sql.Tx) (types.StreamPosition, error) {
	c.next++
	return c.next, nil
}

func ordering(i int64) *int64 {
	return &i
}

func thread(s string) *string {
	return &s
}

func write(roomID, userID, eventID string, threadID *string, eso *int64) *shared.ReceiptWrite {
	return &shared.ReceiptWrite{
		Receipt: types.Receipt{
			RoomID:              roomID,
			ReceiptType:         "m.read",
			UserID:              userID,
			ThreadID:            threadID,
			EventID:             eventID,
			InstanceName:        "master",
			EventStreamOrdering: eso,
			Data:                []byte(`{"ts":1}`),
		},
	}
}

func TestInsertReceipt(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		alloc := &counter{}

		t.Run("newer receipt replaces older one", func(t *testing.T) {
			pos, stale, err := db.InsertReceipt(ctx, write("!a:test", "@alice:test", "$e1", nil, ordering(10)), alloc.allocate)
			require.NoError(t, err)
			assert.False(t, stale)
			assert.Equal(t, types.StreamPosition(1), pos)

			pos, stale, err = db.InsertReceipt(ctx, write("!a:test", "@alice:test", "$e2", nil, ordering(20)), alloc.allocate)
			require.NoError(t, err)
			assert.False(t, stale)
			assert.Equal(t, types.StreamPosition(2), pos)

			rows, err := db.RoomReceiptsBetween(ctx, []string{"!a:test"}, 0, 10)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "$e2", rows[0].EventID)
			assert.Equal(t, types.StreamPosition(2), rows[0].StreamID)
			assert.Equal(t, "master", rows[0].InstanceName)
			assert.Nil(t, rows[0].ThreadID)
		})

		t.Run("older or equal receipt is stale", func(t *testing.T) {
			before := alloc.next
			_, stale, err := db.InsertReceipt(ctx, write("!a:test", "@alice:test", "$e0", nil, ordering(5)), alloc.allocate)
			require.NoError(t, err)
			assert.True(t, stale)
			_, stale, err = db.InsertReceipt(ctx, write("!a:test", "@alice:test", "$e2b", nil, ordering(20)), alloc.allocate)
			require.NoError(t, err)
			assert.True(t, stale)
			assert.Equal(t, before, alloc.next, "stale receipts must not allocate")

			rows, err := db.RoomReceiptsBetween(ctx, []string{"!a:test"}, 0, 10)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "$e2", rows[0].EventID)
		})

		t.Run("unknown ordering always replaces", func(t *testing.T) {
			_, stale, err := db.InsertReceipt(ctx, write("!b:test", "@alice:test", "$x1", nil, ordering(50)), alloc.allocate)
			require.NoError(t, err)
			assert.False(t, stale)
			_, stale, err = db.InsertReceipt(ctx, write("!b:test", "@alice:test", "$unknown", nil, nil), alloc.allocate)
			require.NoError(t, err)
			assert.False(t, stale)
			rows, err := db.RoomReceiptsBetween(ctx, []string{"!b:test"}, 0, 100)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "$unknown", rows[0].EventID)
			assert.Nil(t, rows[0].EventStreamOrdering)
		})

		t.Run("threads are independent", func(t *testing.T) {
			_, stale, err := db.InsertReceipt(ctx, write("!a:test", "@alice:test", "$t1", thread("$root"), ordering(15)), alloc.allocate)
			require.NoError(t, err)
			assert.False(t, stale)
			rows, err := db.UserRoomReceipts(ctx, "@alice:test", "!a:test", thread("$root"), []string{"m.read"})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "$t1", rows[0].EventID)
			require.NotNil(t, rows[0].ThreadID)
			assert.Equal(t, "$root", *rows[0].ThreadID)

			rows, err = db.UserRoomReceipts(ctx, "@alice:test", "!a:test", nil, []string{"m.read"})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "$e2", rows[0].EventID)
		})

		t.Run("graph receipt keeps every event ID", func(t *testing.T) {
			w := write("!c:test", "@bob:test", "$g2", nil, ordering(7))
			w.EventIDs = []string{"$g1", "$g2"}
			_, _, err := db.InsertReceipt(ctx, w, alloc.allocate)
			require.NoError(t, err)
			g, err := db.GraphReceipt(ctx, "!c:test", "m.read", "@bob:test", nil)
			require.NoError(t, err)
			require.NotNil(t, g)
			assert.Equal(t, []string{"$g1", "$g2"}, g.EventIDs)
		})

		t.Run("max stream IDs per writer", func(t *testing.T) {
			w := write("!d:test", "@carol:test", "$d1", nil, ordering(1))
			w.Receipt.InstanceName = "worker2"
			_, _, err := db.InsertReceipt(ctx, w, alloc.allocate)
			require.NoError(t, err)
			max, err := db.MaxStreamIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, alloc.next, max["worker2"])
			assert.Less(t, max["master"], alloc.next)

			rows, err := db.WriterReceiptsBetween(ctx, "worker2", 0, alloc.next, 10)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "$d1", rows[0].EventID)
		})

		t.Run("users between positions", func(t *testing.T) {
			users, err := db.UsersSentReceiptsBetween(ctx, 0, alloc.next)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"@alice:test", "@bob:test", "@carol:test"}, users)
			users, err = db.UsersSentReceiptsBetween(ctx, alloc.next, alloc.next)
			require.NoError(t, err)
			assert.Empty(t, users)
		})

		t.Run("recent room changes", func(t *testing.T) {
			rooms, lowest, count, err := db.RecentRoomChanges(ctx, 100)
			require.NoError(t, err)
			assert.Equal(t, 5, count)
			assert.Len(t, rooms, 4)
			assert.Greater(t, lowest, types.StreamPosition(0))
		})
	})
}

func TestRoomReceiptsManyRooms(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		alloc := &counter{}
		roomIDs := make([]string, 0, 1200)
		for i := 0; i < 1200; i++ {
			roomID := fmt.Sprintf("!room%d:test", i)
			roomIDs = append(roomIDs, roomID)
			if i%100 == 0 {
				_, _, err := db.InsertReceipt(ctx, write(roomID, "@alice:test", "$e", nil, ordering(int64(i+1))), alloc.allocate)
				require.NoError(t, err)
			}
		}
		rows, err := db.RoomReceiptsBetween(ctx, roomIDs, 0, alloc.next)
		require.NoError(t, err)
		assert.Len(t, rows, 12)
	})
}

func TestNotificationCounts(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		alloc := &counter{}

		var counters []types.NotificationCounter
		for i := int64(1); i <= 5; i++ {
			counters = append(counters, types.NotificationCounter{
				RoomID: "!a:test", UserID: "@alice:test", EventID: fmt.Sprintf("$m%d", i),
				EventStreamOrdering: i, Notifs: 1, Unreads: 1, ReceivedTS: 100,
			})
		}
		counters = append(counters, types.NotificationCounter{
			RoomID: "!a:test", UserID: "@alice:test", ThreadID: thread("$root"), EventID: "$t6",
			EventStreamOrdering: 6, Notifs: 1, Unreads: 1, Highlights: 1, ReceivedTS: 100,
		})
		require.NoError(t, db.StageNotificationCounts(ctx, counters))
		for _, c := range counters {
			assert.NotZero(t, c.ID)
		}

		counts, err := db.UnreadCounts(ctx, "@alice:test", []string{"!a:test", "!empty:test"})
		require.NoError(t, err)
		require.Contains(t, counts, "!a:test")
		assert.NotContains(t, counts, "!empty:test")
		assert.Equal(t, types.Counts{Notifs: 5, Unreads: 5}, counts["!a:test"].Main)
		assert.Equal(t, types.Counts{Notifs: 1, Unreads: 1, Highlights: 1}, counts["!a:test"].Threads["$root"])

		t.Run("aggregation respects the safety margin", func(t *testing.T) {
			res, err := db.AggregateNotificationCounts(ctx, 100, spec.Timestamp(50))
			require.NoError(t, err)
			assert.Zero(t, res.Rows)
		})

		t.Run("aggregation moves counters into rollups", func(t *testing.T) {
			res, err := db.AggregateNotificationCounts(ctx, 4, spec.Timestamp(200))
			require.NoError(t, err)
			assert.Equal(t, 4, res.Rows)
			assert.Equal(t, 1, res.Groups)
			assert.Equal(t, int64(4), res.Watermark)

			res, err = db.AggregateNotificationCounts(ctx, 4, spec.Timestamp(200))
			require.NoError(t, err)
			assert.Equal(t, 2, res.Rows)
			assert.Equal(t, 2, res.Groups)
			assert.Equal(t, int64(6), res.Watermark)

			watermark, err := db.NotificationWatermark(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(6), watermark)

			counts, err := db.UnreadCounts(ctx, "@alice:test", []string{"!a:test"})
			require.NoError(t, err)
			assert.Equal(t, types.Counts{Notifs: 5, Unreads: 5}, counts["!a:test"].Main)
			assert.Equal(t, types.Counts{Notifs: 1, Unreads: 1, Highlights: 1}, counts["!a:test"].Threads["$root"])
		})

		t.Run("threaded receipt only clears its thread", func(t *testing.T) {
			w := write("!a:test", "@alice:test", "$t6", thread("$root"), ordering(6))
			w.ClearCounters = true
			_, _, err := db.InsertReceipt(ctx, w, alloc.allocate)
			require.NoError(t, err)
			counts, err := db.UnreadCounts(ctx, "@alice:test", []string{"!a:test"})
			require.NoError(t, err)
			assert.Equal(t, types.Counts{Notifs: 5, Unreads: 5}, counts["!a:test"].Main)
			assert.NotContains(t, counts["!a:test"].Threads, "$root")
		})

		t.Run("unthreaded receipt clears covered rollups", func(t *testing.T) {
			require.NoError(t, db.StageNotificationCounts(ctx, []types.NotificationCounter{{
				RoomID: "!a:test", UserID: "@alice:test", EventID: "$m7",
				EventStreamOrdering: 7, Notifs: 1, Unreads: 1, ReceivedTS: 100,
			}}))
			w := write("!a:test", "@alice:test", "$m5", nil, ordering(5))
			w.ClearCounters = true
			_, _, err := db.InsertReceipt(ctx, w, alloc.allocate)
			require.NoError(t, err)
			counts, err := db.UnreadCounts(ctx, "@alice:test", []string{"!a:test"})
			require.NoError(t, err)
			// The rollup covers up to 5 and is cleared; the pending counter at 7 remains.
			assert.Equal(t, types.Counts{Notifs: 1, Unreads: 1}, counts["!a:test"].Main)
		})

		t.Run("purge removes everything for the room", func(t *testing.T) {
			require.NoError(t, db.PurgeRoom(ctx, "!a:test"))
			counts, err := db.UnreadCounts(ctx, "@alice:test", []string{"!a:test"})
			require.NoError(t, err)
			assert.Empty(t, counts)
			rows, err := db.RoomReceiptsBetween(ctx, []string{"!a:test"}, 0, alloc.next)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	})
}

func TestEventOrderings(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		require.NoError(t, db.RecordEventOrderings(ctx, "!a:test", map[string]int64{"$e1": 10, "$e2": 11}))
		require.NoError(t, db.RecordEventOrderings(ctx, "!b:test", map[string]int64{"$e3": 12}))
		// Orderings are never rewritten.
		require.NoError(t, db.RecordEventOrderings(ctx, "!a:test", map[string]int64{"$e1": 99}))

		got, err := db.StreamOrderingsForEvents(ctx, []string{"$e1", "$e3", "$missing"})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"$e1": 10, "$e3": 12}, got)

		require.NoError(t, db.PurgeRoom(ctx, "!a:test"))
		got, err = db.StreamOrderingsForEvents(ctx, []string{"$e1", "$e2", "$e3"})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"$e3": 12}, got)
	})
}

func TestAggregationBatchBoundaries(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		stage := func(userID string, ordering int64, receivedTS spec.Timestamp) {
			require.NoError(t, db.StageNotificationCounts(ctx, []types.NotificationCounter{{
				RoomID: "!a:test", UserID: userID, EventID: fmt.Sprintf("$e%d", ordering),
				EventStreamOrdering: ordering, Notifs: 1, Unreads: 1, ReceivedTS: receivedTS,
			}}))
		}

		t.Run("counters sharing an ordering are folded together", func(t *testing.T) {
			for _, userID := range []string{"@a:test", "@b:test", "@c:test"} {
				stage(userID, 1, 100)
			}
			res, err := db.AggregateNotificationCounts(ctx, 2, spec.Timestamp(200))
			require.NoError(t, err)
			assert.Equal(t, 3, res.Rows)
			assert.Equal(t, 3, res.Groups)
			assert.Equal(t, int64(1), res.Watermark)

			counts, err := db.UnreadCounts(ctx, "@c:test", []string{"!a:test"})
			require.NoError(t, err)
			assert.Equal(t, types.Counts{Notifs: 1, Unreads: 1}, counts["!a:test"].Main)
		})

		t.Run("a recent counter holds back later orderings", func(t *testing.T) {
			stage("@c:test", 3, 100)
			stage("@a:test", 5, 300)
			stage("@b:test", 7, 100)

			res, err := db.AggregateNotificationCounts(ctx, 10, spec.Timestamp(200))
			require.NoError(t, err)
			assert.Equal(t, 1, res.Rows)
			assert.Equal(t, int64(3), res.Watermark)

			res, err = db.AggregateNotificationCounts(ctx, 10, spec.Timestamp(200))
			require.NoError(t, err)
			assert.Zero(t, res.Rows)

			res, err = db.AggregateNotificationCounts(ctx, 10, spec.Timestamp(400))
			require.NoError(t, err)
			assert.Equal(t, 2, res.Rows)
			assert.Equal(t, int64(7), res.Watermark)

			res, err = db.AggregateNotificationCounts(ctx, 10, spec.Timestamp(400))
			require.NoError(t, err)
			assert.Zero(t, res.Rows, "no counters should be left behind")

			for userID, want := range map[string]int64{"@a:test": 2, "@b:test": 2, "@c:test": 2} {
				counts, err := db.UnreadCounts(ctx, userID, []string{"!a:test"})
				require.NoError(t, err)
				assert.Equal(t, want, counts["!a:test"].Main.Notifs, userID)
			}
		})
	})
}
