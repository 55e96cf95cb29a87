package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/receiptstream/receiptapi/storage"
	"github.com/element-hq/receiptstream/receiptapi/storage/shared"
	"github.com/element-hq/receiptstream/receiptapi/types"
	"github.com/element-hq/receiptstream/setup/config"
	"github.com/element-hq/receiptstream/test"
)

// fakeDatabase hands out pending rows in batches and fails on request.
type fakeDatabase struct {
	mu        sync.Mutex
	pending   int
	watermark int64
	calls     int
	failOn    int
	block     chan struct{}
	entered   chan struct{}
	cutoffs   []spec.Timestamp
}

func (d *fakeDatabase) AggregateNotificationCounts(ctx context.Context, limit int, receivedBefore spec.Timestamp) (shared.AggregationResult, error) {
	if d.entered != nil {
		close(d.entered)
		d.entered = nil
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.cutoffs = append(d.cutoffs, receivedBefore)
	if d.failOn == d.calls {
		return shared.AggregationResult{}, errors.New("deadlock detected")
	}
	n := limit
	if d.pending < n {
		n = d.pending
	}
	d.pending -= n
	d.watermark += int64(n)
	return shared.AggregationResult{Rows: n, Groups: 1, Watermark: d.watermark}, nil
}

func newTestAggregator(db Database) *Aggregator {
	cfg := &config.NotificationCounts{}
	cfg.Defaults()
	cfg.BatchDelay = time.Millisecond
	a := NewAggregator(cfg, db)
	a.now = func() time.Time {
		return time.UnixMilli(10 * 3600 * 1000)
	}
	return a
}

func TestRunFoldsInBatches(t *testing.T) {
	db := &fakeDatabase{pending: 2500}
	a := newTestAggregator(db)
	before := testutil.ToFloat64(batchesTotal)

	batches, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, batches)
	assert.Equal(t, 3, db.calls)
	assert.Equal(t, int64(2500), db.watermark)
	assert.Equal(t, float64(3), testutil.ToFloat64(batchesTotal)-before)
	assert.Equal(t, float64(2500), testutil.ToFloat64(watermarkGauge))

	// Counters younger than the safety margin are left alone.
	for _, cutoff := range db.cutoffs {
		assert.Equal(t, spec.Timestamp(9*3600*1000), cutoff)
	}
}

func TestRunStopsOnEmptyBatch(t *testing.T) {
	db := &fakeDatabase{pending: 2000}
	a := newTestAggregator(db)
	batches, err := a.Run(context.Background())
	require.NoError(t, err)
	// The second batch is full, so one more query finds nothing.
	assert.Equal(t, 2, batches)
	assert.Equal(t, 3, db.calls)
}

func TestRunFailureKeepsWatermark(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	db := &fakeDatabase{pending: 2500, failOn: 2}
	a := newTestAggregator(db)
	before := testutil.ToFloat64(failuresTotal)

	batches, err := a.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, batches)
	assert.Equal(t, int64(1000), db.watermark)
	assert.Equal(t, float64(1), testutil.ToFloat64(failuresTotal)-before)

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "Failed to aggregate notification counts" {
			logged = true
		}
	}
	assert.True(t, logged, "expected the failure to be logged")

	// The next run resumes from the same watermark.
	db.failOn = 0
	batches, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, batches)
	assert.Equal(t, int64(2500), db.watermark)
}

func TestRunIsNotReentrant(t *testing.T) {
	db := &fakeDatabase{pending: 10, block: make(chan struct{}), entered: make(chan struct{})}
	entered := db.entered
	a := newTestAggregator(db)

	done := make(chan error)
	go func() {
		_, err := a.Run(context.Background())
		done <- err
	}()
	<-entered

	_, err := a.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	a.Tick(context.Background())

	close(db.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, db.calls)

	// Once finished, a new run may start.
	_, err = a.Run(context.Background())
	assert.NoError(t, err)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	db := &fakeDatabase{pending: 5000}
	a := newTestAggregator(db)
	a.batchDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batches, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
}

type recordingScheduler struct {
	name     string
	interval time.Duration
}

func (s *recordingScheduler) LoopingCall(name string, interval time.Duration, f func(ctx context.Context)) {
	s.name = name
	s.interval = interval
}

func TestStartRegistersLoopingCall(t *testing.T) {
	s := &recordingScheduler{}
	newTestAggregator(&fakeDatabase{}).Start(s)
	assert.Equal(t, "notification_counts_aggregation", s.name)
	assert.Equal(t, 30*time.Second, s.interval)
}

func TestAggregateStoredCounters(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		connStr, close := test.PrepareDBConnectionString(t, dbType)
		defer close()
		db, err := storage.NewDatabase(&config.DatabaseOptions{ConnectionString: config.DataSource(connStr)})
		require.NoError(t, err)

		users := []string{"@alice:test", "@bob:test"}
		rooms := []string{"!a:test", "!b:test", "!c:test"}
		counters := make([]types.NotificationCounter, 0, 2500)
		want := map[string]int64{}
		for i := 0; i < 2500; i++ {
			c := types.NotificationCounter{
				UserID:              users[i%len(users)],
				RoomID:              rooms[i%len(rooms)],
				EventID:             fmt.Sprintf("$e%d", i),
				EventStreamOrdering: int64(i + 1),
				Notifs:              1,
				Unreads:             1,
				ReceivedTS:          1,
			}
			counters = append(counters, c)
			want[c.UserID+c.RoomID]++
		}
		require.NoError(t, db.StageNotificationCounts(ctx, counters))

		a := newTestAggregator(db)
		batches, err := a.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, batches)

		watermark, err := db.NotificationWatermark(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2500), watermark)

		res, err := db.AggregateNotificationCounts(ctx, 1000, spec.AsTimestamp(time.Now()))
		require.NoError(t, err)
		assert.Zero(t, res.Rows, "no counters should remain")

		for _, userID := range users {
			counts, err := db.UnreadCounts(ctx, userID, rooms)
			require.NoError(t, err)
			for _, roomID := range rooms {
				require.Contains(t, counts, roomID)
				assert.Equal(t, want[userID+roomID], counts[roomID].Main.Notifs, "%s in %s", userID, roomID)
			}
		}
	})
}

func TestAggregateTiedOrderings(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		connStr, close := test.PrepareDBConnectionString(t, dbType)
		defer close()
		db, err := storage.NewDatabase(&config.DatabaseOptions{ConnectionString: config.DataSource(connStr)})
		require.NoError(t, err)

		// One notifiable event fans out to a counter per member.
		users := []string{"@a:test", "@b:test", "@c:test"}
		counters := make([]types.NotificationCounter, 0, len(users))
		for _, userID := range users {
			counters = append(counters, types.NotificationCounter{
				UserID: userID, RoomID: "!a:test", EventID: "$e1",
				EventStreamOrdering: 1, Notifs: 1, Unreads: 1, ReceivedTS: 1,
			})
		}
		require.NoError(t, db.StageNotificationCounts(ctx, counters))

		a := newTestAggregator(db)
		a.batchSize = 2
		batches, err := a.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, batches)

		watermark, err := db.NotificationWatermark(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), watermark)

		res, err := db.AggregateNotificationCounts(ctx, 2, spec.AsTimestamp(time.Now()))
		require.NoError(t, err)
		assert.Zero(t, res.Rows, "every counter at the ordering should have been folded")

		for _, userID := range users {
			counts, err := db.UnreadCounts(ctx, userID, []string{"!a:test"})
			require.NoError(t, err)
			require.Contains(t, counts, "!a:test")
			assert.Equal(t, int64(1), counts["!a:test"].Main.Notifs, userID)
		}
	})
}
