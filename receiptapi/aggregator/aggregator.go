// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/receiptstream/receiptapi/api"
	"github.com/element-hq/receiptstream/receiptapi/storage/shared"
	"github.com/element-hq/receiptstream/setup/config"
)

// ErrAlreadyRunning is returned by Run when a previous run hasn't finished.
var ErrAlreadyRunning = errors.New("notification count aggregation is already running")

var (
	batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "receiptstream",
		Subsystem: "aggregator",
		Name:      "batches_total",
		Help:      "Notification counter batches folded into rollups",
	})
	rowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "receiptstream",
		Subsystem: "aggregator",
		Name:      "rows_total",
		Help:      "Notification counter rows folded into rollups",
	})
	failuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "receiptstream",
		Subsystem: "aggregator",
		Name:      "failures_total",
		Help:      "Aggregation runs aborted by an error",
	})
	watermarkGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "receiptstream",
		Subsystem: "aggregator",
		Name:      "watermark",
		Help:      "Event stream ordering up to which counters have been aggregated",
	})
)

func init() {
	prometheus.MustRegister(batchesTotal, rowsTotal, failuresTotal, watermarkGauge)
}

const (
	stateIdle int32 = iota
	stateRunning
)

type Database interface {
	AggregateNotificationCounts(ctx context.Context, limit int, receivedBefore spec.Timestamp) (shared.AggregationResult, error)
}

// Aggregator periodically folds per-event notification counters into one
// rollup per user, room and thread.
type Aggregator struct {
	db           Database
	batchSize    int
	batchDelay   time.Duration
	safetyMargin time.Duration
	interval     time.Duration
	now          func() time.Time
	state        atomic.Int32
}

func NewAggregator(cfg *config.NotificationCounts, db Database) *Aggregator {
	return &Aggregator{
		db:           db,
		batchSize:    cfg.BatchSize,
		batchDelay:   cfg.BatchDelay,
		safetyMargin: cfg.SafetyMargin,
		interval:     cfg.Interval,
		now:          time.Now,
	}
}

// Start registers the aggregator with the scheduler.
func (a *Aggregator) Start(scheduler api.Scheduler) {
	scheduler.LoopingCall("notification_counts_aggregation", a.interval, a.Tick)
}

// Tick runs one aggregation pass. A tick arriving during a pass does nothing.
func (a *Aggregator) Tick(ctx context.Context) {
	_, err := a.Run(ctx)
	if errors.Is(err, ErrAlreadyRunning) {
		logrus.Debug("Skipping notification count aggregation, previous run still in progress")
	}
}

// Run folds batches of counters until a batch comes back short. It stops at
// the first error, leaving the watermark where the last successful batch
// put it, and between batches when ctx is done.
func (a *Aggregator) Run(ctx context.Context) (batches int, err error) {
	if !a.state.CompareAndSwap(stateIdle, stateRunning) {
		return 0, ErrAlreadyRunning
	}
	defer a.state.Store(stateIdle)

	logger := logrus.WithField("batch_size", a.batchSize)
	for {
		receivedBefore := spec.AsTimestamp(a.now().Add(-a.safetyMargin))
		res, err := a.db.AggregateNotificationCounts(ctx, a.batchSize, receivedBefore)
		if err != nil {
			failuresTotal.Inc()
			logger.WithError(err).Error("Failed to aggregate notification counts")
			sentry.CaptureException(err)
			return batches, err
		}
		if res.Rows == 0 {
			return batches, nil
		}
		batches++
		batchesTotal.Inc()
		rowsTotal.Add(float64(res.Rows))
		watermarkGauge.Set(float64(res.Watermark))
		logger.WithFields(logrus.Fields{
			"rows":      res.Rows,
			"groups":    res.Groups,
			"watermark": res.Watermark,
		}).Debug("Aggregated notification counts")
		if res.Rows < a.batchSize {
			return batches, nil
		}

		select {
		case <-ctx.Done():
			return batches, nil
		case <-time.After(a.batchDelay):
		}
	}
}
