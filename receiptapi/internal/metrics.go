// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

var receiptsInserted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "receiptstream",
		Subsystem: "receiptapi",
		Name:      "receipts_inserted_total",
		Help:      "Receipt writes by outcome: persisted, stale or error",
	},
	[]string{"outcome"},
)

var replicationRowsApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "receiptstream",
		Subsystem: "receiptapi",
		Name:      "replication_rows_total",
		Help:      "Receipt rows applied from other writers",
	},
	[]string{"writer"},
)

var readDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "receiptstream",
		Subsystem: "receiptapi",
		Name:      "read_duration_seconds",
		Help:      "Time taken to answer receipt stream reads",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	},
	[]string{"query"},
)

const (
	outcomePersisted = "persisted"
	outcomeStale     = "stale"
	outcomeError     = "error"
)

func init() {
	prometheus.MustRegister(receiptsInserted, replicationRowsApplied, readDuration)
}
