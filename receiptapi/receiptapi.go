// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package receiptapi

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/receiptstream/internal/caching"
	"github.com/element-hq/receiptstream/receiptapi/aggregator"
	"github.com/element-hq/receiptstream/receiptapi/api"
	"github.com/element-hq/receiptstream/receiptapi/changecache"
	"github.com/element-hq/receiptstream/receiptapi/consumers"
	"github.com/element-hq/receiptstream/receiptapi/internal"
	"github.com/element-hq/receiptstream/receiptapi/producers"
	"github.com/element-hq/receiptstream/receiptapi/storage"
	"github.com/element-hq/receiptstream/receiptapi/streamid"
	"github.com/element-hq/receiptstream/receiptapi/types"
	"github.com/element-hq/receiptstream/setup/config"
	"github.com/element-hq/receiptstream/setup/jetstream"
	"github.com/element-hq/receiptstream/setup/process"
)

// NewInternalAPI returns a concrete implementation of the internal API.
// If orderings is nil, event stream orderings are read from the orderings
// the event persister records in the database.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.ReceiptStream,
	natsInstance *jetstream.NATSInstance,
	caches *caching.Caches,
	orderings api.EventOrderings,
) *internal.ReceiptInternalAPI {
	ctx := processContext.Context()
	receiptCfg := &cfg.ReceiptAPI
	instance := cfg.Global.InstanceName

	db, err := storage.NewDatabase(&cfg.Global.DatabaseOptions)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to receipt db")
	}

	seed, err := db.MaxStreamIDs(ctx)
	if err != nil {
		logrus.WithError(err).Panicf("failed to load receipt stream positions")
	}
	seq := db.Sequence()
	if seq == nil {
		var max types.StreamPosition
		for _, pos := range seed {
			if pos > max {
				max = pos
			}
		}
		seq = streamid.NewLocalSequence(max)
	}
	allocator := streamid.NewAllocator(types.ReceiptStreamName, instance, receiptCfg.StreamWriters(), seq, seed)

	recent, lowest, count, err := db.RecentRoomChanges(ctx, receiptCfg.ChangeCacheSize)
	if err != nil {
		logrus.WithError(err).Panicf("failed to prefill receipt change cache")
	}
	var earliest types.StreamPosition
	if count == receiptCfg.ChangeCacheSize {
		// Older rows may have been left out.
		earliest = lowest
	}
	changeCache := changecache.New("receipts", receiptCfg.ChangeCacheSize, earliest, recent)

	if orderings == nil {
		orderings = db
	}
	orderings = &internal.CachedOrderings{Orderings: orderings, Cache: caches.EventStreamOrderings}

	js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	a := &internal.ReceiptInternalAPI{
		DB:            db,
		ServerName:    cfg.Global.ServerName,
		Allocator:     allocator,
		ChangeCache:   changeCache,
		Caches:        caches,
		Linearizer:    &internal.OrderingLinearizer{Orderings: orderings},
		Orderings:     orderings,
		IsUnread:      api.DefaultUnreadPredicate,
		AllRoomsLimit: receiptCfg.AllRoomsLimit,
		Replicator: &producers.ReplicationProducer{
			Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputReceiptReplication),
			JetStream: js,
		},
	}

	consumer := consumers.NewReplicationConsumer(processContext, receiptCfg, js, a)
	if err = consumer.Start(); err != nil {
		logrus.WithError(err).Panic("failed to start receipt replication consumer")
	}

	if receiptCfg.IsWriter() {
		processContext.LoopingCall("receipt_position_heartbeat", receiptCfg.PositionHeartbeatInterval, a.SendPositionHeartbeat)
	}

	if receiptCfg.NotificationCounts.Enabled {
		aggregator.NewAggregator(&receiptCfg.NotificationCounts, db).Start(processContext)
	}

	logrus.WithFields(logrus.Fields{
		"instance": instance,
		"writer":   receiptCfg.IsWriter(),
		"position": allocator.CurrentToken().String(),
	}).Info("Receipt stream started")
	return a
}
