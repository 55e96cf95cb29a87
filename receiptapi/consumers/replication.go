// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/receiptstream/receiptapi/api"
	"github.com/element-hq/receiptstream/receiptapi/types"
	"github.com/element-hq/receiptstream/setup/config"
	"github.com/element-hq/receiptstream/setup/jetstream"
	"github.com/element-hq/receiptstream/setup/process"
)

// ReplicationConsumer applies receipt rows and positions published by the
// other writers of the receipt stream.
type ReplicationConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	instance  string
	receipts  api.ReceiptInternalAPI
}

// NewReplicationConsumer creates a new ReplicationConsumer. Every process
// needs to see every message, so the durable name includes the instance.
// Call Start() to begin consuming.
func NewReplicationConsumer(
	process *process.ProcessContext,
	cfg *config.ReceiptAPI,
	js nats.JetStreamContext,
	receipts api.ReceiptInternalAPI,
) *ReplicationConsumer {
	return &ReplicationConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputReceiptReplication),
		durable:   cfg.Matrix.JetStream.Durable("ReceiptReplicationConsumer_" + cfg.Matrix.InstanceName),
		instance:  cfg.Matrix.InstanceName,
		receipts:  receipts,
	}
}

// Start consuming replication messages.
func (s *ReplicationConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverNew(), nats.ManualAck(),
	)
}

func (s *ReplicationConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	writer := msg.Header.Get(jetstream.WriterID)
	if writer == s.instance {
		return true
	}
	if name := msg.Header.Get(jetstream.StreamName); name != types.ReceiptStreamName {
		log.WithField("stream", name).Warn("Ignoring replication message for unknown stream")
		return true
	}

	token, err := types.ParseMultiWriterStreamToken(msg.Header.Get(jetstream.Position))
	if err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).WithField("writer", writer).Error("receipt replication: position parse failure")
		sentry.CaptureException(err)
		return true
	}

	update := types.ReplicationUpdate{Writer: writer, Token: token}
	if raw := msg.Header.Get(jetstream.PrevPosition); raw != "" {
		prev, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			// Without a usable previous position the gap is read from the database.
			log.WithError(perr).WithField("writer", writer).Warn("receipt replication: previous position parse failure")
		} else {
			p := types.StreamPosition(prev)
			update.Prev = &p
		}
	}

	if len(msg.Data) > 0 {
		if err = json.Unmarshal(msg.Data, &update.Rows); err != nil {
			log.WithError(err).WithField("writer", writer).Error("receipt replication: message parse failure")
			sentry.CaptureException(err)
			return true
		}
	}

	log.WithFields(log.Fields{
		"writer":   writer,
		"position": token.String(),
		"rows":     len(update.Rows),
	}).Debug("Receipt replication consumer received update")

	if err = s.receipts.ProcessReplicationUpdate(ctx, update); err != nil {
		// Redeliver later rather than advance past rows we haven't seen.
		log.WithError(err).WithField("writer", writer).Error("receipt replication: failed to apply update")
		return false
	}
	return true
}
