// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/receiptstream/receiptapi/types"
	"github.com/element-hq/receiptstream/setup/jetstream"
)

type JetStreamPublisher interface {
	PublishMsg(*nats.Msg, ...nats.PubOpt) (*nats.PubAck, error)
}

// ReplicationProducer publishes committed receipt rows and position
// heartbeats to the other processes following the receipt stream.
type ReplicationProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

// SendReceiptUpdate publishes the rows written by update.Writer together with
// the token they became visible at. An update without rows is a position
// heartbeat.
func (p *ReplicationProducer) SendReceiptUpdate(ctx context.Context, update types.ReplicationUpdate) error {
	m := nats.NewMsg(p.Topic)
	m.Header.Set(nats.MsgIdHdr, uuid.NewString())
	m.Header.Set(jetstream.StreamName, types.ReceiptStreamName)
	m.Header.Set(jetstream.WriterID, update.Writer)
	m.Header.Set(jetstream.Position, update.Token.String())
	if update.Prev != nil {
		m.Header.Set(jetstream.PrevPosition, strconv.FormatInt(int64(*update.Prev), 10))
	}
	if len(update.Rows) > 0 {
		m.Header.Set(jetstream.RoomID, update.Rows[0].RoomID)
		data, err := json.Marshal(update.Rows)
		if err != nil {
			return err
		}
		m.Data = data
	}

	log.WithFields(log.Fields{
		"writer":   update.Writer,
		"position": update.Token.String(),
		"rows":     len(update.Rows),
	}).Tracef("Producing to topic '%s'", p.Topic)

	_, err := p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}
