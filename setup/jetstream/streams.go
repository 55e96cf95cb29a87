// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"
)

const (
	StreamName = "stream_name"
	WriterID   = "writer_id"
	Position   = "position"
	// PrevPosition is the writer position the previous message advanced to.
	PrevPosition = "prev_position"
	RoomID       = "room_id"
)

var (
	OutputReceiptReplication = "OutputReceiptReplication"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputReceiptReplication,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		// Every process reloads its view from the database on start-up, so
		// replication only has to bridge the gap between live processes.
		MaxAge: time.Hour,
	},
}
