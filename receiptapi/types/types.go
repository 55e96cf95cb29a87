// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// StreamPosition represents the offset in the receipts stream.
type StreamPosition int64

func (p StreamPosition) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// ReceiptStreamName identifies the receipts stream on the replication bus.
const ReceiptStreamName = "receipts"

// ReceiptEventType is the type of the synthetic events returned to sync.
const ReceiptEventType = "m.receipt"

var ErrMalformedToken = errors.New("malformed stream token")

// MultiWriterStreamToken is a position in a stream written by several
// writers. Stream is the floor: every writer has committed everything at or
// below it. InstanceMap only carries writers which are known to be ahead of
// the floor.
type MultiWriterStreamToken struct {
	Stream      StreamPosition
	InstanceMap map[string]StreamPosition
}

// NewMultiWriterStreamToken builds a token, dropping instance entries which
// are not ahead of the floor.
func NewMultiWriterStreamToken(stream StreamPosition, instances map[string]StreamPosition) MultiWriterStreamToken {
	t := MultiWriterStreamToken{Stream: stream}
	for writer, pos := range instances {
		if pos <= stream {
			continue
		}
		if t.InstanceMap == nil {
			t.InstanceMap = make(map[string]StreamPosition, len(instances))
		}
		t.InstanceMap[writer] = pos
	}
	return t
}

// PositionForWriter returns the position the token records for the writer,
// falling back to the floor.
func (t MultiWriterStreamToken) PositionForWriter(writer string) StreamPosition {
	if pos, ok := t.InstanceMap[writer]; ok {
		return pos
	}
	return t.Stream
}

// MaxStreamPos is the highest position of any writer in the token.
func (t MultiWriterStreamToken) MaxStreamPos() StreamPosition {
	max := t.Stream
	for _, pos := range t.InstanceMap {
		if pos > max {
			max = pos
		}
	}
	return max
}

// IsBefore reports whether every writer position in t is at or below other.
func (t MultiWriterStreamToken) IsBefore(other MultiWriterStreamToken) bool {
	if t.Stream > other.Stream {
		return false
	}
	for writer, pos := range t.InstanceMap {
		if pos > other.PositionForWriter(writer) {
			return false
		}
	}
	return true
}

// String encodes the token as "s<stream>" or, when writers are ahead of the
// floor, "m<stream>~<writer>.<pos>~..." with writers sorted by name.
func (t MultiWriterStreamToken) String() string {
	if len(t.InstanceMap) == 0 {
		return "s" + t.Stream.String()
	}
	writers := make([]string, 0, len(t.InstanceMap))
	for writer := range t.InstanceMap {
		writers = append(writers, writer)
	}
	sort.Strings(writers)
	var b strings.Builder
	b.WriteString("m")
	b.WriteString(t.Stream.String())
	for _, writer := range writers {
		b.WriteString("~")
		b.WriteString(writer)
		b.WriteString(".")
		b.WriteString(t.InstanceMap[writer].String())
	}
	return b.String()
}

func (t MultiWriterStreamToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MultiWriterStreamToken) UnmarshalText(text []byte) error {
	parsed, err := ParseMultiWriterStreamToken(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseMultiWriterStreamToken reverses MultiWriterStreamToken.String.
func ParseMultiWriterStreamToken(s string) (MultiWriterStreamToken, error) {
	if len(s) < 2 {
		return MultiWriterStreamToken{}, fmt.Errorf("%w: %q", ErrMalformedToken, s)
	}
	switch s[0] {
	case 's':
		stream, err := parsePosition(s[1:])
		if err != nil {
			return MultiWriterStreamToken{}, fmt.Errorf("%w: %q", ErrMalformedToken, s)
		}
		return MultiWriterStreamToken{Stream: stream}, nil
	case 'm':
		parts := strings.Split(s[1:], "~")
		stream, err := parsePosition(parts[0])
		if err != nil || len(parts) < 2 {
			return MultiWriterStreamToken{}, fmt.Errorf("%w: %q", ErrMalformedToken, s)
		}
		instances := make(map[string]StreamPosition, len(parts)-1)
		for _, part := range parts[1:] {
			dot := strings.LastIndexByte(part, '.')
			if dot < 1 {
				return MultiWriterStreamToken{}, fmt.Errorf("%w: %q", ErrMalformedToken, s)
			}
			pos, err := parsePosition(part[dot+1:])
			if err != nil {
				return MultiWriterStreamToken{}, fmt.Errorf("%w: %q", ErrMalformedToken, s)
			}
			if _, dup := instances[part[:dot]]; dup {
				return MultiWriterStreamToken{}, fmt.Errorf("%w: %q: duplicate writer", ErrMalformedToken, s)
			}
			instances[part[:dot]] = pos
		}
		return NewMultiWriterStreamToken(stream, instances), nil
	default:
		return MultiWriterStreamToken{}, fmt.Errorf("%w: %q", ErrMalformedToken, s)
	}
}

func parsePosition(s string) (StreamPosition, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil || i < 0 {
		return 0, ErrMalformedToken
	}
	return StreamPosition(i), nil
}

// IsStreamPositionInRange reports whether a row written by writer at pos
// falls inside (from, to]. A nil from means the range is open at the bottom.
func IsStreamPositionInRange(from *MultiWriterStreamToken, to MultiWriterStreamToken, writer string, pos StreamPosition) bool {
	if from != nil && pos <= from.PositionForWriter(writer) {
		return false
	}
	return pos <= to.PositionForWriter(writer)
}

// PersistedPosition is returned from a successful receipt write.
type PersistedPosition struct {
	Writer   string
	Position StreamPosition
}

// Receipt is a linearized receipt row.
type Receipt struct {
	RoomID              string
	ReceiptType         string
	UserID              string
	ThreadID            *string
	EventID             string
	StreamID            StreamPosition
	InstanceName        string
	EventStreamOrdering *int64
	Data                json.RawMessage
}

// GraphReceipt preserves the set of events a receipt was sent for.
type GraphReceipt struct {
	RoomID      string          `json:"room_id"`
	ReceiptType string          `json:"receipt_type"`
	UserID      string          `json:"user_id"`
	ThreadID    *string         `json:"thread_id,omitempty"`
	EventIDs    []string        `json:"event_ids"`
	Data        json.RawMessage `json:"data"`
}

// ReplicationUpdate carries every row Writer committed after Prev, up to
// Writer's position in Token. Prev is nil when the sender does not know what
// it last published, in which case followers read the gap from the database.
type ReplicationUpdate struct {
	Writer string
	Prev   *StreamPosition
	Token  MultiWriterStreamToken
	Rows   []ReplicationRow
}

// ReceiptOrdering is an acknowledged event and its stream ordering.
type ReceiptOrdering struct {
	EventID        string `json:"event_id"`
	StreamOrdering int64  `json:"stream_ordering"`
}

// ReceiptContent is keyed by event ID, then receipt type, then user ID.
type ReceiptContent map[string]map[string]map[string]json.RawMessage

// ReceiptEvent is the m.receipt event delivered to sync for one room.
type ReceiptEvent struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"room_id"`
	Content ReceiptContent `json:"content"`
}

// ReplicationRow is a receipt row as sent over the replication bus.
type ReplicationRow struct {
	StreamID    StreamPosition  `json:"stream_id"`
	RoomID      string          `json:"room_id"`
	ReceiptType string          `json:"receipt_type"`
	UserID      string          `json:"user_id"`
	EventID     string          `json:"event_id"`
	ThreadID    *string         `json:"thread_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// NotificationCounter is one per-event notification delta staged by the
// event persister.
type NotificationCounter struct {
	ID                  int64
	RoomID              string
	UserID              string
	ThreadID            *string
	EventID             string
	EventStreamOrdering int64
	Notifs              int64
	Unreads             int64
	Highlights          int64
	ReceivedTS          spec.Timestamp
}

// Counts holds notification totals.
type Counts struct {
	Notifs     int64 `json:"notification_count"`
	Unreads    int64 `json:"unread_count"`
	Highlights int64 `json:"highlight_count"`
}

func (c *Counts) Add(o Counts) {
	c.Notifs += o.Notifs
	c.Unreads += o.Unreads
	c.Highlights += o.Highlights
}

func (c Counts) IsZero() bool {
	return c.Notifs == 0 && c.Unreads == 0 && c.Highlights == 0
}

// NotificationRollup is the aggregated counts for a (user, room, thread).
type NotificationRollup struct {
	UserID              string
	RoomID              string
	ThreadID            *string
	Counts              Counts
	EventStreamOrdering int64
}

// UnreadCounts is the per-room result of an unread count query. Main covers
// the unthreaded timeline.
type UnreadCounts struct {
	Main    Counts            `json:"main"`
	Threads map[string]Counts `json:"threads,omitempty"`
}

// ThreadKey maps an optional thread ID onto its storage form.
func ThreadKey(threadID *string) string {
	if threadID == nil {
		return ""
	}
	return *threadID
}

// ThreadFromKey is the inverse of ThreadKey.
func ThreadFromKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}
