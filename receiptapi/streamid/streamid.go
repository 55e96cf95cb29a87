// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streamid

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

var floorGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "receiptstream",
		Subsystem: "streamid",
		Name:      "floor",
		Help:      "Position below which every writer of the stream has committed",
	},
	[]string{"stream"},
)

var writerGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "receiptstream",
		Subsystem: "streamid",
		Name:      "writer_position",
		Help:      "Last known committed position per writer",
	},
	[]string{"stream", "writer"},
)

func init() {
	prometheus.MustRegister(floorGauge, writerGauge)
}

// Sequence hands out stream IDs. When several writers share a stream they
// must share the sequence. txn is the write transaction the ID is for, and
// may be nil.
type Sequence interface {
	NextStreamID(ctx context.Context, txn *sql.Tx) (int64, error)
}

// LocalSequence is an in-process Sequence for single writer deployments.
type LocalSequence struct {
	last atomic.Int64
}

func NewLocalSequence(current types.StreamPosition) *LocalSequence {
	s := &LocalSequence{}
	s.last.Store(int64(current))
	return s
}

func (s *LocalSequence) NextStreamID(context.Context, *sql.Tx) (int64, error) {
	return s.last.Inc(), nil
}

// Allocator tracks positions in a stream for every writer and allocates new
// positions for the local writer. Readers only ever load the published
// snapshot and never wait on mu.
type Allocator struct {
	allocMu     sync.Mutex // serialises calls to seq
	mu          sync.Mutex
	stream      string
	instance    string
	isWriter    bool
	seq         Sequence
	positions   map[string]types.StreamPosition
	unfinished  map[types.StreamPosition]struct{}
	fetching    bool
	maxFinished types.StreamPosition
	maxSeen     types.StreamPosition
	snapshot    atomic.Pointer[snapshot]
}

// snapshot is an immutable view of the writer positions.
type snapshot struct {
	floor     types.StreamPosition
	positions map[string]types.StreamPosition
}

// NewAllocator creates an allocator for stream as seen by instance. seed
// holds the highest persisted position of each writer, as loaded from the
// database on start-up.
func NewAllocator(stream, instance string, writers []string, seq Sequence, seed map[string]types.StreamPosition) *Allocator {
	a := &Allocator{
		stream:     stream,
		instance:   instance,
		seq:        seq,
		positions:  make(map[string]types.StreamPosition, len(writers)),
		unfinished: make(map[types.StreamPosition]struct{}),
	}
	for _, w := range writers {
		a.positions[w] = 0
		if w == instance {
			a.isWriter = true
		}
	}
	for w, pos := range seed {
		if _, ok := a.positions[w]; !ok {
			// Old writers which are no longer configured can never advance,
			// so including them would pin the floor.
			continue
		}
		a.positions[w] = pos
		if pos > a.maxSeen {
			a.maxSeen = pos
		}
	}
	if a.isWriter {
		a.maxFinished = a.positions[instance]
	}
	a.snapshot.Store(&snapshot{positions: map[string]types.StreamPosition{}})
	a.mu.Lock()
	a.recalculateLocked()
	a.mu.Unlock()
	return a
}

// Allocation is a position handed out to the local writer. Finish must be
// called once the write has been committed or abandoned.
type Allocation struct {
	a        *Allocator
	position types.StreamPosition
	once     sync.Once
}

func (al *Allocation) Position() types.StreamPosition {
	return al.position
}

// Finish releases the allocation, after which the position becomes visible
// through PositionForWriter. Positions of failed writes are skipped.
func (al *Allocation) Finish() {
	al.once.Do(func() {
		al.a.finish(al.position)
	})
}

// Allocate reserves the next position for the local writer. txn is passed
// on to the sequence so that the ID can be taken inside the write
// transaction.
func (a *Allocator) Allocate(ctx context.Context, txn *sql.Tx) (*Allocation, error) {
	if !a.isWriter {
		return nil, types.ConfigurationError{Instance: a.instance, Stream: a.stream}
	}
	// Positions are registered in the order the sequence hands them out, so
	// finish never moves past a position which is still being fetched.
	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	a.mu.Lock()
	a.fetching = true
	a.mu.Unlock()

	next, err := a.seq.NextStreamID(ctx, txn)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetching = false
	if err != nil {
		a.recalculateLocked()
		return nil, fmt.Errorf("a.seq.NextStreamID: %w", err)
	}
	pos := types.StreamPosition(next)
	if pos <= a.positions[a.instance] {
		// A shared sequence never goes backwards, so this means it was
		// reset underneath us.
		logrus.WithFields(logrus.Fields{
			"stream":   a.stream,
			"position": pos,
			"local":    a.positions[a.instance],
		}).Error("Stream sequence returned a position which has already been seen")
		a.recalculateLocked()
		return nil, fmt.Errorf("stream %s: sequence returned %d which is not after %d", a.stream, pos, a.positions[a.instance])
	}
	a.unfinished[pos] = struct{}{}
	if pos > a.maxSeen {
		a.maxSeen = pos
	}
	return &Allocation{a: a, position: pos}, nil
}

func (a *Allocator) finish(pos types.StreamPosition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.unfinished, pos)
	if pos > a.maxFinished {
		a.maxFinished = pos
	}
	local := a.maxFinished
	for p := range a.unfinished {
		if p-1 < local {
			local = p - 1
		}
	}
	if local > a.positions[a.instance] {
		a.positions[a.instance] = local
	}
	a.recalculateLocked()
}

// Advance records that writer has committed everything up to pos. It is
// called when replication tells us about another writer's progress.
func (a *Allocator) Advance(writer string, pos types.StreamPosition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if writer == a.instance && a.isWriter {
		// We are the only source of truth for our own position.
		return
	}
	if cur, ok := a.positions[writer]; !ok || pos > cur {
		a.positions[writer] = pos
	}
	if pos > a.maxSeen {
		a.maxSeen = pos
	}
	a.recalculateLocked()
}

// recalculateLocked lets an idle local writer catch up with the highest
// position seen, moves the floor and publishes a new snapshot. Must be
// called with mu held.
func (a *Allocator) recalculateLocked() {
	if a.isWriter && !a.fetching && len(a.unfinished) == 0 && a.positions[a.instance] < a.maxSeen {
		// Anything we allocate next comes from the shared sequence, so it
		// will be above maxSeen.
		a.positions[a.instance] = a.maxSeen
		a.maxFinished = a.maxSeen
	}
	first := true
	var min types.StreamPosition
	positions := make(map[string]types.StreamPosition, len(a.positions))
	for w, pos := range a.positions {
		positions[w] = pos
		writerGauge.WithLabelValues(a.stream, w).Set(float64(pos))
		if first || pos < min {
			min = pos
			first = false
		}
	}
	floor := a.snapshot.Load().floor
	if min > floor {
		floor = min
		floorGauge.WithLabelValues(a.stream).Set(float64(min))
	}
	a.snapshot.Store(&snapshot{floor: floor, positions: positions})
}

// Floor returns the position below which every writer has committed.
func (a *Allocator) Floor() types.StreamPosition {
	return a.snapshot.Load().floor
}

// CurrentToken returns a token which is safe to read up to.
func (a *Allocator) CurrentToken() types.MultiWriterStreamToken {
	snap := a.snapshot.Load()
	return types.NewMultiWriterStreamToken(snap.floor, snap.positions)
}

// PositionForWriter returns the last committed position known for writer.
// Unknown writers are assumed to be at the floor.
func (a *Allocator) PositionForWriter(writer string) types.StreamPosition {
	snap := a.snapshot.Load()
	if pos, ok := snap.positions[writer]; ok {
		return pos
	}
	return snap.floor
}

// LocalPosition is the committed position of this instance.
func (a *Allocator) LocalPosition() types.StreamPosition {
	return a.PositionForWriter(a.instance)
}

func (a *Allocator) Instance() string {
	return a.instance
}

func (a *Allocator) IsWriter() bool {
	return a.isWriter
}

func (a *Allocator) Stream() string {
	return a.stream
}
