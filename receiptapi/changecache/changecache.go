// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package changecache

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

var cacheLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "receiptstream",
		Subsystem: "changecache",
		Name:      "lookups_total",
		Help:      "Change cache lookups, by whether the cache could answer them",
	},
	[]string{"name", "result"},
)

func init() {
	prometheus.MustRegister(cacheLookups)
}

// ChangeCache remembers the latest position at which each entity (a room,
// usually) was written to. It can say for sure that an entity has not
// changed since a position, as long as that position is not older than the
// oldest change it still holds. Anything else is reported as changed.
type ChangeCache struct {
	mu            sync.RWMutex
	name          string
	maxSize       int
	earliest      types.StreamPosition
	entityToPos   map[string]types.StreamPosition
	posToEntities map[types.StreamPosition]map[string]struct{}
	positions     []types.StreamPosition // sorted, one per key of posToEntities
}

// New returns a cache holding at most maxSize entities. Nothing is known about
// positions at or before earliest.
func New(name string, maxSize int, earliest types.StreamPosition, prefilled map[string]types.StreamPosition) *ChangeCache {
	c := &ChangeCache{
		name:          name,
		maxSize:       maxSize,
		earliest:      earliest,
		entityToPos:   make(map[string]types.StreamPosition, len(prefilled)),
		posToEntities: make(map[types.StreamPosition]map[string]struct{}, len(prefilled)),
	}
	for entity, pos := range prefilled {
		c.recordLocked(entity, pos)
	}
	c.evictLocked()
	return c
}

// EarliestKnownPosition is the position after which the cache is complete.
func (c *ChangeCache) EarliestKnownPosition() types.StreamPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.earliest
}

// HasChanged returns false only if entity has definitely not been written to
// after since.
func (c *ChangeCache) HasChanged(entity string, since types.StreamPosition) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if since < c.earliest {
		cacheLookups.WithLabelValues(c.name, "miss").Inc()
		return true
	}
	cacheLookups.WithLabelValues(c.name, "hit").Inc()
	pos, ok := c.entityToPos[entity]
	return ok && pos > since
}

// GetChanged returns the subset of entities which may have changed after
// since, preserving their order.
func (c *ChangeCache) GetChanged(entities []string, since types.StreamPosition) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if since < c.earliest {
		cacheLookups.WithLabelValues(c.name, "miss").Inc()
		return entities
	}
	cacheLookups.WithLabelValues(c.name, "hit").Inc()
	changed := make([]string, 0, len(entities))
	for _, entity := range entities {
		if pos, ok := c.entityToPos[entity]; ok && pos > since {
			changed = append(changed, entity)
		}
	}
	return changed
}

// HasAnyChanged returns false only if no entity has changed after since.
func (c *ChangeCache) HasAnyChanged(since types.StreamPosition) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if since < c.earliest {
		cacheLookups.WithLabelValues(c.name, "miss").Inc()
		return true
	}
	cacheLookups.WithLabelValues(c.name, "hit").Inc()
	return len(c.positions) > 0 && c.positions[len(c.positions)-1] > since
}

// RecordChange notes that entity was written to at pos.
func (c *ChangeCache) RecordChange(entity string, pos types.StreamPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos <= c.earliest {
		// Callers already treat everything up to earliest as changed.
		return
	}
	c.recordLocked(entity, pos)
	c.evictLocked()
}

// Size returns the number of entities tracked.
func (c *ChangeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entityToPos)
}

func (c *ChangeCache) recordLocked(entity string, pos types.StreamPosition) {
	if old, ok := c.entityToPos[entity]; ok {
		if old >= pos {
			return
		}
		c.removeLocked(entity, old)
	}
	c.entityToPos[entity] = pos
	set, ok := c.posToEntities[pos]
	if !ok {
		set = make(map[string]struct{}, 1)
		c.posToEntities[pos] = set
		// Writes mostly arrive in order, so this is usually an append.
		i := sort.Search(len(c.positions), func(i int) bool { return c.positions[i] >= pos })
		c.positions = append(c.positions, 0)
		copy(c.positions[i+1:], c.positions[i:])
		c.positions[i] = pos
	}
	set[entity] = struct{}{}
}

func (c *ChangeCache) removeLocked(entity string, pos types.StreamPosition) {
	set := c.posToEntities[pos]
	delete(set, entity)
	if len(set) > 0 {
		return
	}
	delete(c.posToEntities, pos)
	i := sort.Search(len(c.positions), func(i int) bool { return c.positions[i] >= pos })
	if i < len(c.positions) && c.positions[i] == pos {
		c.positions = append(c.positions[:i], c.positions[i+1:]...)
	}
}

// evictLocked drops the oldest positions until the cache fits, moving
// earliest forward so that queries for the dropped range become misses.
func (c *ChangeCache) evictLocked() {
	for len(c.entityToPos) > c.maxSize && len(c.positions) > 0 {
		oldest := c.positions[0]
		c.positions = c.positions[1:]
		for entity := range c.posToEntities[oldest] {
			delete(c.entityToPos, entity)
		}
		delete(c.posToEntities, oldest)
		if oldest > c.earliest {
			c.earliest = oldest
		}
	}
}
