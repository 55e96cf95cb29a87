// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/element-hq/receiptstream/setup/config"
)

const (
	receiptsForUserCache byte = iota + 1
	linearizedReceiptsForRoomCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, eventOrderingTTL time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10), // 10 counters per 1KB data, affects bloom filter size
		BufferItems: 64,                           // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost),               // max cost is in bytes, as per the config
		Metrics:     true,
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "receiptstream",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		}))
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "receiptstream",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		}))
	}
	return &Caches{
		ReceiptsForUser: &RistrettoCachePartition[string, UserReceipts]{
			cache:   cache,
			Prefix:  receiptsForUserCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
		LinearizedReceiptsForRoom: &RistrettoCachePartition[string, RoomReceipts]{
			cache:   cache,
			Prefix:  linearizedReceiptsForRoomCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
		EventStreamOrderings: NewEventOrderingCache(eventOrderingTTL),
		mu:                   &sync.Mutex{},
		generation:           atomic.NewUint64(0),
	}
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%c%v", c.Prefix, key)
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int64) {
	bkey := c.key(key)
	if !c.Mutable {
		if _, ok := c.cache.Get(bkey); ok {
			panic(fmt.Sprintf("invalid use of immutable cache tries to replace value of %v", key))
		}
	}
	c.cache.SetWithTTL(bkey, value, int64(len(bkey))+cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	var cost int64
	if cv, ok := any(value).(costable); ok {
		cost = int64(cv.CacheCost())
	} else {
		cost = int64(unsafe.Sizeof(value))
	}
	c.setWithCost(key, value, cost)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", key))
	}
	c.cache.Del(c.key(key))
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}

// Clear drops every entry in the underlying cache, including those of
// other partitions.
func (c *RistrettoCachePartition[K, V]) Clear() {
	c.cache.Clear()
}

// Wait blocks until buffered writes have been applied.
func (c *RistrettoCachePartition[K, V]) Wait() {
	c.cache.Wait()
}

type costable interface {
	CacheCost() int
}

type clearable interface {
	Clear()
}
