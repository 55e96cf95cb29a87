// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type ProcessContext struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup      // used to wait for components to shutdown
	ctx      context.Context     // cancelled when Stop is called
	shutdown context.CancelFunc  // shut down the process
	degraded map[string]struct{} // reasons why the process is degraded
	loops    atomic.Int32        // number of running looping calls
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
		degraded: make(map[string]struct{}),
	}
}

func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

func (b *ProcessContext) Shutdown() {
	b.shutdown()
}

func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.degraded[err.Error()]; !ok {
		logrus.WithError(err).Warn("Process is now running in a degraded state")
		sentry.CaptureException(err)
		b.degraded[err.Error()] = struct{}{}
	}
}

func (b *ProcessContext) IsDegraded() (bool, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.degraded) == 0 {
		return false, nil
	}
	reasons := make([]string, 0, len(b.degraded))
	for reason := range b.degraded {
		reasons = append(reasons, reason)
	}
	return true, reasons
}

// LoopingCall runs f every interval until the process shuts down. Calls never
// overlap: a tick that arrives while f is still running is dropped. A panic
// in f is logged and reported, and the loop carries on.
func (b *ProcessContext) LoopingCall(name string, interval time.Duration, f func(ctx context.Context)) {
	if interval <= 0 {
		panic(fmt.Sprintf("LoopingCall %q: interval must be positive", name))
	}
	b.ComponentStarted()
	b.loops.Inc()
	go func() {
		defer b.ComponentFinished()
		defer b.loops.Dec()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.runLoopIteration(name, f)
			}
		}
	}()
	logrus.WithFields(logrus.Fields{
		"name":     name,
		"interval": interval,
	}).Debug("Registered looping call")
}

func (b *ProcessContext) runLoopIteration(name string, f func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("looping call %q panicked: %v", name, r)
			logrus.WithError(err).Error("Looping call failed")
			sentry.CaptureException(err)
		}
	}()
	f(b.ctx)
}

// RunningLoops returns the number of looping calls which have not yet exited.
func (b *ProcessContext) RunningLoops() int {
	return int(b.loops.Load())
}
