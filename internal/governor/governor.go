// Package governor bounds concurrent external calls and concurrent
// instances of the same workflow definition.
package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrConcurrencyLimit means a per-workflow instance cap was hit. The
// caller is expected to back off or queue, not to treat this as fatal.
var ErrConcurrencyLimit = errors.New("workflow concurrency limit exceeded")

const (
	defaultAdmission     = 5
	defaultMaxInstances  = 10
	defaultSlotRetention = 10 * time.Minute
	defaultPurgeInterval = time.Minute
)

type slotEntry struct {
	count     int
	zeroSince time.Time
}

// Governor carries two independent bounds: a global admission semaphore
// protecting downstream capacity, and per-workflow-id instance counters.
type Governor struct {
	admission chan struct{}

	mu           sync.Mutex
	slots        map[string]*slotEntry
	maxInstances int
	retention    time.Duration

	logger *zap.Logger
}

// New creates a governor. Non-positive arguments fall back to defaults
// (5 admission slots, 10 instances per workflow).
func New(admissionLimit, maxInstances int, logger *zap.Logger) *Governor {
	if admissionLimit <= 0 {
		admissionLimit = defaultAdmission
	}
	if maxInstances <= 0 {
		maxInstances = defaultMaxInstances
	}
	return &Governor{
		admission:    make(chan struct{}, admissionLimit),
		slots:        make(map[string]*slotEntry),
		maxInstances: maxInstances,
		retention:    defaultSlotRetention,
		logger:       logger,
	}
}

// Admit blocks until a global admission slot is free or the context is
// done. Every external agent/block call passes through here regardless
// of which workflow issued it.
func (g *Governor) Admit(ctx context.Context) error {
	select {
	case g.admission <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees an admission slot.
func (g *Governor) Release() {
	select {
	case <-g.admission:
	default:
	}
}

// AcquireSlot claims one instance slot for a workflow definition.
func (g *Governor) AcquireSlot(workflowID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.slots[workflowID]
	if e == nil {
		e = &slotEntry{}
		g.slots[workflowID] = e
	}
	if e.count >= g.maxInstances {
		g.logger.Warn("workflow instance cap reached",
			zap.String("workflow", workflowID),
			zap.Int("active", e.count))
		return ErrConcurrencyLimit
	}
	e.count++
	return nil
}

// ReleaseSlot returns an instance slot. Releasing below zero is clamped.
func (g *Governor) ReleaseSlot(workflowID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.slots[workflowID]
	if e == nil {
		return
	}
	e.count--
	if e.count <= 0 {
		e.count = 0
		e.zeroSince = time.Now()
	}
}

// ActiveInstances reports the live instance count for a workflow.
func (g *Governor) ActiveInstances(workflowID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e := g.slots[workflowID]; e != nil {
		return e.count
	}
	return 0
}

// Purge drops counters that have sat at zero for longer than the
// retention window. Returns how many were removed.
func (g *Governor) Purge() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-g.retention)
	for id, e := range g.slots {
		if e.count == 0 && !e.zeroSince.IsZero() && e.zeroSince.Before(cutoff) {
			delete(g.slots, id)
			removed++
		}
	}
	return removed
}

// StartMaintenance runs the purge loop until the context is cancelled.
func (g *Governor) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(defaultPurgeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.Purge(); n > 0 {
					g.logger.Debug("purged stale workflow slots", zap.Int("count", n))
				}
			}
		}
	}()
}

// SetRetention overrides the stale-slot retention window, mainly for
// tests.
func (g *Governor) SetRetention(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retention = d
}
