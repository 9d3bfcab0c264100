package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAcquireSlotCap(t *testing.T) {
	g := New(5, 2, zap.NewNop())

	if err := g.AcquireSlot("wf"); err != nil {
		t.Fatalf("first AcquireSlot: %v", err)
	}
	if err := g.AcquireSlot("wf"); err != nil {
		t.Fatalf("second AcquireSlot: %v", err)
	}
	if err := g.AcquireSlot("wf"); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("third AcquireSlot = %v, want ErrConcurrencyLimit", err)
	}
	if got := g.ActiveInstances("wf"); got != 2 {
		t.Fatalf("ActiveInstances = %d, want 2", got)
	}

	// Caps are per workflow id.
	if err := g.AcquireSlot("other"); err != nil {
		t.Fatalf("AcquireSlot other: %v", err)
	}

	g.ReleaseSlot("wf")
	if err := g.AcquireSlot("wf"); err != nil {
		t.Fatalf("AcquireSlot after release: %v", err)
	}
}

func TestReleaseSlotClampsAtZero(t *testing.T) {
	g := New(5, 2, zap.NewNop())
	g.ReleaseSlot("wf")
	g.ReleaseSlot("unknown")
	if got := g.ActiveInstances("wf"); got != 0 {
		t.Fatalf("ActiveInstances = %d, want 0", got)
	}
}

func TestAdmitBlocksUntilRelease(t *testing.T) {
	g := New(1, 10, zap.NewNop())

	if err := g.Admit(context.Background()); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Admit(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Admit while full = %v, want deadline exceeded", err)
	}

	g.Release()
	if err := g.Admit(context.Background()); err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
}

func TestReleaseWithoutAdmitIsHarmless(t *testing.T) {
	g := New(1, 10, zap.NewNop())
	g.Release()
	if err := g.Admit(context.Background()); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestDefaultsApplied(t *testing.T) {
	g := New(0, -3, zap.NewNop())
	for i := 0; i < defaultMaxInstances; i++ {
		if err := g.AcquireSlot("wf"); err != nil {
			t.Fatalf("AcquireSlot %d: %v", i, err)
		}
	}
	if err := g.AcquireSlot("wf"); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("AcquireSlot past default cap = %v, want ErrConcurrencyLimit", err)
	}
}

func TestPurgeDropsStaleCounters(t *testing.T) {
	g := New(5, 2, zap.NewNop())
	g.SetRetention(10 * time.Millisecond)

	if err := g.AcquireSlot("stale"); err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	g.ReleaseSlot("stale")

	if err := g.AcquireSlot("live"); err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if removed := g.Purge(); removed != 1 {
		t.Fatalf("Purge removed %d counters, want 1", removed)
	}
	if got := g.ActiveInstances("live"); got != 1 {
		t.Fatalf("live counter lost: ActiveInstances = %d, want 1", got)
	}
}
