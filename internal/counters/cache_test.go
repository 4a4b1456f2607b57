package counters

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeSource struct {
	counts map[string]int
	err    error
}

func (f *fakeSource) FetchCounts(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func newTestCache() *Cache {
	return NewCache(nil, "counters:test", zap.NewNop())
}

func TestIncrementAndGet(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	if v := c.Increment(ctx, "acct-1/INBOX", 3); v != 3 {
		t.Errorf("increment returned %d, want 3", v)
	}
	if v := c.Increment(ctx, "acct-1/INBOX", 2); v != 5 {
		t.Errorf("second increment returned %d, want 5", v)
	}
	if v := c.Get("acct-1/INBOX"); v != 5 {
		t.Errorf("get = %d, want 5", v)
	}
	if v := c.Get("acct-1/Archive"); v != 0 {
		t.Errorf("unknown folder = %d, want 0", v)
	}
}

func TestDecrementClampsAtZero(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	c.Increment(ctx, "acct-1/INBOX", 2)
	if v := c.Decrement(ctx, "acct-1/INBOX", 5); v != 0 {
		t.Errorf("over-decrement = %d, counts must never go negative", v)
	}
	if v := c.Decrement(ctx, "acct-1/Spam", 1); v != 0 {
		t.Errorf("decrement of absent folder = %d, want 0", v)
	}
}

func TestNegativeAmountsDelegate(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	c.Increment(ctx, "f", 4)
	if v := c.Increment(ctx, "f", -3); v != 1 {
		t.Errorf("increment(-3) = %d, want 1", v)
	}
	if v := c.Decrement(ctx, "f", -2); v != 3 {
		t.Errorf("decrement(-2) = %d, want 3", v)
	}
}

func TestReconcileReplacesOptimisticDrift(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	c.Increment(ctx, "acct-1/INBOX", 10)
	c.Increment(ctx, "acct-1/Stale", 1)

	src := &fakeSource{counts: map[string]int{
		"acct-1/INBOX":   7,
		"acct-1/Archive": 2,
		"acct-1/Broken":  -4,
	}}
	if err := c.Reconcile(ctx, src); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if v := c.Get("acct-1/INBOX"); v != 7 {
		t.Errorf("reconciled INBOX = %d, want 7", v)
	}
	if v := c.Get("acct-1/Stale"); v != 0 {
		t.Errorf("stale folder survived reconciliation: %d", v)
	}
	if v := c.Get("acct-1/Archive"); v != 2 {
		t.Errorf("new folder = %d, want 2", v)
	}
	if v := c.Get("acct-1/Broken"); v != 0 {
		t.Errorf("negative server count must be clamped, got %d", v)
	}
}

func TestReconcileErrorKeepsCache(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	c.Increment(ctx, "acct-1/INBOX", 5)
	src := &fakeSource{err: errors.New("engine unavailable")}
	if err := c.Reconcile(ctx, src); err == nil {
		t.Fatal("expected fetch error")
	}
	if v := c.Get("acct-1/INBOX"); v != 5 {
		t.Errorf("failed reconciliation must leave counts intact, got %d", v)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	c.Increment(ctx, "f", 1)
	snap := c.Snapshot()
	snap["f"] = 99

	if v := c.Get("f"); v != 1 {
		t.Errorf("mutating the snapshot leaked into the cache: %d", v)
	}
}
