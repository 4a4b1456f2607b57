package mutate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailsync/pkg/metrics"
	"mailsync/pkg/util"
)

// Outcome of one optimistic mutation.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Action is one state-changing user operation wrapped for optimistic
// application: read the current value, apply the new value locally, issue
// the server call, and know how to restore the snapshot on failure.
type Action struct {
	// Kind names the operation for logging and metrics: mark_read, flag,
	// move, delete.
	Kind string
	// TargetID identifies the entity; snapshot chaining is keyed by it.
	TargetID string
	// Snapshot reads the current (possibly already optimistic) local value.
	Snapshot func() any
	// Apply sets the local value synchronously.
	Apply func(v any)
	// NewValue is what Apply installs before the call is issued.
	NewValue any
	// Call performs the server mutation.
	Call func(ctx context.Context) error
}

// ErrorSink surfaces a rolled-back mutation to the user.
type ErrorSink func(targetID string, err error)

type entry struct {
	// snapshot is the rollback value. A second Apply on the same target
	// before the first resolves overwrites it with the value the first
	// Apply installed, so sequential toggles compose: a failure rolls back
	// to the immediately prior optimistic state, not further.
	snapshot any
	apply    func(v any)
	inflight int
	rolled   bool
}

// Coordinator applies mutations locally before the network round-trip
// completes and rolls the affected targets back if their calls fail.
// Pending state is process-wide and mutex-guarded.
type Coordinator struct {
	errSink ErrorSink
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*entry
}

func NewCoordinator(logger *zap.Logger, sink ErrorSink) *Coordinator {
	if sink == nil {
		sink = func(string, error) {}
	}
	return &Coordinator{
		errSink: sink,
		logger:  logger,
		pending: make(map[string]*entry),
	}
}

// Apply runs one optimistic mutation to completion: local update first,
// then the server call; on failure the target is restored to its chained
// snapshot and the error is surfaced.
func (c *Coordinator) Apply(ctx context.Context, a Action) error {
	c.begin(a)

	err := a.Call(ctx)
	return c.resolve(a, err)
}

// ApplyBulk applies every local update atomically before any network call
// is issued, then runs the calls concurrently. A partial failure rolls back
// only the targets whose calls failed; the rest commit.
func (c *Coordinator) ApplyBulk(ctx context.Context, actions []Action) error {
	c.mu.Lock()
	for i := range actions {
		c.beginLocked(actions[i])
	}
	c.mu.Unlock()

	var (
		g    errgroup.Group
		errM sync.Mutex
		errs []error
	)
	for i := range actions {
		a := actions[i]
		g.Go(func() error {
			if err := c.resolve(a, a.Call(ctx)); err != nil {
				errM.Lock()
				errs = append(errs, err)
				errM.Unlock()
			}
			// 单个目标失败不影响其它目标
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// PendingCount reports how many targets have unresolved mutations.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) begin(a Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginLocked(a)
}

func (c *Coordinator) beginLocked(a Action) {
	e := c.pending[a.TargetID]
	if e == nil {
		e = &entry{apply: a.Apply}
		c.pending[a.TargetID] = e
	}
	// last snapshot wins (see entry.snapshot)
	e.snapshot = a.Snapshot()
	e.apply = a.Apply
	e.rolled = false
	e.inflight++
	a.Apply(a.NewValue)
}

func (c *Coordinator) resolve(a Action, callErr error) error {
	c.mu.Lock()
	e := c.pending[a.TargetID]

	if callErr == nil {
		if e != nil {
			e.inflight--
			if e.inflight <= 0 {
				delete(c.pending, a.TargetID)
			}
		}
		c.mu.Unlock()
		metrics.IncrementMutationOutcome(a.Kind, string(OutcomeCommitted))
		return nil
	}

	if e == nil || e.rolled {
		// 同一目标的前一次失败已经回滚过了，不再重复恢复
		if e != nil {
			e.inflight--
			if e.inflight <= 0 {
				delete(c.pending, a.TargetID)
			}
		}
		c.mu.Unlock()
	} else {
		e.apply(e.snapshot)
		e.rolled = true
		e.inflight--
		if e.inflight <= 0 {
			delete(c.pending, a.TargetID)
		}
		c.mu.Unlock()
	}

	metrics.IncrementMutationOutcome(a.Kind, string(OutcomeRolledBack))
	retryable, errType := util.IsRetryableError(callErr)
	c.logger.Warn("Optimistic mutation rolled back",
		zap.String("kind", a.Kind),
		zap.String("target", a.TargetID),
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Error(callErr),
	)
	c.errSink(a.TargetID, callErr)
	return fmt.Errorf("%s failed for %s: %w", a.Kind, a.TargetID, callErr)
}
