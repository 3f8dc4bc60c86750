package shapesync

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errUnsubscribed = errors.New("shape unsubscribed")

// Stats are counters of a shape's applied batches.
type Stats struct {
	Batches  int
	Applied  int
	Skipped  int
	Replayed int
	Invalid  int
	Resets   int
	// LastOffset is the checkpointed log offset, or "" before the first batch.
	LastOffset  string
	LastBatchAt time.Time
}

// Subscription is a handle of an open shape.
type Subscription struct {
	id    string
	shape *shape
	once  sync.Once
}

func (s *Subscription) ID() string                  { return s.id }
func (s *Subscription) Key() string                 { return s.shape.key }
func (s *Subscription) Definition() ShapeDefinition { return s.shape.def }

// IsUpToDate is true once the shape's initial snapshot has been applied, and
// until the server resets the shape.
func (s *Subscription) IsUpToDate() bool { return s.shape.isUpToDate() }

// InitialSync is closed once the initial snapshot has been applied.
func (s *Subscription) InitialSync() <-chan struct{} { return s.shape.synced }

// WaitInitialSync blocks until the initial snapshot is applied, returning nil,
// or until the shape first fails, returning that error. A failed shape keeps
// retrying in the background.
func (s *Subscription) WaitInitialSync(ctx context.Context) error {
	select {
	case <-s.shape.settled:
		s.shape.mu.Lock()
		defer s.shape.mu.Unlock()
		return s.shape.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUpToDate waits at most max for the initial snapshot, returning whether
// it was applied. A zero max uses the engine's InitialSyncTimeout. Sync
// continues in the background after a timeout.
func (s *Subscription) WaitUpToDate(ctx context.Context, max time.Duration) bool {
	if max <= 0 {
		max = s.shape.engine.opts.InitialSyncTimeout
	}
	var timer = time.NewTimer(max)
	defer timer.Stop()

	select {
	case <-s.shape.synced:
		return true
	case <-timer.C:
		return s.IsUpToDate()
	case <-ctx.Done():
		return s.IsUpToDate()
	}
}

// Err returns the error of the shape's last failed sync attempt, or nil if
// its last batch applied.
func (s *Subscription) Err() error { return s.shape.lastErr() }

func (s *Subscription) Stats() Stats { return s.shape.snapshot() }

// Unsubscribe releases the subscription. The shape's stream stops with its
// last subscription, and no further changes of it are applied once
// Unsubscribe returns. It's idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.shape.engine.release(s.shape) })
}
