package shapesync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/replica/internal/metrics"
	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultInitialSyncTimeout bounds WaitUpToDate when no bound is given.
const DefaultInitialSyncTimeout = 2 * time.Second

type Options struct {
	Transport Transport
	Logger    log.FieldLogger
	// RetryDelay is the delay before the first retry of a failed shape. It
	// doubles per consecutive failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// RetryJitter randomizes retry delays by up to this ratio (0.0-1.0).
	RetryJitter float64
	// InitialSyncTimeout is the WaitUpToDate bound used when the caller
	// passes zero.
	InitialSyncTimeout time.Duration
}

// Engine opens shapes of one Store and applies their change streams.
// Subscriptions of the same shape share a single stream.
type Engine struct {
	store     replicastore.Store
	transport Transport
	log       log.FieldLogger
	opts      Options

	mu     sync.Mutex
	shapes map[string]*shape
	closed bool
}

func NewEngine(store replicastore.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", replicastore.ErrInvalidInput)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", replicastore.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	opts.RetryJitter = clampJitterRatio(opts.RetryJitter)
	if opts.InitialSyncTimeout <= 0 {
		opts.InitialSyncTimeout = DefaultInitialSyncTimeout
	}
	return &Engine{
		store:     store,
		transport: opts.Transport,
		log:       opts.Logger.WithField("user", store.UserID()),
		opts:      opts,
		shapes:    make(map[string]*shape),
	}, nil
}

func (e *Engine) Store() replicastore.Store { return e.store }

// OpenShape starts replicating a shape into the store and returns a new
// Subscription of it. The initial snapshot is applied in the background.
// Transport failures don't fail OpenShape: they are logged and retried, and
// reported by Subscription.Err and Subscription.WaitInitialSync.
func (e *Engine) OpenShape(ctx context.Context, def ShapeDefinition) (*Subscription, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	var key = def.Key()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, replicastore.ErrClosed
	}
	if sh, ok := e.shapes[key]; ok {
		sh.refs++
		e.mu.Unlock()
		return e.newSubscription(sh), nil
	}
	e.mu.Unlock()

	sh, err := e.startShape(ctx, def)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		sh.stop()
		return nil, replicastore.ErrClosed
	} else if existing, ok := e.shapes[key]; ok {
		// A concurrent OpenShape of the same shape won.
		sh.stop()
		existing.refs++
		return e.newSubscription(existing), nil
	}
	sh.refs = 1
	e.shapes[key] = sh
	return e.newSubscription(sh), nil
}

func (e *Engine) startShape(ctx context.Context, def ShapeDefinition) (*shape, error) {
	codec, err := newRowCodec(def)
	if err != nil {
		return nil, err
	}
	var spec = def.TableSpec()
	if err = e.store.EnsureTable(ctx, spec); err != nil {
		return nil, err
	}
	cp, ok, err := e.store.Checkpoint(ctx, def.Key())
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var sh = &shape{
		engine:  e,
		def:     def,
		key:     def.Key(),
		spec:    spec,
		codec:   codec,
		log:     e.log.WithFields(log.Fields{"table": def.Table, "shape": def.Key()}),
		cancel:  cancel,
		done:    make(chan struct{}),
		synced:  make(chan struct{}),
		settled: make(chan struct{}),
	}
	if ok {
		sh.stats.LastOffset = cp.Offset.String()
		if cp.UpToDate {
			// The replica was complete when last synced. Serve it while the
			// stream catches up.
			sh.markUpToDate()
		}
	}
	metrics.ShapesOpen.Inc()
	sh.log.WithField("where", def.Where).Info("opened shape")

	go sh.run(runCtx)
	return sh, nil
}

func (e *Engine) newSubscription(sh *shape) *Subscription {
	return &Subscription{id: uuid.NewString(), shape: sh}
}

// CloseShape unsubscribes a Subscription. It's idempotent.
func (e *Engine) CloseShape(sub *Subscription) {
	if sub != nil {
		sub.Unsubscribe()
	}
}

// release drops a reference of the shape, stopping it with its last one.
func (e *Engine) release(sh *shape) {
	e.mu.Lock()
	sh.refs--
	var last = sh.refs <= 0
	if last && e.shapes[sh.key] == sh {
		delete(e.shapes, sh.key)
	}
	e.mu.Unlock()

	if last {
		sh.stop()
	}
}

// CloseAll stops every shape of the engine, waiting until none are writing
// to the store. Later calls of OpenShape fail with ErrClosed.
func (e *Engine) CloseAll(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	var shapes = make([]*shape, 0, len(e.shapes))
	for key, sh := range e.shapes {
		shapes = append(shapes, sh)
		delete(e.shapes, key)
	}
	e.mu.Unlock()

	var group, groupCtx = errgroup.WithContext(ctx)
	for _, sh := range shapes {
		var sh = sh
		group.Go(func() error {
			sh.cancel()
			select {
			case <-sh.done:
				sh.stop()
				return nil
			case <-groupCtx.Done():
				return fmt.Errorf("closing shape %s: %w", sh.key, groupCtx.Err())
			}
		})
	}
	return group.Wait()
}

// ShapeStatus describes an open shape.
type ShapeStatus struct {
	Key         string
	Table       string
	Where       string
	UpToDate    bool
	Subscribers int
	Stats       Stats
	Err         error
}

// Status returns the open shapes, ordered by key.
func (e *Engine) Status() []ShapeStatus {
	e.mu.Lock()
	var shapes = make([]*shape, 0, len(e.shapes))
	var refs = make([]int, 0, len(e.shapes))
	for _, sh := range e.shapes {
		shapes = append(shapes, sh)
		refs = append(refs, sh.refs)
	}
	e.mu.Unlock()

	var out = make([]ShapeStatus, len(shapes))
	for i, sh := range shapes {
		out[i] = ShapeStatus{
			Key:         sh.key,
			Table:       sh.def.Table,
			Where:       sh.def.Where,
			UpToDate:    sh.isUpToDate(),
			Subscribers: refs[i],
			Stats:       sh.snapshot(),
			Err:         sh.lastErr(),
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (e *Engine) retryDelay(attempt int) time.Duration {
	var delay = backoffDelay(attempt, e.opts.RetryDelay, e.opts.MaxRetryDelay, "")
	if e.opts.RetryJitter <= 0 {
		return delay
	}
	var spread = float64(delay) * e.opts.RetryJitter
	return time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
}

func clampJitterRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// shape replicates one ShapeDefinition. A single goroutine reads its stream
// and applies batches in log order.
type shape struct {
	engine *Engine
	def    ShapeDefinition
	key    string
	spec   replicastore.TableSpec
	codec  *rowCodec
	log    log.FieldLogger
	refs   int // Guarded by engine.mu.

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	upToDate bool
	synced   chan struct{} // Closed when the initial snapshot is applied.
	settled  chan struct{} // Closed with synced, or on the first failure.
	initErr  error
	err      error
	stats    Stats
}

func (sh *shape) run(ctx context.Context) {
	defer close(sh.done)

	for attempt := 0; ; {
		progressed, err := sh.syncOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if progressed {
			attempt = 0
		}

		switch {
		case errors.Is(err, replicastore.ErrClosed):
			sh.fail(err)
			sh.log.Warn("replica store closed; stopping shape")
			return
		case errors.Is(err, replicastore.ErrOutOfOrder):
			// Restart from the persisted checkpoint.
			sh.log.WithField("err", err).Warn("rejected out-of-order batch; resyncing from checkpoint")
		case errors.Is(err, ErrUnauthenticated):
			sh.fail(err)
			sh.log.WithField("err", err).Warn("shape sync is not authenticated")
		default:
			sh.fail(err)
			sh.log.WithFields(log.Fields{"err": err, "attempt": attempt + 1}).Warn("shape sync failed")
		}

		attempt++
		if waitWithContext(ctx, sh.engine.retryDelay(attempt)) != nil {
			return
		}
	}
}

// syncOnce streams the shape from its checkpoint until an error. It reports
// whether any batch was applied.
func (sh *shape) syncOnce(ctx context.Context) (progressed bool, _ error) {
	var store = sh.engine.store

	var from Resume
	if cp, ok, err := store.Checkpoint(ctx, sh.key); err != nil {
		return false, err
	} else if ok {
		from = Resume{Handle: cp.Handle, Offset: cp.Offset}
	}

	stream, err := sh.engine.transport.SyncShape(ctx, sh.def, from)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			return progressed, err
		}
		if err = sh.apply(ctx, batch); err != nil {
			return progressed, err
		}
		progressed = true
	}
}

func (sh *shape) apply(ctx context.Context, batch Batch) error {
	var changes = make([]replicastore.Change, 0, len(batch.Records))
	var invalid int

	for _, rec := range batch.Records {
		var change, err = sh.codec.change(rec)
		var verr *ValidationError

		if errors.As(err, &verr) {
			sh.log.WithFields(log.Fields{"key": verr.Key, "reason": verr.Reason}).Warn("skipping invalid change record")
			metrics.ChangesTotal.WithLabelValues(sh.def.Table, metrics.Invalid).Inc()
			invalid++
			continue
		} else if err != nil {
			return err
		}
		changes = append(changes, change)
	}

	res, err := sh.engine.store.ApplyBatch(ctx, replicastore.Batch{
		ShapeKey:   sh.key,
		Table:      sh.spec,
		Handle:     batch.Handle,
		Offset:     batch.Offset,
		UpToDate:   batch.UpToDate,
		Reset:      batch.Reset,
		ResetWhere: sh.def.Where,
		Changes:    changes,
	})
	if err != nil {
		return err
	}

	if batch.Reset {
		metrics.ShapeResetsTotal.WithLabelValues(sh.def.Table).Inc()
		sh.log.WithField("handle", batch.Handle).Info("reset shape rows")
	}
	sh.mu.Lock()
	sh.err = nil
	sh.stats.Batches++
	sh.stats.Applied += res.Applied
	sh.stats.Skipped += res.Skipped
	sh.stats.Replayed += res.Replayed
	sh.stats.Invalid += invalid
	sh.stats.LastOffset = res.Checkpoint.Offset.String()
	sh.stats.LastBatchAt = time.Now()
	if batch.Reset {
		sh.stats.Resets++
		sh.setUpToDateLocked(false)
	}
	sh.mu.Unlock()

	if batch.UpToDate {
		sh.markUpToDate()
	}
	if res.Skipped != 0 || invalid != 0 || res.Replayed != 0 {
		sh.log.WithFields(log.Fields{
			"applied":  res.Applied,
			"skipped":  res.Skipped,
			"replayed": res.Replayed,
			"invalid":  invalid,
			"offset":   res.Checkpoint.Offset.String(),
		}).Debug("applied batch")
	}
	return nil
}

func (sh *shape) markUpToDate() {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if !sh.upToDate {
		sh.log.Info("shape is up to date")
	}
	sh.setUpToDateLocked(true)
	select {
	case <-sh.synced:
	default:
		close(sh.synced)
		sh.settleLocked(nil)
	}
}

func (sh *shape) setUpToDateLocked(v bool) {
	if v == sh.upToDate {
		return
	}
	sh.upToDate = v
	if v {
		metrics.ShapesUpToDate.Inc()
	} else {
		metrics.ShapesUpToDate.Dec()
	}
}

func (sh *shape) settleLocked(err error) {
	select {
	case <-sh.settled:
	default:
		sh.initErr = err
		close(sh.settled)
	}
}

func (sh *shape) fail(err error) {
	if err == nil {
		return
	}
	sh.mu.Lock()
	sh.err = err
	sh.settleLocked(err)
	sh.mu.Unlock()
}

// stop cancels the shape and waits for its goroutine to exit.
func (sh *shape) stop() {
	sh.stopOnce.Do(func() {
		sh.cancel()
		<-sh.done

		sh.mu.Lock()
		sh.setUpToDateLocked(false)
		sh.settleLocked(errUnsubscribed)
		sh.mu.Unlock()

		metrics.ShapesOpen.Dec()
		sh.log.Info("closed shape")
	})
}

func (sh *shape) isUpToDate() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.upToDate
}

func (sh *shape) lastErr() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.err
}

func (sh *shape) snapshot() Stats {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.stats
}
