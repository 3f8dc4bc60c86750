// Package livequery binds a SQL query over the signed-in user's replica to
// a consumer which renders its rows, such as a UI scope.
//
// An Adapter moves through Detached -> Attaching -> Live, and back to
// Attaching whenever the replica it reads from is torn down or replaced.
// While no replica is Ready its Result is empty and NotReady. It follows
// lifecycle transitions on its own, re-attaching to the next Ready replica.
package livequery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/replica/internal/lifecycle"
	"github.com/agentworkforce/replica/internal/metrics"
	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type State int

const (
	Detached State = iota
	Attaching
	Live
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Live:
		return "live"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Source provides the Ready replica and its transitions. It's implemented
// by *lifecycle.Manager.
type Source interface {
	Current() (*lifecycle.ReplicaClient, bool)
	Watch() (<-chan lifecycle.StateChange, func())
}

// Result is the latest state of an Adapter's query.
type Result struct {
	Rows []replicastore.Row
	// Loading is set until the query first runs against a Ready replica.
	Loading bool
	// Err is the failure of the latest execution. Rows are those of the
	// last successful one.
	Err error
	// NotReady is set while no replica is Ready.
	NotReady bool
	// Degraded results are re-fetched only by Refresh, or by polling if
	// Options.PollInterval is set, as the store cannot run live queries.
	Degraded bool
	// Generation of the replica the rows were read from.
	Generation uint64
}

type Options struct {
	// PollInterval re-runs degraded queries. Zero disables polling.
	PollInterval time.Duration
	Logger       log.FieldLogger
}

// Adapter keeps the Result of one query current.
type Adapter struct {
	id     string
	source Source
	query  string
	args   []any
	opts   Options
	log    log.FieldLogger

	updates chan Result

	mu      sync.Mutex
	state   State
	mounted bool
	// gen increments on every (re-)attachment and on Detach. Results of
	// older generations are dropped.
	gen    uint64
	client *lifecycle.ReplicaClient
	sub    *attachment
	result Result
	cancel context.CancelFunc
	done   chan struct{}
}

// attachment is a subscription to one LiveQuery, released exactly once.
type attachment struct {
	live replicastore.LiveQuery
	mode string

	mu       sync.Mutex
	released bool
	cancel   func()
}

func (a *attachment) subscribe(fn func([]replicastore.Row)) {
	var cancel = a.live.Subscribe(fn)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		cancel()
		return
	}
	a.cancel = cancel
}

func (a *attachment) release() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	var cancel = a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a.live != nil {
		a.live.Unsubscribe()
	}
	metrics.AdaptersAttached.WithLabelValues(a.mode).Dec()
}

func New(source Source, query string, args []any, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	var id = uuid.NewString()
	return &Adapter{
		id:      id,
		source:  source,
		query:   query,
		args:    args,
		opts:    opts,
		log:     opts.Logger.WithField("adapter", id),
		updates: make(chan Result, 1),
		result:  Result{Loading: true},
	}
}

func (a *Adapter) ID() string { return a.id }

// Updates receives each new Result. Results not yet received are replaced
// by newer ones.
func (a *Adapter) Updates() <-chan Result { return a.updates }

func (a *Adapter) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Attach runs the query against the current replica, if one is Ready, and
// follows the replica's transitions until Detach. It's a no-op if already
// attached.
func (a *Adapter) Attach(ctx context.Context) {
	a.mu.Lock()
	if a.mounted {
		a.mu.Unlock()
		return
	}
	a.mounted = true
	a.state = Attaching
	// Subscribe to transitions before reading Current, so none is missed.
	var changes, stopWatch = a.source.Watch()
	var loopCtx, cancel = context.WithCancel(context.Background())
	a.cancel, a.done = cancel, make(chan struct{})
	var done = a.done
	a.mu.Unlock()

	a.attach(ctx, true)
	go a.follow(loopCtx, changes, stopWatch, done)
}

// Detach stops following the replica and releases the live query. Results
// arriving afterwards are dropped. It's safe to call more than once, and
// from within a Result consumer.
func (a *Adapter) Detach() {
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return
	}
	a.mounted = false
	a.state = Detached
	a.gen++
	var sub, cancel, done = a.sub, a.cancel, a.done
	a.sub, a.client = nil, nil
	a.mu.Unlock()

	cancel()
	sub.release()
	<-done
}

// Refresh re-runs the query now. Degraded adapters fetch it once more;
// live adapters re-deliver it if it changed.
func (a *Adapter) Refresh(ctx context.Context) error {
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return fmt.Errorf("adapter is detached")
	}
	var sub, client, gen = a.sub, a.client, a.gen
	a.mu.Unlock()

	if client == nil {
		return lifecycle.ErrNotReady
	}
	if sub != nil && sub.live != nil {
		return sub.live.Refresh(ctx)
	}
	var rows, err = client.Query(ctx, a.query, a.args...)
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mounted || gen != a.gen {
		return err
	}
	if err != nil {
		a.result.Err = err
	} else {
		a.result = Result{Rows: rows, Degraded: true, Generation: client.Generation()}
	}
	a.publishLocked()
	return err
}

// follow re-attaches on every lifecycle transition, and polls degraded
// queries.
func (a *Adapter) follow(ctx context.Context, changes <-chan lifecycle.StateChange, stopWatch func(), done chan struct{}) {
	defer close(done)
	defer stopWatch()

	var tick <-chan time.Time
	if a.opts.PollInterval > 0 {
		var ticker = time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			a.log.WithFields(log.Fields{"state": change.State.String(), "user": change.UserID}).Debug("replica changed")
			a.attach(ctx, false)
		case <-tick:
			if a.isDegraded() {
				if err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
					a.log.WithField("err", err).Debug("degraded refresh failed")
				}
			}
		}
	}
}

// attach brings the adapter in line with the current replica. Unless force
// is set, it's a no-op if that replica is already the one attached.
func (a *Adapter) attach(ctx context.Context, force bool) {
	var client, ready = a.source.Current()

	a.mu.Lock()
	if !a.mounted || (!force && client == a.client && (ready || a.result.NotReady)) {
		a.mu.Unlock()
		return
	}
	a.gen++
	var gen, previous = a.gen, a.sub
	a.sub, a.client = nil, nil
	a.state = Attaching

	if !ready {
		a.result = Result{Rows: []replicastore.Row{}, NotReady: true}
		a.publishLocked()
		a.mu.Unlock()
		previous.release()
		return
	}
	a.mu.Unlock()
	previous.release()

	var sub, rows, err = a.open(ctx, client)

	a.mu.Lock()
	if !a.mounted || gen != a.gen {
		a.mu.Unlock()
		sub.release()
		return
	}
	switch {
	case errors.Is(err, lifecycle.ErrNotReady):
		a.result = Result{Rows: []replicastore.Row{}, NotReady: true}
	case err != nil:
		a.log.WithField("err", err).Warn("live query failed")
		a.result = Result{Rows: a.result.Rows, Err: err}
		// Keep the client, so Refresh can retry against it.
		a.client = client
	default:
		a.sub, a.client = sub, client
		a.state = Live
		a.result = Result{Rows: rows, Degraded: sub.live == nil, Generation: client.Generation()}
	}
	a.publishLocked()
	a.mu.Unlock()

	if sub != nil && sub.live != nil && err == nil {
		// LiveQuery catches up a late subscriber, so changes committed
		// since the initial results are not lost.
		sub.subscribe(func(rows []replicastore.Row) { a.deliver(gen, rows) })
	}
}

// open starts the query on client, falling back to a one-shot query when
// the store has no live queries.
func (a *Adapter) open(ctx context.Context, client *lifecycle.ReplicaClient) (*attachment, []replicastore.Row, error) {
	var live, err = client.Live(ctx, a.query, a.args...)
	if err == nil {
		metrics.AdaptersAttached.WithLabelValues(metrics.ModeLive).Inc()
		return &attachment{live: live, mode: metrics.ModeLive}, live.InitialResults(), nil
	} else if !errors.Is(err, replicastore.ErrLiveUnsupported) {
		return nil, nil, err
	}

	a.log.Info("live queries unsupported; falling back to one-shot query")
	rows, err := client.Query(ctx, a.query, a.args...)
	if err != nil {
		return nil, nil, err
	}
	metrics.AdaptersAttached.WithLabelValues(metrics.ModeDegraded).Inc()
	return &attachment{mode: metrics.ModeDegraded}, rows, nil
}

func (a *Adapter) deliver(gen uint64, rows []replicastore.Row) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mounted || gen != a.gen {
		return
	}
	a.result = Result{Rows: rows, Generation: a.result.Generation}
	a.publishLocked()
}

func (a *Adapter) isDegraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mounted && a.result.Degraded
}

func (a *Adapter) publishLocked() {
	var result = a.result
	select {
	case a.updates <- result:
	default:
		select {
		case <-a.updates:
		default:
		}
		select {
		case a.updates <- result:
		default:
		}
	}
}
