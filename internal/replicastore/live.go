package replicastore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/replica/internal/metrics"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type runFunc func(ctx context.Context, query string, args []any) ([]Row, error)

// liveRegistry owns the live queries of a store and the goroutine which
// re-runs them, either when notified of committed table changes (push) or on
// a fixed interval (polling).
type liveRegistry struct {
	run      runFunc
	log      log.FieldLogger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	group  singleflight.Group

	mu         sync.Mutex
	queries    map[string]*liveQuery
	pending    map[string]struct{}
	pendingAll bool
	closed     bool
}

// newLiveRegistry starts a registry. A positive interval polls every query on
// that interval; otherwise queries re-run only on notify.
func newLiveRegistry(run runFunc, interval time.Duration, logger log.FieldLogger) *liveRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	var r = &liveRegistry{
		run:      run,
		log:      logger,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		queries:  make(map[string]*liveQuery),
		pending:  make(map[string]struct{}),
	}
	go r.serve()
	return r
}

func (r *liveRegistry) open(query string, args []any, initial []Row) (*liveQuery, error) {
	var q = &liveQuery{
		id:      uuid.NewString(),
		reg:     r,
		query:   query,
		args:    append([]any(nil), args...),
		deps:    tableDependencies(query),
		initial: initial,
		last:    initial,
		digest:  digestRows(initial),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	r.queries[q.id] = q
	metrics.LiveQueriesActive.Inc()
	return q, nil
}

// notify marks tables as changed by a committed transaction. An empty list
// marks every table. It never blocks.
func (r *liveRegistry) notify(tables []string) {
	r.mu.Lock()
	if len(tables) == 0 {
		r.pendingAll = true
	}
	for _, t := range tables {
		r.pending[strings.ToLower(t)] = struct{}{}
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *liveRegistry) serve() {
	defer close(r.done)

	var tick <-chan time.Time
	if r.interval > 0 {
		var ticker = time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-tick:
			r.rerun(r.affected(nil, true))
		case <-r.wake:
			r.mu.Lock()
			var tables, all = r.pending, r.pendingAll
			r.pending, r.pendingAll = make(map[string]struct{}), false
			r.mu.Unlock()

			r.rerun(r.affected(tables, all))
		}
	}
}

func (r *liveRegistry) affected(tables map[string]struct{}, all bool) []*liveQuery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*liveQuery
	for _, q := range r.queries {
		if all || q.dependsOn(tables) {
			out = append(out, q)
		}
	}
	return out
}

func (r *liveRegistry) rerun(queries []*liveQuery) {
	for _, q := range queries {
		if r.ctx.Err() != nil {
			return
		}
		if err := r.refresh(r.ctx, q); err != nil && r.ctx.Err() == nil {
			r.log.WithFields(log.Fields{"query": q.query, "err": err}).Warn("live query re-run failed")
		}
	}
}

// refresh re-runs q, sharing an execution already in flight.
func (r *liveRegistry) refresh(ctx context.Context, q *liveQuery) error {
	var ch = r.group.DoChan(q.id, func() (interface{}, error) {
		return nil, q.rerun(r.ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *liveRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queries[id]; ok {
		delete(r.queries, id)
		metrics.LiveQueriesActive.Dec()
	}
}

func (r *liveRegistry) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var queries = r.queries
	r.queries = make(map[string]*liveQuery)
	r.mu.Unlock()

	r.cancel()
	<-r.done

	for _, q := range queries {
		q.shutdown()
		metrics.LiveQueriesActive.Dec()
	}
}

type liveSubscriber struct {
	id   int
	fn   func([]Row)
	seen uint64
}

type liveQuery struct {
	id      string
	reg     *liveRegistry
	query   string
	args    []any
	deps    map[string]struct{}
	initial []Row

	// mu serializes re-runs and deliveries, and is taken by Unsubscribe.
	mu      sync.Mutex
	closed  bool
	last    []Row
	digest  [sha256.Size]byte
	version uint64
	subs    []*liveSubscriber
	nextSub int
}

func (q *liveQuery) InitialResults() []Row { return q.initial }

func (q *liveQuery) Subscribe(fn func([]Row)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || fn == nil {
		return func() {}
	}
	q.nextSub++
	var sub = &liveSubscriber{id: q.nextSub, fn: fn}
	q.subs = append(q.subs, sub)

	if q.version != 0 {
		// Results changed since InitialResults. Catch the subscriber up
		// without calling it from within Subscribe.
		go q.catchUp(sub)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			for i, s := range q.subs {
				if s == sub {
					q.subs = append(q.subs[:i], q.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (q *liveQuery) catchUp(sub *liveSubscriber) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || sub.seen >= q.version {
		return
	}
	for _, s := range q.subs {
		if s == sub {
			sub.seen = q.version
			sub.fn(q.last)
			metrics.LiveQueryFiresTotal.Inc()
			return
		}
	}
}

func (q *liveQuery) Refresh(ctx context.Context) error {
	return q.reg.refresh(ctx, q)
}

func (q *liveQuery) Unsubscribe() {
	if q.shutdown() {
		q.reg.remove(q.id)
	}
}

// shutdown closes the query, returning false if it was already closed. Once
// it returns no callback is running or will run.
func (q *liveQuery) shutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.closed = true
	q.subs = nil
	return true
}

func (q *liveQuery) rerun(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	rows, err := q.reg.run(ctx, q.query, q.args)
	if err != nil {
		metrics.LiveQueryRerunsTotal.WithLabelValues(metrics.Fail).Inc()
		return err
	}
	metrics.LiveQueryRerunsTotal.WithLabelValues(metrics.Ok).Inc()

	var d = digestRows(rows)
	if d == q.digest {
		return nil
	}
	q.digest, q.last = d, rows
	q.version++

	for _, sub := range q.subs {
		sub.seen = q.version
		sub.fn(rows)
		metrics.LiveQueryFiresTotal.Inc()
	}
	return nil
}

func (q *liveQuery) dependsOn(tables map[string]struct{}) bool {
	if q.deps == nil {
		return true
	}
	for t := range tables {
		if _, ok := q.deps[t]; ok {
			return true
		}
	}
	return false
}

var tableRefRe = regexp.MustCompile(`(?i)\b(?:from|join)\s+((?:"[^"]+"|[a-z_][a-z0-9_$]*)(?:\s*\.\s*(?:"[^"]+"|[a-z_][a-z0-9_$]*))?)`)

// tableDependencies returns the lower-cased tables referenced by FROM and
// JOIN clauses of query, or nil if none are found, meaning any table.
func tableDependencies(query string) map[string]struct{} {
	var matches = tableRefRe.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil
	}
	var deps = make(map[string]struct{}, len(matches))
	for _, m := range matches {
		var name = m[1]
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		name = strings.ToLower(strings.Trim(strings.TrimSpace(name), `"`))
		deps[name] = struct{}{}
	}
	return deps
}

func digestRows(rows []Row) [sha256.Size]byte {
	b, err := json.Marshal(rows)
	if err != nil {
		// Unreachable for scanned values. Force a delivery.
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(b)
}
