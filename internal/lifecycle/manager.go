// Package lifecycle owns the replica of the signed-in user.
//
// A Manager holds at most one replica store at a time, together with the
// shape engine writing to it. It moves through the states
//
//	Empty -> Initializing(user) -> Ready(user) -> TearingDown -> Empty
//
// and Initializing -> Empty when initialization fails. Initializations and
// teardowns are serialized, so the store of one user is fully destroyed
// before the store of the next is opened. Concurrent requests for the same
// user share one initialization, and a request for a different user (or a
// teardown) supersedes an initialization still in flight.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/replica/internal/metrics"
	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/agentworkforce/replica/internal/shapesync"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotReady is returned by reads while no replica is Ready, and by
	// clients of a replica which has since been torn down.
	ErrNotReady = errors.New("replica is not ready")
	// ErrSuperseded is returned to callers of an initialization which was
	// abandoned for a later request.
	ErrSuperseded = errors.New("replica initialization superseded")
)

const teardownTimeout = 30 * time.Second

type State int

const (
	StateEmpty State = iota
	StateInitializing
	StateReady
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTearingDown:
		return "tearing_down"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateChange is delivered to watchers on every transition.
type StateChange struct {
	State  State
	UserID string
	// Generation increments with every replica which becomes Ready.
	Generation uint64
	// Err is the failure of an initialization which returned to Empty.
	Err error
}

// StoreOpener opens the replica store of a user.
type StoreOpener func(ctx context.Context, userID string) (replicastore.Store, error)

type Options struct {
	// StoreDSN locates the replica stores of users. See replicastore.Open.
	StoreDSN     string
	StoreOptions replicastore.Options
	// OpenStore, if set, is used instead of StoreDSN.
	OpenStore StoreOpener
	// Transport streams shapes to each user's engine.
	Transport     shapesync.Transport
	EngineOptions shapesync.Options
	// Shapes returns the shapes opened for a user as soon as the replica is
	// Ready. Sync runs in the background.
	Shapes func(userID string) []shapesync.ShapeDefinition
	Logger log.FieldLogger
}

type Manager struct {
	opts Options
	log  log.FieldLogger

	// transition is a one-slot semaphore held for the whole of each
	// initialization or teardown.
	transition chan struct{}

	mu         sync.Mutex
	state      State
	userID     string
	client     *ReplicaClient
	generation uint64
	inflight   *initCall
	watchers   map[chan StateChange]struct{}
	closed     bool
}

// initCall is an initialization shared by every caller requesting its user.
type initCall struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	client *ReplicaClient
	err    error
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", replicastore.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.StoreOptions.Logger == nil {
		opts.StoreOptions.Logger = opts.Logger
	}
	if opts.EngineOptions.Logger == nil {
		opts.EngineOptions.Logger = opts.Logger
	}
	if opts.OpenStore == nil {
		if strings.TrimSpace(opts.StoreDSN) == "" {
			return nil, fmt.Errorf("%w: store DSN is required", replicastore.ErrInvalidInput)
		}
		var dsn, storeOpts = opts.StoreDSN, opts.StoreOptions
		opts.OpenStore = func(ctx context.Context, userID string) (replicastore.Store, error) {
			return replicastore.Open(ctx, dsn, userID, storeOpts)
		}
	}
	opts.EngineOptions.Transport = opts.Transport

	return &Manager{
		opts:       opts,
		log:        opts.Logger,
		transition: make(chan struct{}, 1),
		watchers:   make(map[chan StateChange]struct{}),
	}, nil
}

// EnsureInitialized returns the Ready replica of userID, initializing it
// first if needed. The replica of any other user is torn down before the
// new one is opened.
//
// Cancelling ctx abandons the wait but not a shared initialization. Callers
// whose initialization is superseded by a request for another user, or by a
// Teardown, receive ErrSuperseded.
func (m *Manager) EnsureInitialized(ctx context.Context, userID string) (*ReplicaClient, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", replicastore.ErrInvalidInput)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, replicastore.ErrClosed
	}
	if m.state == StateReady && m.userID == userID && m.inflight == nil {
		var client = m.client
		m.mu.Unlock()
		return client, nil
	}

	var call = m.inflight
	if call == nil || call.userID != userID {
		if call != nil {
			m.log.WithFields(log.Fields{"user": call.userID, "next": userID}).Info("superseding replica initialization")
			call.cancel()
		}
		var callCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
		call = &initCall{userID: userID, ctx: callCtx, cancel: cancel, done: make(chan struct{})}
		m.inflight = call
		go m.initialize(call)
	}
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.client, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) initialize(call *initCall) {
	defer close(call.done)
	defer call.cancel()

	var finish = func(client *ReplicaClient, err error) {
		call.client, call.err = client, err
		if m.inflight == call {
			m.inflight = nil
		}
	}

	if err := m.acquire(call.ctx); err != nil {
		m.mu.Lock()
		finish(nil, ErrSuperseded)
		m.mu.Unlock()
		return
	}
	defer m.unlock()

	m.mu.Lock()
	if call.ctx.Err() != nil {
		finish(nil, ErrSuperseded)
		m.mu.Unlock()
		return
	}
	if m.state == StateReady && m.userID == call.userID {
		finish(m.client, nil)
		m.mu.Unlock()
		return
	}
	var previous = m.client
	if previous != nil {
		m.client = nil
		m.setStateLocked(StateTearingDown, previous.userID, nil)
	}
	m.mu.Unlock()

	if previous != nil {
		if err := m.destroy(previous); err != nil {
			m.log.WithFields(log.Fields{"user": previous.userID, "err": err}).Error("failed to destroy previous replica")
		}
	}

	m.mu.Lock()
	if previous != nil {
		m.setStateLocked(StateEmpty, "", nil)
	}
	if call.ctx.Err() != nil {
		finish(nil, ErrSuperseded)
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateInitializing, call.userID, nil)
	m.mu.Unlock()

	var started = time.Now()
	client, err := m.open(call.ctx, call.userID)

	m.mu.Lock()
	if call.ctx.Err() != nil {
		err = ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, ErrSuperseded) {
			metrics.InitializationsTotal.WithLabelValues(metrics.Superseded).Inc()
		} else {
			metrics.InitializationsTotal.WithLabelValues(metrics.Fail).Inc()
			m.log.WithFields(log.Fields{"user": call.userID, "err": err}).Error("replica initialization failed")
		}
		m.setStateLocked(StateEmpty, "", err)
		finish(nil, err)
		m.mu.Unlock()

		if client != nil {
			if derr := m.destroy(client); derr != nil {
				m.log.WithFields(log.Fields{"user": call.userID, "err": derr}).Warn("failed to destroy abandoned replica")
			}
		}
		return
	}

	m.generation++
	client.generation = m.generation
	m.client = client
	m.setStateLocked(StateReady, call.userID, nil)
	finish(client, nil)
	m.mu.Unlock()

	metrics.InitializationsTotal.WithLabelValues(metrics.Ok).Inc()
	m.log.WithFields(log.Fields{
		"user":       call.userID,
		"generation": client.generation,
		"capability": client.store.Capability().String(),
		"took":       time.Since(started).String(),
	}).Info("replica ready")
}

// open creates the store and engine of a user, and opens its shapes. On
// failure, anything opened is released and the returned client is nil.
func (m *Manager) open(ctx context.Context, userID string) (*ReplicaClient, error) {
	store, err := m.opts.OpenStore(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("opening replica store: %w", err)
	}
	engine, err := shapesync.NewEngine(store, m.opts.EngineOptions)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var client = &ReplicaClient{manager: m, userID: userID, store: store, engine: engine}

	if m.opts.Shapes != nil {
		for _, def := range m.opts.Shapes(userID) {
			if _, err = engine.OpenShape(ctx, def); err != nil {
				_ = m.destroy(client)
				return nil, fmt.Errorf("opening shape %s: %w", def, err)
			}
		}
	}
	return client, nil
}

// destroy stops the client's shapes and deletes its store.
func (m *Manager) destroy(client *ReplicaClient) error {
	return m.release(client, true)
}

// release stops the client's shapes, then closes or deletes its store.
func (m *Manager) release(client *ReplicaClient, destroy bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	var err = client.engine.CloseAll(ctx)
	var serr error
	if destroy {
		serr = client.store.Destroy()
	} else {
		serr = client.store.Close()
	}
	if err == nil {
		err = serr
	}
	return err
}

// Teardown destroys the current replica, and supersedes any initialization
// in flight. It's a no-op when the manager is Empty.
func (m *Manager) Teardown(ctx context.Context) error {
	return m.teardown(ctx, true)
}

func (m *Manager) teardown(ctx context.Context, destroy bool) error {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.log.WithField("user", call.userID).Info("abandoning replica initialization")
		call.cancel()
		m.inflight = nil
	}
	m.mu.Unlock()

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.Lock()
	var client = m.client
	if client == nil {
		m.mu.Unlock()
		return nil
	}
	m.client = nil
	m.setStateLocked(StateTearingDown, client.userID, nil)
	m.mu.Unlock()

	var err = m.release(client, destroy)

	m.mu.Lock()
	m.setStateLocked(StateEmpty, "", nil)
	m.mu.Unlock()

	if err != nil {
		m.log.WithFields(log.Fields{"user": client.userID, "err": err}).Warn("replica teardown failed")
		return fmt.Errorf("tearing down replica of %s: %w", client.userID, err)
	}
	m.log.WithFields(log.Fields{"user": client.userID, "destroyed": destroy}).Info("replica torn down")
	return nil
}

// Close stops the current replica, keeping its data so a later process can
// resume it, and fails later initializations.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var err = m.teardown(ctx, false)

	m.mu.Lock()
	for ch := range m.watchers {
		close(ch)
		delete(m.watchers, ch)
	}
	m.mu.Unlock()
	return err
}

// Current returns the Ready replica, if any.
func (m *Manager) Current() (*ReplicaClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady {
		return nil, false
	}
	return m.client, true
}

// State returns the current state and the user it concerns.
func (m *Manager) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.userID
}

func (m *Manager) IsReady() bool {
	var _, ok = m.Current()
	return ok
}

// Query reads from the Ready replica, failing with ErrNotReady otherwise.
func (m *Manager) Query(ctx context.Context, query string, args ...any) ([]replicastore.Row, error) {
	var client, ok = m.Current()
	if !ok {
		return nil, ErrNotReady
	}
	return client.Query(ctx, query, args...)
}

// Watch returns a channel receiving the latest StateChange. Older changes
// not yet received are dropped. The channel is closed by the returned func
// and by Close.
func (m *Manager) Watch() (<-chan StateChange, func()) {
	var ch = make(chan StateChange, 1)

	m.mu.Lock()
	if m.closed {
		close(ch)
	} else {
		m.watchers[ch] = struct{}{}
	}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
	}
}

func (m *Manager) setStateLocked(state State, userID string, err error) {
	m.state, m.userID = state, userID
	metrics.LifecycleTransitionsTotal.WithLabelValues(state.String()).Inc()
	m.log.WithFields(log.Fields{"state": state.String(), "user": userID}).Debug("replica state changed")

	var change = StateChange{State: state, UserID: userID, Generation: m.generation, Err: err}
	for ch := range m.watchers {
		select {
		case ch <- change:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- change
		}
	}
}

// isCurrent is true if the client is the Ready replica.
func (m *Manager) isCurrent(c *ReplicaClient) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady && m.client == c
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.transition <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() { <-m.transition }
