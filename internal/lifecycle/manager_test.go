package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/agentworkforce/replica/internal/shapesync"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var documentsShape = shapesync.ShapeDefinition{
	Table: "documents",
	Where: "search_space_id = 42",
	Columns: []replicastore.Column{
		{Name: "id", Type: replicastore.TypeInteger},
		{Name: "search_space_id", Type: replicastore.TypeInteger},
		{Name: "document_type", Type: replicastore.TypeText},
	},
	PrimaryKey: []string{"id"},
}

func TestEnsureInitializedReturnsReadyClient(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(nil)

	client, err := m.EnsureInitialized(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", client.UserID())
	assert.Equal(t, uint64(1), client.Generation())
	assert.True(t, client.Current())

	state, user := m.State()
	assert.Equal(t, StateReady, state)
	assert.Equal(t, "user-1", user)

	again, err := m.EnsureInitialized(ctx, " user-1 ")
	require.NoError(t, err)
	assert.Same(t, client, again)
	assert.Equal(t, []string{"user-1"}, h.openedUsers())
}

func TestConcurrentInitializationsShareOneAttempt(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var gate = h.block("user-1")
	var m = h.manager(nil)

	var wg sync.WaitGroup
	var clients = make([]*ReplicaClient, 5)
	var errs = make([]error, 5)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = m.EnsureInitialized(ctx, "user-1")
		}(i)
	}
	require.Equal(t, "user-1", <-h.entered)
	state, _ := m.State()
	assert.Equal(t, StateInitializing, state)

	close(gate)
	wg.Wait()

	for i := range clients {
		require.NoError(t, errs[i])
		assert.Same(t, clients[0], clients[i])
	}
	assert.Equal(t, []string{"user-1"}, h.openedUsers())
}

func TestSwitchingUserSupersedesInflightInitialization(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var gate = h.block("user-1")
	var m = h.manager(nil)

	var firstErr = make(chan error, 1)
	go func() {
		_, err := m.EnsureInitialized(ctx, "user-1")
		firstErr <- err
	}()
	require.Equal(t, "user-1", <-h.entered)

	var second = make(chan *ReplicaClient, 1)
	go func() {
		client, err := m.EnsureInitialized(ctx, "user-2")
		assert.NoError(t, err)
		second <- client
	}()

	// Give user-2's request time to supersede before user-1's store opens.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.inflight != nil && m.inflight.userID == "user-2"
	}, 5*time.Second, time.Millisecond)
	close(gate)

	assert.ErrorIs(t, <-firstErr, ErrSuperseded)
	var client = <-second
	require.NotNil(t, client)
	assert.Equal(t, "user-2", client.UserID())

	assert.Equal(t, []string{"user-1", "user-2"}, h.openedUsers())
	assert.Equal(t, []string{"user-1"}, h.destroyedUsers())
	assert.Equal(t, 1, h.maxAliveStores(), "no two stores coexist")

	current, ok := m.Current()
	require.True(t, ok)
	assert.Same(t, client, current)
}

func TestInitializationFailureAllowsRetry(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(nil)

	var boom = errors.New("disk on fire")
	h.failNext(boom)

	_, err := m.EnsureInitialized(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	state, user := m.State()
	assert.Equal(t, StateEmpty, state)
	assert.Empty(t, user)
	_, ok := m.Current()
	assert.False(t, ok)
	_, err = m.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotReady)

	client, err := m.EnsureInitialized(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", client.UserID())
}

func TestInitializationFailsOnInvalidShape(t *testing.T) {
	var h = newStoreHarness(t)
	var bad = documentsShape
	bad.PrimaryKey = nil
	var m = h.manager(func(string) []shapesync.ShapeDefinition { return []shapesync.ShapeDefinition{bad} })

	_, err := m.EnsureInitialized(context.Background(), "user-1")
	assert.ErrorIs(t, err, replicastore.ErrInvalidInput)
	assert.Equal(t, []string{"user-1"}, h.destroyedUsers(), "a partially opened replica is destroyed")
	assert.False(t, m.IsReady())
}

func TestEmptyUserNeverCreatesAStore(t *testing.T) {
	var h = newStoreHarness(t)
	var m = h.manager(nil)

	_, err := m.EnsureInitialized(context.Background(), "  ")
	assert.ErrorIs(t, err, replicastore.ErrInvalidInput)

	state, _ := m.State()
	assert.Equal(t, StateEmpty, state)
	assert.Empty(t, h.openedUsers())
}

func TestTeardownDestroysReplica(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(nil)

	// A no-op while Empty.
	require.NoError(t, m.Teardown(ctx))

	client, err := m.EnsureInitialized(ctx, "user-1")
	require.NoError(t, err)
	var dir = filepath.Join(h.root, "user-1")
	require.DirExists(t, dir)

	require.NoError(t, m.Teardown(ctx))
	assert.NoDirExists(t, dir)
	assert.False(t, client.Current())

	_, err = client.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = client.Live(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = client.OpenShape(ctx, documentsShape)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, m.Teardown(ctx))
	assert.Equal(t, []string{"user-1"}, h.destroyedUsers())
}

func TestTeardownStopsLiveQueryCallbacks(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(nil)
	SetDefault(m)
	defer SetDefault(nil)

	client, err := InitReplica(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, IsReplicaReady())

	_, err = client.OpenShape(ctx, documentsShape)
	require.NoError(t, err)
	live, err := client.Live(ctx, "SELECT * FROM documents")
	require.NoError(t, err)

	var fired atomic.Int32
	live.Subscribe(func([]replicastore.Row) { fired.Add(1) })

	var store = client.Store()
	applyDocument(t, store, 1, "1_0")
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, CleanupReplica(ctx))
	assert.False(t, IsReplicaReady())

	_, err = store.ApplyBatch(ctx, documentBatch(2, "2_0"))
	assert.ErrorIs(t, err, replicastore.ErrClosed)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestUserSwitchIsolatesReplicas(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(func(string) []shapesync.ShapeDefinition {
		return []shapesync.ShapeDefinition{documentsShape}
	})

	first, err := m.EnsureInitialized(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, first.Engine().Status(), 1)

	live, err := first.Live(ctx, "SELECT * FROM documents WHERE search_space_id=$1", 42)
	require.NoError(t, err)
	var fired, seen atomic.Int32
	live.Subscribe(func(rows []replicastore.Row) {
		fired.Add(1)
		seen.Store(int32(len(rows)))
	})

	applyDocument(t, first.Store(), 1, "1_0")
	applyDocument(t, first.Store(), 2, "1_1")
	require.Eventually(t, func() bool { return seen.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	var before = fired.Load()

	second, err := m.EnsureInitialized(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "user-2", second.UserID())
	assert.Equal(t, uint64(2), second.Generation())
	assert.False(t, first.Current())

	rows, err := second.Query(ctx, "SELECT * FROM documents WHERE search_space_id=$1", 42)
	require.NoError(t, err)
	assert.Empty(t, rows, "user-2 sees none of user-1's rows")

	applyDocument(t, second.Store(), 3, "1_0")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, fired.Load(), "user-1's live query is silent after the switch")

	assert.Equal(t, []string{"user-1"}, h.destroyedUsers())
	assert.Equal(t, 1, h.maxAliveStores())
}

func TestWatchReceivesTransitions(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(nil)

	changes, stop := m.Watch()
	defer stop()

	_, err := m.EnsureInitialized(ctx, "user-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case change := <-changes:
			return change.State == StateReady && change.UserID == "user-1" && change.Generation == 1
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, m.Teardown(ctx))
	var last StateChange
	require.Eventually(t, func() bool {
		select {
		case last = <-changes:
		default:
		}
		return last.State == StateEmpty
	}, 5*time.Second, time.Millisecond)

	stop()
	stop()
	for range changes {
	}
}

func TestCloseKeepsReplicaAndRejectsInitialization(t *testing.T) {
	var ctx = context.Background()
	var h = newStoreHarness(t)
	var m = h.manager(nil)

	_, err := m.EnsureInitialized(ctx, "user-1")
	require.NoError(t, err)
	changes, _ := m.Watch()

	require.NoError(t, m.Close(ctx))
	_, err = m.EnsureInitialized(ctx, "user-1")
	assert.ErrorIs(t, err, replicastore.ErrClosed)

	// The replica is closed, not destroyed.
	assert.Empty(t, h.destroyedUsers())
	assert.DirExists(t, filepath.Join(h.root, "user-1"))
	assert.False(t, m.IsReady())

	for range changes {
	}
}

func TestDefaultManagerFunctions(t *testing.T) {
	SetDefault(nil)
	_, err := InitReplica(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNoManager)
	assert.NoError(t, CleanupReplica(context.Background()))
	assert.False(t, IsReplicaReady())
}

func TestNewManagerValidatesOptions(t *testing.T) {
	_, err := NewManager(Options{StoreDSN: "memory://"})
	assert.ErrorIs(t, err, replicastore.ErrInvalidInput)

	_, err = NewManager(Options{Transport: idleTransport{}})
	assert.ErrorIs(t, err, replicastore.ErrInvalidInput)

	m, err := NewManager(Options{Transport: idleTransport{}, StoreDSN: "memory://"})
	require.NoError(t, err)
	client, err := m.EnsureInitialized(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, replicastore.CapabilityPush, client.Store().Capability())
	require.NoError(t, m.Close(context.Background()))
}

func applyDocument(t *testing.T, store replicastore.Store, id int64, offset string) {
	t.Helper()
	_, err := store.ApplyBatch(context.Background(), documentBatch(id, offset))
	require.NoError(t, err)
}

func documentBatch(id int64, offset string) replicastore.Batch {
	return replicastore.Batch{
		ShapeKey: "test-documents",
		Table:    documentsShape.TableSpec(),
		Offset:   logoffset.MustParse(offset),
		Changes: []replicastore.Change{{
			Op:     replicastore.OpInsert,
			Key:    replicastore.Row{"id": id},
			Values: replicastore.Row{"search_space_id": int64(42), "document_type": "FILE"},
			Offset: logoffset.MustParse(offset),
		}},
	}
}

// storeHarness opens SQLite replicas under a temporary root, recording
// their lifetimes.
type storeHarness struct {
	t       *testing.T
	root    string
	entered chan string

	mu        sync.Mutex
	gates     map[string]chan struct{}
	fail      error
	opened    []string
	destroyed []string
	alive     int
	maxAlive  int
}

func newStoreHarness(t *testing.T) *storeHarness {
	return &storeHarness{
		t:       t,
		root:    t.TempDir(),
		entered: make(chan string, 16),
		gates:   make(map[string]chan struct{}),
	}
}

func (h *storeHarness) manager(shapes func(string) []shapesync.ShapeDefinition) *Manager {
	var logger, _ = logtest.NewNullLogger()
	m, err := NewManager(Options{
		OpenStore: h.open,
		Transport: idleTransport{},
		Shapes:    shapes,
		Logger:    logger,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// block holds opens of userID until the returned channel is closed.
func (h *storeHarness) block(userID string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	var gate = make(chan struct{})
	h.gates[userID] = gate
	return gate
}

func (h *storeHarness) failNext(err error) {
	h.mu.Lock()
	h.fail = err
	h.mu.Unlock()
}

func (h *storeHarness) open(ctx context.Context, userID string) (replicastore.Store, error) {
	h.mu.Lock()
	var gate, fail = h.gates[userID], h.fail
	delete(h.gates, userID)
	h.fail = nil
	h.mu.Unlock()

	h.entered <- userID
	if gate != nil {
		<-gate
	}
	if fail != nil {
		return nil, fail
	}

	// Superseded opens still complete, so the harness sees them destroyed.
	store, err := replicastore.OpenSQLite(context.WithoutCancel(ctx), replicastore.SQLiteOptions{
		Dir:    filepath.Join(h.root, userID),
		UserID: userID,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.opened = append(h.opened, userID)
	h.alive++
	if h.alive > h.maxAlive {
		h.maxAlive = h.alive
	}
	h.mu.Unlock()
	return &trackedStore{SQLiteStore: store, h: h}, nil
}

func (h *storeHarness) openedUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opened...)
}

func (h *storeHarness) destroyedUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.destroyed...)
}

func (h *storeHarness) maxAliveStores() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxAlive
}

type trackedStore struct {
	*replicastore.SQLiteStore
	h *storeHarness
}

func (s *trackedStore) Destroy() error {
	var err = s.SQLiteStore.Destroy()

	s.h.mu.Lock()
	s.h.destroyed = append(s.h.destroyed, s.UserID())
	s.h.alive--
	s.h.mu.Unlock()
	return err
}

// idleTransport opens streams which never deliver a batch.
type idleTransport struct{}

func (idleTransport) SyncShape(context.Context, shapesync.ShapeDefinition, shapesync.Resume) (shapesync.Stream, error) {
	return idleStream{}, nil
}

type idleStream struct{}

func (idleStream) Next(ctx context.Context) (shapesync.Batch, error) {
	<-ctx.Done()
	return shapesync.Batch{}, ctx.Err()
}

func (idleStream) Close() error { return nil }
