package replicastore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationApplyAndPoll(t *testing.T) {
	var ctx = context.Background()
	var store = openPostgresIntegrationStore(t, 50*time.Millisecond)

	assert.Equal(t, CapabilityPolling, store.Capability())
	require.NoError(t, store.EnsureTable(ctx, documentsSpec))

	live, err := store.Live(ctx, "SELECT id, document_type FROM documents WHERE search_space_id = $1 ORDER BY id", 42)
	require.NoError(t, err)
	defer live.Unsubscribe()
	assert.Empty(t, live.InitialResults())

	var fired = make(chan []Row, 8)
	live.Subscribe(func(rows []Row) { fired <- rows })

	res, err := store.ApplyBatch(ctx, documentsBatch("1_5",
		insertDoc(5, 42, "FILE", "1_0"),
		insertDoc(7, 42, "FILE", "1_1"),
		insertDoc(9, 42, "FILE", "1_2"),
	))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	select {
	case rows := <-fired:
		assert.Len(t, rows, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("polling live query did not fire")
	}

	_, err = store.ApplyBatch(ctx, documentsBatch("", Change{
		Op:     OpUpdate,
		Key:    Row{"id": int64(7)},
		Values: Row{"document_type": "CRAWLED_URL"},
		Offset: logoffset.MustParse("2_0"),
	}))
	require.NoError(t, err)
	require.NoError(t, live.Refresh(ctx))

	rows, err := store.Query(ctx, "SELECT document_type FROM documents WHERE id = $1", 7)
	require.NoError(t, err)
	assert.Equal(t, "CRAWLED_URL", rows[0]["document_type"])

	_, err = store.ApplyBatch(ctx, documentsBatch("", insertDoc(1, 42, "FILE", "1_9")))
	assert.NoError(t, err)
	cp, found, err := store.Checkpoint(ctx, "documents-shape")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2_0", cp.Offset.String(), "replayed change doesn't move the checkpoint")
}

func TestPostgresIntegrationDestroyDropsSchema(t *testing.T) {
	var ctx = context.Background()
	var store = openPostgresIntegrationStore(t, -1)

	assert.Equal(t, CapabilityNone, store.Capability())
	_, err := store.Live(ctx, "SELECT 1")
	assert.True(t, errors.Is(err, ErrLiveUnsupported))

	require.NoError(t, store.EnsureTable(ctx, documentsSpec))
	require.NoError(t, store.Destroy())

	reopened, err := OpenPostgres(ctx, PostgresOptions{DSN: postgresIntegrationDSN(t), UserID: store.UserID()})
	require.NoError(t, err)
	defer reopened.Destroy()

	rows, err := reopened.Query(ctx, "SELECT count(*) AS n FROM information_schema.tables WHERE table_schema = $1 AND table_name = 'documents'", reopened.Schema())
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[0]["n"])
}

func openPostgresIntegrationStore(t *testing.T, poll time.Duration) *PostgresStore {
	t.Helper()
	var dsn = postgresIntegrationDSN(t)

	store, err := OpenPostgres(context.Background(), PostgresOptions{
		DSN:          dsn,
		UserID:       postgresIntegrationUser("it-user"),
		PollInterval: poll,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Destroy() })
	return store
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("REPLICA_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("set REPLICA_POSTGRES_TEST_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationUser(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}
