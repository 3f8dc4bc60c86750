package shapesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/agentworkforce/replica/internal/replicastore"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotBody = `[
	{"key":"\"public\".\"documents\"/\"5\"","value":{"id":"5","search_space_id":"42","title":"a","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_0"}},
	{"key":"\"public\".\"documents\"/\"7\"","value":{"id":"7","search_space_id":"42","title":"b","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_1"}},
	{"headers":{"control":"up-to-date"}}
]`

func TestHTTPTransportStreamsSnapshotThenLivePolls(t *testing.T) {
	var requests = make(chan *http.Request, 8)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Header().Set(headerHandle, "h1")
			w.Header().Set(headerOffset, "0_1")
			w.Header().Set(headerUpToDate, "true")
			w.Header().Set(headerCursor, "c1")
			_, _ = w.Write([]byte(snapshotBody))
		case 2:
			w.Header().Set(headerHandle, "h1")
			w.Header().Set(headerOffset, "1_0")
			w.Header().Set(headerCursor, "c2")
			_, _ = w.Write([]byte(`[{"key":"\"public\".\"documents\"/\"7\"","value":{"document_type":"CRAWLED_URL"},"headers":{"operation":"update","offset":"1_0"}},{"headers":{"control":"up-to-date"}}]`))
		default:
			<-r.Context().Done()
		}
	}))
	defer server.Close()

	var transport = NewHTTPTransport(server.URL, StaticToken("token"), server.Client(), nil)
	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{})
	require.NoError(t, err)
	defer stream.Close()

	batch, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h1", batch.Handle)
	assert.Equal(t, "0_1", batch.Offset.String())
	assert.True(t, batch.UpToDate)
	assert.False(t, batch.Reset)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, replicastore.OpInsert, batch.Records[0].Operation)
	assert.Equal(t, map[string]any{"id": "5"}, batch.Records[0].PrimaryKeyValues)

	var first = <-requests
	assert.Equal(t, "/v1/shape", first.URL.Path)
	assert.Equal(t, "documents", first.URL.Query().Get("table"))
	assert.Equal(t, "search_space_id = 42", first.URL.Query().Get("where"))
	assert.Equal(t, "id,search_space_id,title,document_type", first.URL.Query().Get("columns"))
	assert.Equal(t, "-1", first.URL.Query().Get("offset"))
	assert.Empty(t, first.URL.Query().Get("handle"))
	assert.Equal(t, "Bearer token", first.Header.Get("Authorization"))
	assert.Contains(t, first.Header.Get("X-Correlation-Id"), "replica_")

	batch, err = stream.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, replicastore.OpUpdate, batch.Records[0].Operation)
	assert.Equal(t, map[string]any{"id": "7"}, batch.Records[0].PrimaryKeyValues, "key falls back to the message key")
	assert.Equal(t, "1_0", batch.Offset.String())

	var second = <-requests
	assert.Equal(t, "true", second.URL.Query().Get("live"))
	assert.Equal(t, "h1", second.URL.Query().Get("handle"))
	assert.Equal(t, "0_1", second.URL.Query().Get("offset"))
	assert.Equal(t, "c1", second.URL.Query().Get("cursor"))
}

func TestHTTPTransportRefetchesOnConflict(t *testing.T) {
	var mu sync.Mutex
	var offsets []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset")+"@"+r.URL.Query().Get("handle"))
		var n = len(offsets)
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`[{"headers":{"control":"must-refetch"}}]`))
			return
		}
		w.Header().Set(headerHandle, "h2")
		w.Header().Set(headerOffset, "0_1")
		_, _ = w.Write([]byte(snapshotBody))
	}))
	defer server.Close()

	var transport = NewHTTPTransport(server.URL, StaticToken("token"), server.Client(), nil)
	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{Handle: "h1", Offset: logoffset.MustParse("3_0")})
	require.NoError(t, err)

	batch, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, batch.Reset)
	assert.Equal(t, "h2", batch.Handle)
	assert.Len(t, batch.Records, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"3_0@h1", "-1@"}, offsets)
}

func TestHTTPTransportRefetchesOnControlMessage(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set(headerHandle, "h1")
			_, _ = w.Write([]byte(`[{"headers":{"control":"must-refetch"}}]`))
			return
		}
		assert.Equal(t, "-1", r.URL.Query().Get("offset"))
		w.Header().Set(headerHandle, "h2")
		_, _ = w.Write([]byte(snapshotBody))
	}))
	defer server.Close()

	var transport = NewHTTPTransport(server.URL, StaticToken("token"), server.Client(), nil)
	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{Handle: "h1", Offset: logoffset.MustParse("3_0")})
	require.NoError(t, err)

	batch, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, batch.Reset)
	assert.True(t, batch.UpToDate)
}

func TestHTTPTransportRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Header().Set(headerHandle, "h1")
			_, _ = w.Write([]byte(snapshotBody))
		}
	}))
	defer server.Close()

	var transport = NewHTTPTransport(server.URL, StaticToken("token"), server.Client(), nil)
	transport.baseDelay = time.Millisecond
	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{})
	require.NoError(t, err)

	batch, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch.Records, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPTransportSurfacesClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"token expired"}`))
	}))
	defer server.Close()

	var transport = NewHTTPTransport(server.URL, StaticToken("token"), server.Client(), nil)
	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, "unauthorized", httpErr.Code)
	assert.Equal(t, "token expired", httpErr.Message)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestHTTPTransportMakesNoRequestWithoutToken(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	for _, token := range []TokenSource{nil, StaticToken("  ")} {
		var transport = NewHTTPTransport(server.URL, token, server.Client(), nil)
		stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{})
		require.NoError(t, err)

		_, err = stream.Next(context.Background())
		assert.ErrorIs(t, err, ErrUnauthenticated)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestEngineOverHTTPTransport(t *testing.T) {
	var ctx = context.Background()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set(headerHandle, "h1")
			w.Header().Set(headerOffset, "0_2")
			_, _ = w.Write([]byte(`[
				{"key":"\"public\".\"documents\"/\"5\"","value":{"id":"5","search_space_id":"42","title":"a","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_0"}},
				{"key":"\"public\".\"documents\"/\"7\"","value":{"id":"7","search_space_id":"42","title":"b","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_1"}},
				{"key":"\"public\".\"documents\"/\"9\"","value":{"id":"9","search_space_id":"42","title":null,"document_type":"FILE"},"headers":{"operation":"insert","offset":"0_2"}},
				{"headers":{"control":"up-to-date"}}
			]`))
			return
		}
		<-r.Context().Done()
	}))
	// Registered before the engine, so the engine stops its live poll first.
	t.Cleanup(server.Close)

	var logger, _ = logtest.NewNullLogger()
	var transport = NewHTTPTransport(server.URL, StaticToken("token"), server.Client(), logger)
	var engine, store = newTestEngine(t, transport)

	sub, err := engine.OpenShape(ctx, documentsShape)
	require.NoError(t, err)
	require.True(t, sub.WaitUpToDate(ctx, 5*time.Second))
	assert.Equal(t, int64(3), countDocuments(t, store))

	rows, err := store.Query(ctx, "SELECT title FROM documents WHERE id = $1", 9)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["title"])
}

func TestEngineOverHTTPTransportSkipsMalformedMessages(t *testing.T) {
	var ctx = context.Background()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set(headerHandle, "h1")
			w.Header().Set(headerOffset, "0_3")
			_, _ = w.Write([]byte(`[
				{"key":"\"public\".\"documents\"/\"5\"","value":{"id":"5","search_space_id":"42","title":"a","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_0"}},
				{"key":"\"public\".\"documents\"/\"6\"","value":{"id":"6","search_space_id":"42","title":"b","document_type":"FILE"},"headers":{"operation":"upsert","offset":"0_1"}},
				{"key":"\"public\".\"documents\"/\"7\"","value":{"id":"7","search_space_id":"42","title":"c","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_2"}},
				{"key":"\"public\".\"documents\"/\"8\"","value":{"id":"8","search_space_id":"42","title":"d","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_3"}},
				{"headers":{"control":"up-to-date"}}
			]`))
			return
		}
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	var logger, _ = logtest.NewNullLogger()
	var transport = NewHTTPTransport(server.URL, StaticToken("token"), server.Client(), logger)
	var engine, store = newTestEngine(t, transport)

	sub, err := engine.OpenShape(ctx, documentsShape)
	require.NoError(t, err)
	require.True(t, sub.WaitUpToDate(ctx, 5*time.Second))

	assert.Equal(t, int64(3), countDocuments(t, store))
	assert.Equal(t, 1, sub.Stats().Invalid)
	assert.Equal(t, "0_3", sub.Stats().LastOffset)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoffDelay(1, 100*time.Millisecond, time.Second, ""))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(3, 100*time.Millisecond, time.Second, ""))
	assert.Equal(t, time.Second, backoffDelay(10, 100*time.Millisecond, time.Second, ""))
	assert.Equal(t, 3*time.Second, backoffDelay(1, 100*time.Millisecond, 5*time.Second, "3"))
	assert.Equal(t, 5*time.Second, backoffDelay(1, 100*time.Millisecond, 5*time.Second, "60"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
