package shapesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestWebSocketTransportStreamsFrames(t *testing.T) {
	var dials int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/shape/ws", r.URL.Path)
		assert.Equal(t, "documents", r.URL.Query().Get("table"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var ctx = r.Context()
		if atomic.AddInt32(&dials, 1) == 1 {
			assert.Equal(t, "-1", r.URL.Query().Get("offset"))
			_ = conn.Write(ctx, websocket.MessageText, []byte(`[
				{"key":"\"public\".\"documents\"/\"5\"","value":{"id":"5","search_space_id":"42","document_type":"FILE"},"headers":{"operation":"insert","offset":"0_0","handle":"h1"}},
				{"headers":{"control":"up-to-date"}}
			]`))
			// Drop the connection. The stream reconnects from its offset.
			return
		}
		assert.Equal(t, "h1", r.URL.Query().Get("handle"))
		assert.Equal(t, "0_0", r.URL.Query().Get("offset"))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte("ignored"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`[
			{"key":"\"public\".\"documents\"/\"5\"","headers":{"operation":"delete","offset":"1_0"}}
		]`))
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	var transport = NewWebSocketTransport("ws://"+strings.TrimPrefix(server.URL, "http://"), StaticToken("token"), server.Client(), nil)
	transport.baseDelay = time.Millisecond

	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{})
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h1", batch.Handle)
	assert.True(t, batch.UpToDate)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "0_0", batch.Offset.String())

	batch, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "1_0", batch.Offset.String())
	assert.Equal(t, map[string]any{"id": "5"}, batch.Records[0].PrimaryKeyValues)
	assert.True(t, batch.UpToDate)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestWebSocketTransportRefetch(t *testing.T) {
	var dials int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&dials, 1) == 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		assert.Equal(t, "-1", r.URL.Query().Get("offset"))
		assert.Empty(t, r.URL.Query().Get("handle"))

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(snapshotBody))
		_, _, _ = conn.Read(r.Context())
	}))
	defer server.Close()

	var transport = NewWebSocketTransport("ws://"+strings.TrimPrefix(server.URL, "http://"), StaticToken("token"), server.Client(), nil)
	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{Handle: "h0", Offset: logoffset.MustParse("9_0")})
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.True(t, batch.Reset)
	assert.Len(t, batch.Records, 2)
}

func TestWebSocketTransportRequiresToken(t *testing.T) {
	var transport = NewWebSocketTransport("ws://127.0.0.1:1", nil, nil, nil)
	stream, err := transport.SyncShape(context.Background(), documentsShape, Resume{})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestNewTransportSelectsByScheme(t *testing.T) {
	transport, err := NewTransport("https://sync.example.com", TransportOptions{})
	require.NoError(t, err)
	assert.IsType(t, &HTTPTransport{}, transport)

	transport, err = NewTransport("wss://sync.example.com", TransportOptions{})
	require.NoError(t, err)
	assert.IsType(t, &WebSocketTransport{}, transport)

	_, err = NewTransport("ftp://sync.example.com", TransportOptions{})
	assert.Error(t, err)
}
