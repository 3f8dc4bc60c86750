package shapesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/agentworkforce/replica/internal/metrics"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const wsReadLimit = 16 << 20

// WebSocketTransport streams shapes over a WebSocket at {base}/v1/shape/ws.
// The server pushes each batch as a text frame holding a JSON array of shape
// messages. A message may carry the log's handle in headers.handle.
type WebSocketTransport struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	log        log.FieldLogger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewWebSocketTransport(baseURL string, token TokenSource, httpClient *http.Client, logger log.FieldLogger) *WebSocketTransport {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &WebSocketTransport{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: httpClient,
		log:        logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (t *WebSocketTransport) SyncShape(ctx context.Context, def ShapeDefinition, from Resume) (Stream, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	var s = &wsStream{transport: t, def: def, handle: from.Handle, offset: from.Offset}
	if from.offsetParam() == logoffset.BeforeAll.String() {
		s.handle, s.offset = "", logoffset.BeforeAll
	}
	return s, nil
}

type wsStream struct {
	transport *WebSocketTransport
	def       ShapeDefinition
	conn      *websocket.Conn

	handle string
	offset logoffset.Offset
	live   bool
	reset  bool
	closed bool
}

func (s *wsStream) Next(ctx context.Context) (Batch, error) {
	for attempt := 0; ; {
		if s.closed {
			return Batch{}, fmt.Errorf("shape stream %s closed", s.def.Table)
		}
		if s.conn == nil {
			if err := s.dial(ctx); err != nil {
				var httpErr *HTTPError
				if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
					s.refetch()
					continue
				}
				if errors.Is(err, ErrUnauthenticated) || ctx.Err() != nil || attempt >= s.transport.maxRetries {
					return Batch{}, err
				}
				attempt++
				metrics.TransportRetriesTotal.WithLabelValues("dial").Inc()
				if waitErr := waitWithContext(ctx, backoffDelay(attempt, s.transport.baseDelay, s.transport.maxDelay, "")); waitErr != nil {
					return Batch{}, waitErr
				}
				continue
			}
		}

		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.drop()
			if ctx.Err() != nil {
				return Batch{}, ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return Batch{}, &HTTPError{StatusCode: http.StatusForbidden, Message: err.Error()}
			}
			s.transport.log.WithFields(log.Fields{"table": s.def.Table, "err": err}).Debug("shape socket dropped; reconnecting")
			continue
		}
		attempt = 0
		if typ != websocket.MessageText {
			continue
		}

		result, err := decodeMessages(data, s.def)
		if err != nil {
			return Batch{}, err
		}
		if result.mustRefetch {
			s.refetch()
			continue
		}
		if result.handle != "" {
			s.handle = result.handle
		}
		if result.lastOffset.IsSet() {
			s.offset = result.lastOffset
		}
		s.live = s.live || result.upToDate

		var batch = Batch{
			Records:  result.records,
			Handle:   s.handle,
			Offset:   s.offset,
			UpToDate: s.live,
			Reset:    s.reset,
		}
		s.reset = false
		return batch, nil
	}
}

func (s *wsStream) dial(ctx context.Context) error {
	token, err := bearerToken(ctx, s.transport.token)
	if err != nil {
		return err
	}
	var q = shapeQuery(s.def, Resume{Handle: s.handle, Offset: s.offset})
	var header = http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Correlation-Id", correlationID())

	conn, resp, err := websocket.Dial(ctx, s.transport.baseURL+"/v1/shape/ws?"+q.Encode(), &websocket.DialOptions{
		HTTPClient: s.transport.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	conn.SetReadLimit(wsReadLimit)
	s.conn = conn
	return nil
}

func (s *wsStream) refetch() {
	s.transport.log.WithFields(log.Fields{"table": s.def.Table, "handle": s.handle}).Info("server requested shape refetch")
	s.drop()
	s.handle, s.offset, s.live, s.reset = "", logoffset.BeforeAll, false, true
}

func (s *wsStream) drop() {
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.conn = nil
	}
}

func (s *wsStream) Close() error {
	s.closed = true
	s.drop()
	return nil
}
