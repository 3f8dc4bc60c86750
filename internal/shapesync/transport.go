package shapesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/agentworkforce/replica/internal/replicastore"
	log "github.com/sirupsen/logrus"
)

// ErrUnauthenticated is returned by streams when no bearer token is
// available. No request is made without one.
var ErrUnauthenticated = errors.New("no bearer token available")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is matches ErrUnauthenticated for authentication failures.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthenticated &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// ChangeRecord is a row change as received from the server, before coercion
// into the shape's column types.
type ChangeRecord struct {
	Operation replicastore.Op
	// Key is the server's identifier of the row, if provided.
	Key string
	// PrimaryKeyValues holds the row's key columns.
	PrimaryKeyValues map[string]any
	// Row holds the columns carried by the record. Updates carry only the
	// changed columns, and deletes may carry none.
	Row    map[string]any
	Offset logoffset.Offset

	// invalid is set when the message itself was malformed.
	invalid string
}

// Batch is the change records of one transport response, delivered in log
// order.
type Batch struct {
	Records []ChangeRecord
	Handle  string
	// Offset reached once the batch is applied.
	Offset logoffset.Offset
	// UpToDate is set once the batch completes the shape's initial snapshot,
	// and on every later batch of the live log.
	UpToDate bool
	// Reset is set when the server discarded the shape's log. Local rows of
	// the shape must be cleared before the batch is applied.
	Reset bool
}

// Resume is the position a stream starts from.
type Resume struct {
	Handle string
	Offset logoffset.Offset
}

func (r Resume) offsetParam() string {
	if !r.Offset.IsSet() || r.Handle == "" {
		return logoffset.BeforeAll.String()
	}
	return r.Offset.String()
}

// Stream is an open subscription to a shape's log.
type Stream interface {
	// Next blocks until the next batch. Transient failures are retried
	// internally. Errors are returned for context cancellation, a missing
	// token, and non-retryable server responses.
	Next(ctx context.Context) (Batch, error)
	Close() error
}

// Transport opens shape streams.
type Transport interface {
	SyncShape(ctx context.Context, def ShapeDefinition, from Resume) (Stream, error)
}

// TokenSource returns the current bearer token, or "" if there is none.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource of a fixed token.
func StaticToken(token string) TokenSource {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) { return token, nil }
}

// TransportOptions configure NewTransport.
type TransportOptions struct {
	Token      TokenSource
	HTTPClient *http.Client
	Logger     log.FieldLogger
}

// NewTransport returns an HTTP long-polling Transport for http(s) base URLs,
// and a WebSocket Transport for ws(s) base URLs.
func NewTransport(baseURL string, opts TransportOptions) (Transport, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return NewHTTPTransport(baseURL, opts.Token, opts.HTTPClient, opts.Logger), nil
	case "ws", "wss":
		return NewWebSocketTransport(baseURL, opts.Token, opts.HTTPClient, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: sync URL scheme %q", replicastore.ErrInvalidInput, parsed.Scheme)
	}
}

func bearerToken(ctx context.Context, source TokenSource) (string, error) {
	if source == nil {
		return "", ErrUnauthenticated
	}
	token, err := source(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

func shapeQuery(def ShapeDefinition, from Resume) url.Values {
	var q = url.Values{}
	q.Set("table", def.Table)
	if where := strings.TrimSpace(def.Where); where != "" {
		q.Set("where", where)
	}
	if len(def.Columns) != 0 {
		q.Set("columns", strings.Join(def.ColumnNames(), ","))
	}
	q.Set("offset", from.offsetParam())
	if from.Handle != "" && from.offsetParam() != logoffset.BeforeAll.String() {
		q.Set("handle", from.Handle)
	}
	return q
}
