package features

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentworkforce/replica/internal/livequery"
	"github.com/agentworkforce/replica/internal/replicastore"
)

type Document struct {
	ID            int64
	SearchSpaceID int64
	Title         string
	DocumentType  string
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Connector struct {
	ID            int64
	SearchSpaceID int64
	Name          string
	ConnectorType string
	IsIndexable   bool
	LastIndexedAt time.Time
	CreatedAt     time.Time
}

type Notification struct {
	ID            int64
	UserID        string
	SearchSpaceID int64
	Type          string
	Title         string
	Message       string
	Read          bool
	Metadata      json.RawMessage
	CreatedAt     time.Time
}

// Rows is the typed result of a Hook.
type Rows[T any] struct {
	Rows     []T
	Loading  bool
	Err      error
	NotReady bool
	Degraded bool
}

// Hook is a live query whose rows are decoded into T.
type Hook[T any] struct {
	adapter *livequery.Adapter
	decode  func(replicastore.Row) (T, error)
}

func NewHook[T any](source livequery.Source, query string, args []any, decode func(replicastore.Row) (T, error), opts livequery.Options) *Hook[T] {
	return &Hook[T]{
		adapter: livequery.New(source, query, args, opts),
		decode:  decode,
	}
}

func (h *Hook[T]) Attach(ctx context.Context)        { h.adapter.Attach(ctx) }
func (h *Hook[T]) Detach()                           { h.adapter.Detach() }
func (h *Hook[T]) Refresh(ctx context.Context) error { return h.adapter.Refresh(ctx) }
func (h *Hook[T]) Updates() <-chan livequery.Result  { return h.adapter.Updates() }
func (h *Hook[T]) Adapter() *livequery.Adapter       { return h.adapter }
func (h *Hook[T]) Result() Rows[T]                   { return h.Decode(h.adapter.Result()) }

// Decode maps a Result into typed rows. A row which fails to decode fails
// the whole Result.
func (h *Hook[T]) Decode(r livequery.Result) Rows[T] {
	var out = Rows[T]{
		Rows:     make([]T, 0, len(r.Rows)),
		Loading:  r.Loading,
		Err:      r.Err,
		NotReady: r.NotReady,
		Degraded: r.Degraded,
	}
	for _, row := range r.Rows {
		v, err := h.decode(row)
		if err != nil {
			out.Rows, out.Err = nil, err
			break
		}
		out.Rows = append(out.Rows, v)
	}
	return out
}

// Documents of a search space, most recently created first.
func Documents(source livequery.Source, searchSpaceID int64, opts livequery.Options) *Hook[Document] {
	return NewHook(source,
		`SELECT id, search_space_id, title, document_type, document_metadata, created_at, updated_at
		FROM documents WHERE search_space_id = $1 ORDER BY created_at DESC, id DESC`,
		[]any{searchSpaceID}, DecodeDocument, opts)
}

// Connectors of a search space, by name.
func Connectors(source livequery.Source, searchSpaceID int64, opts livequery.Options) *Hook[Connector] {
	return NewHook(source,
		`SELECT id, search_space_id, name, connector_type, is_indexable, last_indexed_at, created_at
		FROM search_source_connectors WHERE search_space_id = $1 ORDER BY name, id`,
		[]any{searchSpaceID}, DecodeConnector, opts)
}

// Notifications of a user, unread first and then most recent first.
func Notifications(source livequery.Source, userID string, opts livequery.Options) *Hook[Notification] {
	return NewHook(source,
		`SELECT id, user_id, search_space_id, type, title, message, read, metadata, created_at
		FROM notifications WHERE user_id = $1 ORDER BY read, created_at DESC, id DESC`,
		[]any{userID}, DecodeNotification, opts)
}

func DecodeDocument(row replicastore.Row) (d Document, err error) {
	var r = rowReader{row: row}
	d = Document{
		ID:            r.int("id"),
		SearchSpaceID: r.int("search_space_id"),
		Title:         r.string("title"),
		DocumentType:  r.string("document_type"),
		Metadata:      r.json("document_metadata"),
		CreatedAt:     r.time("created_at"),
		UpdatedAt:     r.time("updated_at"),
	}
	return d, r.err
}

func DecodeConnector(row replicastore.Row) (c Connector, err error) {
	var r = rowReader{row: row}
	c = Connector{
		ID:            r.int("id"),
		SearchSpaceID: r.int("search_space_id"),
		Name:          r.string("name"),
		ConnectorType: r.string("connector_type"),
		IsIndexable:   r.bool("is_indexable"),
		LastIndexedAt: r.time("last_indexed_at"),
		CreatedAt:     r.time("created_at"),
	}
	return c, r.err
}

func DecodeNotification(row replicastore.Row) (n Notification, err error) {
	var r = rowReader{row: row}
	n = Notification{
		ID:            r.int("id"),
		UserID:        r.string("user_id"),
		SearchSpaceID: r.int("search_space_id"),
		Type:          r.string("type"),
		Title:         r.string("title"),
		Message:       r.string("message"),
		Read:          r.bool("read"),
		Metadata:      r.json("metadata"),
		CreatedAt:     r.time("created_at"),
	}
	return n, r.err
}

// rowReader converts the column values of a Row, as returned by either
// store dialect, keeping the first conversion error. NULLs read as zero.
type rowReader struct {
	row replicastore.Row
	err error
}

func (r *rowReader) fail(col string, v any, want string) {
	if r.err == nil {
		r.err = fmt.Errorf("column %s: cannot read %T as %s", col, v, want)
	}
}

func (r *rowReader) int(col string) int64 {
	switch v := r.row[col].(type) {
	case nil:
		return 0
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(col, v, "integer")
		}
		return n
	default:
		r.fail(col, v, "integer")
		return 0
	}
}

func (r *rowReader) string(col string) string {
	switch v := r.row[col].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (r *rowReader) bool(col string) bool {
	switch v := r.row[col].(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(col, v, "boolean")
		}
		return b
	default:
		r.fail(col, v, "boolean")
		return false
	}
}

func (r *rowReader) time(col string) time.Time {
	switch v := r.row[col].(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
		r.fail(col, v, "timestamp")
		return time.Time{}
	default:
		r.fail(col, v, "timestamp")
		return time.Time{}
	}
}

func (r *rowReader) json(col string) json.RawMessage {
	switch v := r.row[col].(type) {
	case nil:
		return nil
	case string:
		if !json.Valid([]byte(v)) {
			r.fail(col, v, "json")
			return nil
		}
		return json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			r.fail(col, v, "json")
		}
		return b
	}
}
