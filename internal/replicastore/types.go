// Package replicastore implements the per-user embedded database which holds
// replicated rows of synced shapes, the shape checkpoints which make change
// application resumable and idempotent, and live queries over those rows.
//
// Two implementations are provided. SQLiteStore is push-capable: SQLite
// update and commit hooks report which tables a committed transaction touched,
// and only live queries depending on those tables are re-run. PostgresStore
// is polling: its live queries are re-run on an interval, and on demand via
// LiveQuery.Refresh. The capability is fixed when the store is opened.
package replicastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
)

// Row is a result or change row, keyed by column name. Values are nil, int64,
// float64, bool, string or time.Time.
type Row map[string]any

// Capability describes how a Store keeps its live queries current.
type Capability int

const (
	// CapabilityNone stores cannot serve live queries. Live returns
	// ErrLiveUnsupported and callers fall back to one-shot queries.
	CapabilityNone Capability = iota
	// CapabilityPolling stores re-run live queries on an interval.
	CapabilityPolling
	// CapabilityPush stores re-run live queries when a committed write
	// touches one of their tables.
	CapabilityPush
)

func (c Capability) String() string {
	switch c {
	case CapabilityPush:
		return "push"
	case CapabilityPolling:
		return "polling"
	default:
		return "none"
	}
}

// ColumnType is the logical type of a replicated column. Each dialect maps it
// onto a concrete SQL type.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeReal      ColumnType = "real"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
)

func (t ColumnType) Valid() bool {
	switch t {
	case TypeText, TypeInteger, TypeReal, TypeBoolean, TypeTimestamp, TypeJSON:
		return true
	}
	return false
}

// Column of a replicated table.
type Column struct {
	Name     string     `yaml:"name" json:"name"`
	Type     ColumnType `yaml:"type" json:"type"`
	Nullable bool       `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

// TableSpec describes a local table mirroring (a projection of) a server table.
type TableSpec struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

// Validate returns an error wrapping ErrInvalidInput if the spec cannot be
// materialized: it needs a name, at least one column, and a primary key made
// of declared columns.
func (t TableSpec) Validate() error {
	if !validIdentifier(t.Name) {
		return fmt.Errorf("%w: table name %q", ErrInvalidInput, t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrInvalidInput, t.Name)
	}
	var seen = make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !validIdentifier(c.Name) {
			return fmt.Errorf("%w: table %s column name %q", ErrInvalidInput, t.Name, c.Name)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: table %s column %s type %q", ErrInvalidInput, t.Name, c.Name, c.Type)
		}
		if seen[strings.ToLower(c.Name)] {
			return fmt.Errorf("%w: table %s duplicate column %s", ErrInvalidInput, t.Name, c.Name)
		}
		seen[strings.ToLower(c.Name)] = true
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("%w: table %s has no primary key", ErrInvalidInput, t.Name)
	}
	for _, pk := range t.PrimaryKey {
		if !seen[strings.ToLower(pk)] {
			return fmt.Errorf("%w: table %s primary key column %s is not projected", ErrInvalidInput, t.Name, pk)
		}
	}
	return nil
}

// Column returns the named column, matched case-insensitively.
func (t TableSpec) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// IsPrimaryKey reports whether name is one of the table's key columns.
func (t TableSpec) IsPrimaryKey(name string) bool {
	for _, pk := range t.PrimaryKey {
		if strings.EqualFold(pk, name) {
			return true
		}
	}
	return false
}

// Op is the operation of a Change.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// ParseOp parses an operation name as it appears on the wire.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("%w: operation %q", ErrInvalidInput, s)
}

// Change is a single typed row change of a Batch.
type Change struct {
	Op Op
	// Key holds the primary key values of the changed row.
	Key Row
	// Values holds the non-key columns to write. Inserts carry the full
	// projected row, updates only the changed columns, deletes none.
	Values Row
	// Offset is the log position of the change. Changes without an offset
	// are applied unconditionally and do not participate in replay detection.
	Offset logoffset.Offset
}

// Batch is a group of Changes of one shape which is applied atomically,
// together with the shape's new checkpoint.
type Batch struct {
	ShapeKey string
	Table    TableSpec
	// Handle identifies the server-side shape log the offsets belong to.
	Handle string
	// Offset is the log position reached after this batch, which may be
	// beyond the offset of its last Change.
	Offset   logoffset.Offset
	UpToDate bool
	// Reset clears the shape's rows, as selected by ResetWhere, and its
	// checkpoint before Changes are applied.
	Reset      bool
	ResetWhere string
	Changes    []Change
}

// ApplyResult summarizes an applied Batch.
type ApplyResult struct {
	// Applied changes modified the table.
	Applied int
	// Skipped updates and deletes matched no row.
	Skipped int
	// Replayed changes were at or before the shape checkpoint and were ignored.
	Replayed   int
	Checkpoint Checkpoint
}

// Checkpoint is the persisted progress of a shape.
type Checkpoint struct {
	ShapeKey  string
	Table     string
	Handle    string
	Offset    logoffset.Offset
	UpToDate  bool
	UpdatedAt time.Time
}

// Store is a per-user replica database.
type Store interface {
	UserID() string
	Capability() Capability
	// Query runs a read-only query. Parameters use $1..$n placeholders.
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	// Live runs the query and keeps its result current. It returns
	// ErrLiveUnsupported from stores of CapabilityNone.
	Live(ctx context.Context, query string, args ...any) (LiveQuery, error)
	// EnsureTable creates the table if needed, adding any projected columns
	// missing from an existing table.
	EnsureTable(ctx context.Context, spec TableSpec) error
	// ApplyBatch applies a Batch and its checkpoint in one transaction. A
	// batch whose offsets are not strictly increasing is rejected with
	// ErrOutOfOrder and nothing is applied.
	ApplyBatch(ctx context.Context, batch Batch) (ApplyResult, error)
	// Checkpoint returns the checkpoint of a shape, and whether one exists.
	Checkpoint(ctx context.Context, shapeKey string) (Checkpoint, bool, error)
	Checkpoints(ctx context.Context) ([]Checkpoint, error)
	// Close releases the store, keeping its data for a later Open.
	Close() error
	// Destroy releases the store and deletes all of its data.
	Destroy() error
}

// LiveQuery is an open query whose result set is re-delivered to subscribers
// whenever it changes.
//
// Callbacks are invoked serially and never after Unsubscribe returns. A
// callback must not call Unsubscribe, or the cancel func of its own
// subscription, synchronously.
type LiveQuery interface {
	// InitialResults are the rows returned when the query was opened.
	InitialResults() []Row
	// Subscribe registers a callback receiving each changed result set.
	Subscribe(fn func([]Row)) (cancel func())
	// Refresh re-runs the query now, delivering its result if it changed.
	Refresh(ctx context.Context) error
	Unsubscribe()
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
