package replicastore

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/replica/internal/logoffset"
	"github.com/agentworkforce/replica/internal/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// sqlCore implements the Store operations shared by the database/sql backed
// stores. Writes are serialized by writeMu. mu guards the closed flag and is
// held for reading across every use of db, so Close waits out in-flight calls.
type sqlCore struct {
	userID  string
	db      *sql.DB
	dialect dialect
	log     log.FieldLogger
	live    *liveRegistry
	cap     Capability

	writeMu sync.Mutex
	stmts   *stmtCache

	mu     sync.RWMutex
	closed bool
}

func newSQLCore(userID string, db *sql.DB, d dialect, cacheSize int, logger log.FieldLogger) (*sqlCore, error) {
	stmts, err := newStmtCache(db, cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &sqlCore{
		userID:  userID,
		db:      db,
		dialect: d,
		stmts:   stmts,
		log:     logger.WithFields(log.Fields{"user": userID, "store": d.name()}),
	}, nil
}

func (c *sqlCore) UserID() string { return c.userID }

func (c *sqlCore) Capability() Capability { return c.cap }

func (c *sqlCore) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.queryLocked(ctx, query, args)
}

// queryLocked runs query in a read-only transaction of the dialect. Writes
// through Query fail; only ApplyBatch writes.
func (c *sqlCore) queryLocked(ctx context.Context, query string, args []any) ([]Row, error) {
	var out []Row
	var err = c.dialect.readOnly(ctx, c.db, func(q queryer) error {
		rows, err := q.QueryContext(ctx, c.dialect.rewrite(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out, err = scanRows(rows)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "query")
	}
	return out, nil
}

// Live holds writeMu across the initial query and registration, so no batch
// commits (and notifies) between the two.
func (c *sqlCore) Live(ctx context.Context, query string, args ...any) (LiveQuery, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	} else if c.live == nil {
		return nil, ErrLiveUnsupported
	}
	initial, err := c.queryLocked(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return c.live.open(query, args, initial)
}

// runLive executes a live query on behalf of the registry.
func (c *sqlCore) runLive(ctx context.Context, query string, args []any) ([]Row, error) {
	return c.Query(ctx, query, args...)
}

func (c *sqlCore) EnsureTable(ctx context.Context, spec TableSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	if _, err := c.db.ExecContext(ctx, createTableSQL(c.dialect, spec)); err != nil {
		return errors.WithMessagef(err, "create table %s", spec.Name)
	}
	existing, err := c.dialect.existingColumns(ctx, c.db, spec.Name)
	if err != nil {
		return err
	}
	for _, col := range spec.Columns {
		if existing[strings.ToLower(col.Name)] {
			continue
		}
		if _, err := c.db.ExecContext(ctx, addColumnSQL(c.dialect, spec.Name, col)); err != nil {
			return errors.WithMessagef(err, "add column %s.%s", spec.Name, col.Name)
		}
		c.log.WithFields(log.Fields{"table": spec.Name, "column": col.Name}).Info("added projected column")
	}
	// Column sets of cached statements may have changed.
	c.stmts.purge()
	return nil
}

// plannedChange is a Change rendered into a statement and its arguments.
type plannedChange struct {
	change Change
	query  string
	args   []any
}

func (c *sqlCore) ApplyBatch(ctx context.Context, b Batch) (ApplyResult, error) {
	if err := b.Table.Validate(); err != nil {
		return ApplyResult{}, err
	} else if strings.TrimSpace(b.ShapeKey) == "" {
		return ApplyResult{}, errors.WithMessage(ErrInvalidInput, "batch has no shape key")
	} else if err = checkOrder(b); err != nil {
		return ApplyResult{}, err
	}
	plans, err := planChanges(c.dialect, b)
	if err != nil {
		return ApplyResult{}, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ApplyResult{}, ErrClosed
	}
	defer c.stmts.release()

	var stmts = make(map[string]*sql.Stmt)
	for _, p := range plans {
		if p.query == "" || stmts[p.query] != nil {
			continue
		}
		if stmts[p.query], err = c.stmts.get(ctx, p.query); err != nil {
			return ApplyResult{}, err
		}
	}

	var started = time.Now()
	res, err := c.applyPlans(ctx, b, plans, stmts)

	var status = metrics.Ok
	if err != nil {
		status = metrics.Fail
	}
	metrics.BatchesTotal.WithLabelValues(b.Table.Name, status).Inc()
	metrics.BatchApplySeconds.Observe(time.Since(started).Seconds())

	if err == nil {
		metrics.ChangesTotal.WithLabelValues(b.Table.Name, metrics.Applied).Add(float64(res.Applied))
		metrics.ChangesTotal.WithLabelValues(b.Table.Name, metrics.Skipped).Add(float64(res.Skipped))
		metrics.ChangesTotal.WithLabelValues(b.Table.Name, metrics.Replayed).Add(float64(res.Replayed))
	}
	return res, err
}

func (c *sqlCore) applyPlans(ctx context.Context, b Batch, plans []plannedChange, stmts map[string]*sql.Stmt) (ApplyResult, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, errors.WithMessage(err, "begin")
	}
	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	cp, found, err := readCheckpoint(ctx, tx, c.dialect, b.ShapeKey)
	if err != nil {
		return ApplyResult{}, err
	}
	var base = cp.Offset
	var upToDate = cp.UpToDate
	if b.Reset || (found && cp.Handle != "" && b.Handle != "" && cp.Handle != b.Handle) {
		// Offsets of a new log are not comparable with the old checkpoint.
		base, upToDate = logoffset.Offset{}, false
	}
	if b.Reset {
		if _, err = tx.ExecContext(ctx, resetSQL(c.dialect, b.Table, b.ResetWhere)); err != nil {
			return ApplyResult{}, errors.WithMessagef(err, "reset %s", b.Table.Name)
		}
	}

	var res ApplyResult
	var next = base
	for _, p := range plans {
		var ch = p.change
		if ch.Offset.IsSet() && base.IsSet() && !base.Less(ch.Offset) {
			res.Replayed++
			continue
		}
		if ch.Offset.IsSet() {
			next = logoffset.Max(next, ch.Offset)
		}
		if p.query == "" {
			res.Skipped++
			continue
		}
		result, err := tx.StmtContext(ctx, stmts[p.query]).ExecContext(ctx, p.args...)
		if err != nil {
			return ApplyResult{}, errors.WithMessagef(err, "%s %s", ch.Op, b.Table.Name)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return ApplyResult{}, errors.WithMessage(err, "rows affected")
		}
		if ch.Op != OpInsert && n == 0 {
			res.Skipped++
			c.log.WithFields(log.Fields{
				"table":  b.Table.Name,
				"op":     ch.Op.String(),
				"key":    ch.Key,
				"offset": ch.Offset.String(),
			}).Debug("change matched no local row; skipped")
			continue
		}
		res.Applied++
	}
	next = logoffset.Max(next, b.Offset)

	var handle = b.Handle
	if handle == "" && !b.Reset {
		handle = cp.Handle
	}
	res.Checkpoint = Checkpoint{
		ShapeKey:  b.ShapeKey,
		Table:     b.Table.Name,
		Handle:    handle,
		Offset:    next,
		UpToDate:  upToDate || b.UpToDate,
		UpdatedAt: time.Now().UTC(),
	}
	if err = writeCheckpoint(ctx, tx, c.dialect, res.Checkpoint); err != nil {
		return ApplyResult{}, err
	}
	if err = tx.Commit(); err != nil {
		return ApplyResult{}, errors.WithMessage(err, "commit")
	}
	committed = true
	return res, nil
}

func (c *sqlCore) Checkpoint(ctx context.Context, shapeKey string) (Checkpoint, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return Checkpoint{}, false, ErrClosed
	}
	return readCheckpoint(ctx, c.db, c.dialect, shapeKey)
}

func (c *sqlCore) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	rows, err := c.db.QueryContext(ctx, selectShapeSQL(c.dialect, false))
	if err != nil {
		return nil, errors.WithMessage(err, "list checkpoints")
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// close marks the core closed, stops live queries, and closes the database.
func (c *sqlCore) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.live != nil {
		c.live.close()
	}
	c.writeMu.Lock()
	c.stmts.purge()
	c.writeMu.Unlock()

	return c.db.Close()
}

func checkOrder(b Batch) error {
	var prev logoffset.Offset
	for i, ch := range b.Changes {
		if !ch.Offset.IsSet() {
			continue
		}
		if prev.IsSet() && !prev.Less(ch.Offset) {
			return errors.WithMessagef(ErrOutOfOrder, "shape %s: change %d at %s follows %s",
				b.ShapeKey, i, ch.Offset, prev)
		}
		prev = ch.Offset
	}
	if prev.IsSet() && b.Offset.IsSet() && b.Offset.Less(prev) {
		return errors.WithMessagef(ErrOutOfOrder, "shape %s: batch offset %s precedes change at %s",
			b.ShapeKey, b.Offset, prev)
	}
	return nil
}

func planChanges(d dialect, b Batch) ([]plannedChange, error) {
	var plans = make([]plannedChange, 0, len(b.Changes))
	for i, ch := range b.Changes {
		var keyArgs = make([]any, len(b.Table.PrimaryKey))
		for j, pk := range b.Table.PrimaryKey {
			v, ok := lookup(ch.Key, pk)
			if !ok || v == nil {
				return nil, errors.WithMessagef(ErrInvalidInput, "shape %s: change %d lacks key column %s",
					b.ShapeKey, i, pk)
			}
			keyArgs[j] = v
		}

		var p = plannedChange{change: ch}
		switch ch.Op {
		case OpInsert:
			var cols = writeColumns(b.Table, ch.Values)
			p.query = upsertSQL(d, b.Table, cols)
			p.args = append(p.args, keyArgs...)
			for _, col := range cols[len(b.Table.PrimaryKey):] {
				v, _ := lookup(ch.Values, col)
				p.args = append(p.args, v)
			}
		case OpUpdate:
			var cols = writeColumns(b.Table, ch.Values)[len(b.Table.PrimaryKey):]
			if len(cols) != 0 {
				p.query = updateSQL(d, b.Table, cols)
				for _, col := range cols {
					v, _ := lookup(ch.Values, col)
					p.args = append(p.args, v)
				}
				p.args = append(p.args, keyArgs...)
			}
		case OpDelete:
			p.query = deleteSQL(d, b.Table)
			p.args = keyArgs
		default:
			return nil, errors.WithMessagef(ErrInvalidInput, "shape %s: change %d has operation %s",
				b.ShapeKey, i, ch.Op)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCheckpoint(ctx context.Context, q rowQueryer, d dialect, shapeKey string) (Checkpoint, bool, error) {
	cp, err := scanCheckpoint(q.QueryRowContext(ctx, selectShapeSQL(d, true), shapeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{ShapeKey: shapeKey}, false, nil
	} else if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func writeCheckpoint(ctx context.Context, tx *sql.Tx, d dialect, cp Checkpoint) error {
	_, err := tx.ExecContext(ctx, upsertShapeSQL(d),
		cp.ShapeKey, cp.Table, cp.Handle, cp.Offset.String(), cp.UpToDate, cp.UpdatedAt)
	return errors.WithMessagef(err, "checkpoint %s", cp.ShapeKey)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(s scanner) (Checkpoint, error) {
	var (
		cp     Checkpoint
		offset string
	)
	if err := s.Scan(&cp.ShapeKey, &cp.Table, &cp.Handle, &offset, &cp.UpToDate, &cp.UpdatedAt); err != nil {
		return Checkpoint{}, err
	}
	var err error
	if cp.Offset, err = logoffset.Parse(offset); err != nil {
		return Checkpoint{}, errors.WithMessagef(err, "checkpoint %s", cp.ShapeKey)
	}
	return cp, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out = []Row{}
	for rows.Next() {
		var (
			values = make([]any, len(cols))
			ptrs   = make([]any, len(cols))
		)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		var row = make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
