package replicastore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DatabaseFileName is the name of the SQLite database within a replica directory.
const DatabaseFileName = "replica.db"

// SQLiteOptions configure OpenSQLite.
type SQLiteOptions struct {
	// Dir is the replica directory of the user. It's created if missing.
	Dir    string
	UserID string
	// ReadOnly opens an existing replica for reading, without taking the
	// directory lock. Writes fail and live queries are unsupported.
	ReadOnly bool
	// DisableLive opens the store with CapabilityNone.
	DisableLive bool
	// RemoveOnClose deletes Dir on Close as well as Destroy.
	RemoveOnClose      bool
	StatementCacheSize int
	Logger             log.FieldLogger
}

// SQLiteStore is a push-capable Store of a SQLite database file. A single
// connection is used, on which update, commit and rollback hooks track the
// tables touched by each transaction. Once a transaction commits, live
// queries depending on those tables are re-run.
type SQLiteStore struct {
	*sqlCore

	dir           string
	lock          *dirLock
	removeOnClose bool
	tracker       *commitTracker
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	if strings.TrimSpace(opts.UserID) == "" || strings.TrimSpace(opts.Dir) == "" {
		return nil, ErrInvalidInput
	}
	var s = &SQLiteStore{
		dir:           opts.Dir,
		removeOnClose: opts.RemoveOnClose,
		tracker:       &commitTracker{touched: make(map[string]struct{})},
	}

	var params = url.Values{}
	if opts.ReadOnly {
		params.Set("mode", "ro")
		params.Set("_query_only", "true")
		if _, err := os.Stat(filepath.Join(opts.Dir, DatabaseFileName)); err != nil {
			return nil, errors.WithMessage(err, "open replica read-only")
		}
	} else {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, errors.WithMessage(err, "creating replica directory")
		}
		var err error
		if s.lock, err = lockDir(opts.Dir); err != nil {
			return nil, err
		}
		params.Set("_journal_mode", "WAL")
		params.Set("_foreign_keys", "on")
	}
	params.Set("_busy_timeout", "5000")

	var drv = &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			conn.RegisterUpdateHook(s.tracker.onUpdate)
			conn.RegisterCommitHook(s.tracker.onCommit)
			conn.RegisterRollbackHook(s.tracker.onRollback)
			return nil
		},
	}
	var dsn = "file:" + filepath.Join(opts.Dir, DatabaseFileName) + "?" + params.Encode()
	var db = sql.OpenDB(&sqliteConnector{driver: drv, dsn: dsn})
	db.SetMaxOpenConns(1)

	core, err := newSQLCore(opts.UserID, db, sqliteDialect{}, opts.StatementCacheSize, opts.Logger)
	if err != nil {
		s.abort(db)
		return nil, err
	}
	s.sqlCore = core

	if err = db.PingContext(ctx); err != nil {
		s.abort(db)
		return nil, errors.WithMessage(err, "opening replica database")
	}
	if !opts.ReadOnly {
		if _, err = db.ExecContext(ctx, createShapesTableSQL(sqliteDialect{})); err != nil {
			s.abort(db)
			return nil, errors.WithMessage(err, "creating shapes table")
		}
	}

	if !opts.ReadOnly && !opts.DisableLive {
		core.cap = CapabilityPush
		core.live = newLiveRegistry(core.runLive, 0, core.log)
		s.tracker.setNotify(core.live.notify)
	}
	core.log.WithFields(log.Fields{"dir": opts.Dir, "capability": core.cap.String()}).Debug("opened replica store")
	return s, nil
}

func (s *SQLiteStore) abort(db *sql.DB) {
	_ = db.Close()
	if s.lock != nil {
		_ = s.lock.unlock()
	}
	if s.removeOnClose {
		_ = os.RemoveAll(s.dir)
	}
}

// Dir returns the replica directory.
func (s *SQLiteStore) Dir() string { return s.dir }

func (s *SQLiteStore) Close() error {
	var err = s.sqlCore.close()
	s.tracker.setNotify(nil)

	if s.lock != nil {
		if lerr := s.lock.unlock(); err == nil {
			err = lerr
		}
		s.lock = nil
	}
	if s.removeOnClose {
		if rerr := os.RemoveAll(s.dir); err == nil {
			err = rerr
		}
	}
	return err
}

func (s *SQLiteStore) Destroy() error {
	var err = s.Close()
	if rerr := os.RemoveAll(s.dir); err == nil {
		err = rerr
	}
	return errors.WithMessage(err, "destroying replica")
}

type sqliteConnector struct {
	driver *sqlite3.SQLiteDriver
	dsn    string
}

func (c *sqliteConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *sqliteConnector) Driver() driver.Driver { return c.driver }

// commitTracker accumulates the tables written by the current transaction of
// the connection, and reports them once it commits.
type commitTracker struct {
	mu      sync.Mutex
	touched map[string]struct{}
	notify  func(tables []string)
}

func (t *commitTracker) setNotify(fn func([]string)) {
	t.mu.Lock()
	t.notify = fn
	t.mu.Unlock()
}

func (t *commitTracker) onUpdate(_ int, _ string, table string, _ int64) {
	t.mu.Lock()
	t.touched[strings.ToLower(table)] = struct{}{}
	t.mu.Unlock()
}

func (t *commitTracker) onCommit() int {
	t.mu.Lock()
	var tables = make([]string, 0, len(t.touched))
	for table := range t.touched {
		tables = append(tables, table)
	}
	t.touched = make(map[string]struct{})
	var notify = t.notify
	t.mu.Unlock()

	// notify only queues the tables. Live queries re-run on the registry
	// goroutine, once the committing statement has released the connection.
	if notify != nil && len(tables) != 0 {
		notify(tables)
	}
	return 0
}

func (t *commitTracker) onRollback() {
	t.mu.Lock()
	t.touched = make(map[string]struct{})
	t.mu.Unlock()
}
