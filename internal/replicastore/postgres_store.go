package replicastore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresSchemaPrefix     = "replica_"
	DefaultPollInterval      = time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresOptions configure OpenPostgres.
type PostgresOptions struct {
	DSN    string
	UserID string
	// PollInterval between live query re-runs. Zero or less opens the
	// store with CapabilityNone.
	PollInterval       time.Duration
	StatementCacheSize int
	Logger             log.FieldLogger

	openDB sqlOpenFunc
}

// PostgresStore is a polling Store. Each user's tables live in a dedicated
// schema, which is first on the search_path of every pooled connection, and
// Destroy drops the schema with everything in it.
type PostgresStore struct {
	*sqlCore

	dsn    string
	schema string
	openDB sqlOpenFunc
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	var dsn = strings.TrimSpace(opts.DSN)
	if dsn == "" || strings.TrimSpace(opts.UserID) == "" {
		return nil, ErrInvalidInput
	}
	if opts.openDB == nil {
		opts.openDB = sql.Open
	}
	var s = &PostgresStore{
		dsn:    dsn,
		schema: PostgresSchemaName(opts.UserID),
		openDB: opts.openDB,
	}

	if err := s.adminExec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(s.schema)); err != nil {
		return nil, errors.WithMessage(err, "creating replica schema")
	}
	scoped, err := withSearchPath(dsn, s.schema)
	if err != nil {
		return nil, err
	}
	db, err := opts.openDB("postgres", scoped)
	if err != nil {
		return nil, errors.WithMessage(err, "opening replica database")
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "opening replica database")
	}
	if _, err = db.ExecContext(ctx, createShapesTableSQL(postgresDialect{})); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "creating shapes table")
	}

	core, err := newSQLCore(opts.UserID, db, postgresDialect{}, opts.StatementCacheSize, opts.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.PollInterval > 0 {
		core.cap = CapabilityPolling
		core.live = newLiveRegistry(core.runLive, opts.PollInterval, core.log)
	}
	s.sqlCore = core

	core.log.WithFields(log.Fields{"schema": s.schema, "capability": core.cap.String()}).Debug("opened replica store")
	return s, nil
}

// Schema returns the user's replica schema.
func (s *PostgresStore) Schema() string { return s.schema }

func (s *PostgresStore) Close() error {
	return s.sqlCore.close()
}

func (s *PostgresStore) Destroy() error {
	var err = s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	if derr := s.adminExec(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(s.schema)+" CASCADE"); err == nil {
		err = derr
	}
	return errors.WithMessage(err, "destroying replica")
}

// adminExec runs a statement on a short-lived connection using the
// unscoped DSN.
func (s *PostgresStore) adminExec(ctx context.Context, stmt string) error {
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, stmt)
	return err
}

// PostgresSchemaName returns the schema holding the replica of userID.
func PostgresSchemaName(userID string) string {
	return postgresSchemaPrefix + UserDirName(userID)
}

// UserDirName returns a stable, filesystem and identifier safe name for a user.
func UserDirName(userID string) string {
	var sum = sha256.Sum256([]byte(strings.TrimSpace(userID)))
	return hex.EncodeToString(sum[:8])
}

// withSearchPath pins search_path in either URL or key/value DSN form. lib/pq
// sends unrecognized settings as run-time parameters of each connection.
func withSearchPath(dsn, schema string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}
		var q = parsed.Query()
		q.Set("search_path", schema)
		parsed.RawQuery = q.Encode()
		return parsed.String(), nil
	}
	return dsn + " search_path=" + schema, nil
}
