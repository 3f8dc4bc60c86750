package replicastore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Options common to every store DSN.
type Options struct {
	// PollInterval of polling stores. Zero uses DefaultPollInterval and a
	// negative interval disables their live queries.
	PollInterval time.Duration
	ReadOnly     bool
	DisableLive  bool
	// StatementCacheSize bounds the prepared write statements kept per store.
	StatementCacheSize int
	Logger             log.FieldLogger
}

// Open opens the Store of userID described by dsn:
//
//	sqlite:///var/lib/replica   one SQLite replica per user, under the directory
//	/var/lib/replica            same as sqlite://
//	memory://                   a SQLite replica in a temporary directory, removed on Close
//	postgres://...              one schema per user in a Postgres database
func Open(ctx context.Context, dsn, userID string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(ctx, dsn, userID, opts)
	}
	switch scheme {
	case "", "file", "sqlite", "sqlite3":
		root, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLite(ctx, SQLiteOptions{
			Dir:                filepath.Join(root, UserDirName(userID)),
			UserID:             userID,
			ReadOnly:           opts.ReadOnly,
			DisableLive:        opts.DisableLive,
			StatementCacheSize: opts.StatementCacheSize,
			Logger:             opts.Logger,
		})
	case "memory", "mem", "inmem":
		dir, tmpErr := os.MkdirTemp("", "replica-"+UserDirName(userID)+"-")
		if tmpErr != nil {
			return nil, tmpErr
		}
		return OpenSQLite(ctx, SQLiteOptions{
			Dir:                dir,
			UserID:             userID,
			DisableLive:        opts.DisableLive,
			RemoveOnClose:      true,
			StatementCacheSize: opts.StatementCacheSize,
			Logger:             opts.Logger,
		})
	case "postgres", "postgresql":
		var interval = opts.PollInterval
		if interval == 0 {
			interval = DefaultPollInterval
		}
		if opts.DisableLive {
			interval = -1
		}
		return OpenPostgres(ctx, PostgresOptions{
			DSN:                dsn,
			UserID:             userID,
			PollInterval:       interval,
			StatementCacheSize: opts.StatementCacheSize,
			Logger:             opts.Logger,
		})
	case "mysql":
		return nil, fmt.Errorf("%w: replica store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported replica store scheme: %s", scheme)
	}
}

// ReplicaDir returns the directory of userID's replica for a SQLite dsn.
func ReplicaDir(dsn, userID string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", err
	}
	switch normalizeScheme(parsed.Scheme) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return "", fmt.Errorf("%w: %s is not a directory DSN", ErrInvalidInput, parsed.Scheme)
	}
	root, err := dsnPath(parsed, dsn)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, UserDirName(userID)), nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
