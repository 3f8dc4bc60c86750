package replicastore

import (
	"context"
	"database/sql"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const defaultStatementCacheSize = 64

// stmtCache holds prepared write statements by SQL text. It is used only
// from the store's serialized write path, and statements are prepared before
// the write transaction begins: a single-connection pool could not prepare
// against the database while the transaction holds the connection.
//
// Evicted statements may still be in use by the current batch, so they are
// retired and closed by release once the batch completes.
type stmtCache struct {
	db      *sql.DB
	cache   *lru.Cache
	retired []*sql.Stmt
}

func newStmtCache(db *sql.DB, size int) (*stmtCache, error) {
	if size <= 0 {
		size = defaultStatementCacheSize
	}
	var c = &stmtCache{db: db}
	cache, err := lru.NewWithEvict(size, func(_, value interface{}) {
		c.retired = append(c.retired, value.(*sql.Stmt))
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

func (c *stmtCache) get(ctx context.Context, query string) (*sql.Stmt, error) {
	if v, ok := c.cache.Get(query); ok {
		return v.(*sql.Stmt), nil
	}
	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.WithMessagef(err, "prepare %q", query)
	}
	c.cache.Add(query, stmt)
	return stmt, nil
}

// release closes statements evicted since the last release.
func (c *stmtCache) release() {
	for _, stmt := range c.retired {
		_ = stmt.Close()
	}
	c.retired = c.retired[:0]
}

func (c *stmtCache) purge() {
	c.cache.Purge()
	c.release()
}
