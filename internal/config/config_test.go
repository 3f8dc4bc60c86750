package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REPLICA_DATA_DIR", "/var/lib/replica")
	t.Setenv("REPLICA_STORE_DSN", "")
	t.Setenv("REPLICA_SYNC_URL", "")
	t.Setenv("REPLICA_INITIAL_SYNC_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///var/lib/replica", cfg.StoreDSN)
	assert.Equal(t, "http://127.0.0.1:3000", cfg.SyncURL)
	assert.Equal(t, 2*time.Second, cfg.InitialSyncTimeout)
	assert.Equal(t, replicastore.DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REPLICA_STORE_DSN", "postgres://localhost/replica")
	t.Setenv("REPLICA_SYNC_URL", "wss://sync.example.com")
	t.Setenv("REPLICA_INITIAL_SYNC_TIMEOUT", "750ms")
	t.Setenv("REPLICA_RETRY_JITTER", "0.5")
	t.Setenv("REPLICA_SEARCH_SPACE_ID", "42")
	t.Setenv("REPLICA_STATEMENT_CACHE_SIZE", "not-a-number")
	t.Setenv("REPLICA_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/replica", cfg.StoreDSN)
	assert.Equal(t, 750*time.Millisecond, cfg.InitialSyncTimeout)
	assert.Equal(t, 0.5, cfg.RetryJitter)
	assert.Equal(t, int64(42), cfg.SearchSpaceID)
	assert.Equal(t, 64, cfg.StatementCacheSize, "invalid values fall back")

	var engine = cfg.EngineOptions(nil)
	assert.Equal(t, 750*time.Millisecond, engine.InitialSyncTimeout)
	assert.Equal(t, 0.5, engine.RetryJitter)
	assert.Equal(t, 64, cfg.StoreOptions(nil).StatementCacheSize)
}

func TestValidate(t *testing.T) {
	var valid = func() *Config {
		return &Config{
			StoreDSN:      "memory://",
			SyncURL:       "http://localhost:3000",
			HTTPTimeout:   time.Second,
			RetryDelay:    time.Millisecond,
			MaxRetryDelay: time.Second,
			LogLevel:      "debug",
			LogFormat:     "color",
		}
	}
	require.NoError(t, valid().Validate())

	for _, tc := range []struct {
		mutate func(*Config)
		err    string
	}{
		{func(c *Config) { c.StoreDSN = " " }, "REPLICA_STORE_DSN is required"},
		{func(c *Config) { c.SyncURL = "localhost:3000" }, `REPLICA_SYNC_URL must be an absolute URL, got "localhost:3000"`},
		{func(c *Config) { c.SyncURL = "ftp://host" }, `REPLICA_SYNC_URL scheme must be http(s) or ws(s), got "ftp"`},
		{func(c *Config) { c.HTTPTimeout = 0 }, "REPLICA_HTTP_TIMEOUT must be positive, got 0s"},
		{func(c *Config) { c.InitialSyncTimeout = -time.Second }, "REPLICA_INITIAL_SYNC_TIMEOUT must not be negative, got -1s"},
		{func(c *Config) { c.MaxRetryDelay = 0 }, "REPLICA_RETRY_DELAY must be positive and at most REPLICA_MAX_RETRY_DELAY, got 1ms and 0s"},
		{func(c *Config) { c.RetryJitter = 1.5 }, "REPLICA_RETRY_JITTER must be 0-1, got 1.500000"},
		{func(c *Config) { c.SearchSpaceID = -1 }, "REPLICA_SEARCH_SPACE_ID must not be negative, got -1"},
		{func(c *Config) { c.LogFormat = "xml" }, `REPLICA_LOG_FORMAT must be text, json or color, got "xml"`},
	} {
		var cfg = valid()
		tc.mutate(cfg)
		assert.EqualError(t, cfg.Validate(), tc.err)
	}

	var cfg = valid()
	cfg.LogLevel = "loud"
	assert.ErrorContains(t, cfg.Validate(), "REPLICA_LOG_LEVEL")
}

func TestLoadEnvFiles(t *testing.T) {
	var path = filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REPLICA_TEST_FROM_FILE=from-file\nREPLICA_TEST_PRESET=from-file\n"), 0o600))

	t.Setenv("REPLICA_TEST_PRESET", "from-env")
	t.Setenv("REPLICA_TEST_FROM_FILE", "")
	require.NoError(t, os.Unsetenv("REPLICA_TEST_FROM_FILE"))

	require.NoError(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("REPLICA_TEST_FROM_FILE"))
	assert.Equal(t, "from-env", os.Getenv("REPLICA_TEST_PRESET"))
}

const shapesYAML = `
shapes:
  - table: documents
    where: search_space_id = {{search_space_id}}
    columns:
      - {name: id, type: integer}
      - {name: search_space_id, type: integer}
      - {name: title, type: text, nullable: true}
    primary_key: [id]
  - table: notifications
    where: user_id = '{{user_id}}'
    columns:
      - {name: id, type: integer}
      - {name: user_id, type: text}
      - {name: read, type: boolean}
    primary_key: [id]
    json_schema: '{"type": "object", "required": ["read"]}'
`

func TestParseShapes(t *testing.T) {
	defs, err := ParseShapes([]byte(shapesYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "documents", defs[0].Table)
	assert.Equal(t, replicastore.Column{Name: "title", Type: replicastore.TypeText, Nullable: true}, defs[0].Columns[2])
	assert.Equal(t, []string{"id"}, defs[1].PrimaryKey)
	assert.NotEmpty(t, defs[1].JSONSchema)

	for _, tc := range []struct {
		doc, err string
	}{
		{"", "no shapes defined"},
		{"shapes: []", "no shapes defined"},
		{"shapez: []", "decoding shapes"},
		{"shapes:\n  - table: documents\n    columns: [{name: id, type: uuid}]\n    primary_key: [id]", "shape 0 (documents)"},
		{"shapes:\n  - table: t\n    columns: [{name: id, type: integer}]\n    primary_key: [id]\n  - table: t\n    columns: [{name: id, type: integer}]\n    primary_key: [id]", "shape 1 (t) is defined twice"},
	} {
		_, err := ParseShapes([]byte(tc.doc))
		assert.ErrorContains(t, err, tc.err, tc.doc)
	}
}

func TestUserShapes(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "shapes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(shapesYAML), 0o600))

	var cfg = &Config{ShapesFile: path, SearchSpaceID: 42}
	shapes, err := cfg.UserShapes()
	require.NoError(t, err)

	var defs = shapes("user-1")
	assert.Equal(t, "search_space_id = 42", defs[0].Where)
	assert.Equal(t, "user_id = 'user-1'", defs[1].Where)
	assert.Equal(t, "user_id = 'user-2'", shapes("user-2")[1].Where)

	// Built-in shapes are used without a file.
	cfg.ShapesFile = ""
	shapes, err = cfg.UserShapes()
	require.NoError(t, err)
	var tables []string
	for _, def := range shapes("user-1") {
		tables = append(tables, def.Table)
	}
	assert.Equal(t, []string{"documents", "search_source_connectors", "notifications"}, tables)

	cfg.ShapesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.UserShapes()
	assert.Error(t, err)
}
