package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseFile_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	pathJSON := writeTempJSON(t, dir, "cfg.json", map[string]any{
		"http_addr":             "www.example:9000",
		"mongodb_uri":           "mongodb://json",
		"secret_key":            "my_secret_key",
		"lock_ttl":              "3m",
		"reconcile_concurrency": 16,
		"delivery_variant":      "large",
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathJSON}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseFile(cfg)

		assert.Equal(t, "www.example:9000", cfg.HTTPAddr)
		assert.Equal(t, "mongodb://json", cfg.MongoURI)
		assert.Equal(t, "my_secret_key", cfg.SecretKey)
		assert.Equal(t, 3*time.Minute, cfg.LockTTL)
		assert.Equal(t, 16, cfg.ReconcileConcurrency)
		assert.Equal(t, "large", cfg.DeliveryVariant)
		// not in the file
		assert.Equal(t, "motive_archive", cfg.MongoDatabase)
	})

	t.Run("loads from yaml", func(t *testing.T) {
		path := filepath.Join(dir, "cfg.yaml")
		require.NoError(t, os.WriteFile(path, []byte("mongodb_database: yamldb\nlock_ttl: 45s\njournal_driver: pgx\n"), 0o600))
		os.Args = []string{"testbin", "-c", path}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseFile(cfg)

		assert.Equal(t, "yamldb", cfg.MongoDatabase)
		assert.Equal(t, 45*time.Second, cfg.LockTTL)
		assert.Equal(t, "pgx", cfg.JournalDriver)
	})

	t.Run("no config flag → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{HTTPAddr: "defaults:1234"}
		parseFile(cfg)

		assert.Equal(t, "defaults:1234", cfg.HTTPAddr)
	})

	t.Run("invalid JSON → panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))
		os.Args = []string{"testbin", "-config", bad}

		require.Panics(t, func() { parseFile(&Config{}) })
	})

	t.Run("missing file → panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", filepath.Join(dir, "absent.json")}

		require.Panics(t, func() { parseFile(&Config{}) })
	})
}
