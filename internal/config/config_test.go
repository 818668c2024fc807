package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewfead/canopy/internal/errs"
)

func TestLoadFrom(t *testing.T) {
	t.Run("MissingFileUsesDefaults", func(t *testing.T) {
		cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "claude", cfg.Assistant.Command)
		assert.Equal(t, 3*time.Second, cfg.Assistant.StopGrace)
		assert.Equal(t, 4, cfg.Workers.Git)
	})

	t.Run("OverridesAndEnvExpansion", func(t *testing.T) {
		t.Setenv("CANOPY_TEST_DSN", "https://key@sentry.example/1")
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
repos:
  worktree_dir: /tmp/trees
assistant:
  model: opus
  allowed_tools: [Read, Grep]
  stop_grace: 5s
logging:
  sentry_dsn: ${CANOPY_TEST_DSN}
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))

		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/trees", cfg.Repos.WorktreeDir)
		assert.Equal(t, "opus", cfg.Assistant.Model)
		assert.Equal(t, []string{"Read", "Grep"}, cfg.Assistant.AllowedTools)
		assert.Equal(t, 5*time.Second, cfg.Assistant.StopGrace)
		assert.Equal(t, 10*time.Second, cfg.Assistant.SpawnTimeout, "unset fields keep defaults")
		assert.Equal(t, "https://key@sentry.example/1", cfg.Logging.SentryDSN)
	})

	t.Run("InvalidValuesRejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("workers:\n  git: 0\n"), 0644))
		_, err := LoadFrom(path)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindConfig))
		assert.Contains(t, err.Error(), "workers.git")
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("assistant: [unclosed"), 0644))
		_, err := LoadFrom(path)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindConfig))
	})
}

func TestSaveRoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Assistant.Model = "sonnet"
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", loaded.Assistant.Model)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { reloaded <- c }) }()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.Assistant.Model = "haiku"
	require.NoError(t, cfg.Save(path))

	select {
	case c := <-reloaded:
		assert.Equal(t, "haiku", c.Assistant.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	require.NoError(t, <-done)
}
