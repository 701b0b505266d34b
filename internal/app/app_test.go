package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasktrack/internal/config"
	"tasktrack/internal/domain"
)

func TestOpenMigratesWorkspace(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	rt, err := Open(context.Background(), dir, config.Default(), NewLogger(config.LogConfig{Level: "debug"}, &logs))
	require.NoError(t, err)
	defer rt.Close()

	_, err = os.Stat(filepath.Join(dir, ".tasktrack", "tasktrack.db"))
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "store ready")

	task, err := rt.Engine.Create(context.Background(), domain.NewTask{Title: "wired"})
	require.NoError(t, err)
	assert.Equal(t, "wired", task.Title)
	assert.Nil(t, rt.Cache)
}

func TestOpenWithUnreachableCacheStillWorks(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.RedisAddr = "127.0.0.1:1"
	var logs bytes.Buffer
	rt, err := Open(context.Background(), t.TempDir(), cfg, NewLogger(cfg.Log, &logs))
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.Cache)
	assert.Contains(t, logs.String(), "cache disabled")
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := strings.TrimSpace(buf.String())
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestLoadConfigExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("paging:\n  default_limit: 25\n"), 0o644))
	cfg, err := LoadConfig(".", path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Paging.DefaultLimit)
}
