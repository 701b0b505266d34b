package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.Cache.Enabled())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: "0.0.0.0:9000"
paging:
  max_limit: 50
cache:
  redis_addr: "localhost:6379"
  ttl: 30s
log:
  format: json
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 10, cfg.Paging.DefaultLimit)
	assert.Equal(t, 50, cfg.Paging.MaxLimit)
	assert.True(t, cfg.Cache.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"base path":   "server:\n  base_path: v1\n",
		"limits":      "paging:\n  default_limit: 20\n  max_limit: 5\n",
		"log level":   "log:\n  level: loud\n",
		"log format":  "log:\n  format: xml\n",
		"bad yaml":    "paging: [",
		"zero limit":  "paging:\n  default_limit: 0\n",
		"empty addr":  "server:\n  addr: \"\"\n",
		"cache ttl":   "cache:\n  redis_addr: localhost:6379\n  ttl: 0s\n",
		"webhook url": "webhooks:\n  - events: [task.created]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasktrack.yml"), []byte("database:\n  path: /tmp/x.db\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, filepath.Join(dir, "tasktrack.yml"), Path(dir))
}

func TestWebhookConfig(t *testing.T) {
	cfg, err := FromYAML([]byte(`
webhooks:
  - url: http://localhost:9999/hook
    events: [task.created, task.deleted]
    timeout_seconds: 2
  - url: http://localhost:9999/off
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 2)
	assert.True(t, cfg.Webhooks[0].Active())
	assert.Equal(t, []string{"task.created", "task.deleted"}, cfg.Webhooks[0].Events)
	assert.False(t, cfg.Webhooks[1].Active())
}
