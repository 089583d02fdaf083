package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"ADDR", "DB_PATH", "WORKSPACE_ROOT", "CONTAINER_IMAGE", "IDE_API", "LOG_PRETTY", "REAP_INTERVAL", "CONTAINER_START_TIMEOUT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := Load()
	assert.Equal(t, ":3333", cfg.Addr)
	assert.Equal(t, "/workspace", cfg.WorkspaceRoot)
	assert.Equal(t, 60*time.Second, cfg.ReapInterval)
	assert.False(t, cfg.LogPretty)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9000")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("REAP_INTERVAL", "5s")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.Addr)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, 5*time.Second, cfg.ReapInterval)
}
