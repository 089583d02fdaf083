// Package config reads process environment variables into a single
// immutable Config, the same convention the teacher used (no flags, no
// config file, just os.Getenv with defaults).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every knob the server needs at startup.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":3333".
	Addr string
	// DBPath is the SQLite file backing the tree store.
	DBPath string
	// WorkspaceRoot is the fixed in-container directory the tree projects
	// onto ("/workspace" per the spec).
	WorkspaceRoot string
	// ContainerImage is the pinned image new containers are created from.
	ContainerImage string
	// IDEAPIBase is the base URL the in-container shell hook posts
	// intercepted commands to.
	IDEAPIBase string
	// LogPretty selects console-formatted (vs JSON) log output.
	LogPretty bool
	// ReapInterval is how often the session manager sweeps for orphaned
	// containers.
	ReapInterval time.Duration
	// ContainerStartTimeout is read from CONTAINER_START_TIMEOUT. It is not
	// passed to the container driver, whose startup wait is fixed at 30s.
	ContainerStartTimeout time.Duration
}

// Load builds a Config from the environment, applying the teacher's
// defaults where a variable is unset.
func Load() Config {
	return Config{
		Addr:                  getenv("ADDR", ":3333"),
		DBPath:                getenv("DB_PATH", "sandbox.db"),
		WorkspaceRoot:         getenv("WORKSPACE_ROOT", "/workspace"),
		ContainerImage:        getenv("CONTAINER_IMAGE", "sandboxd-workspace:latest"),
		IDEAPIBase:            getenv("IDE_API", "http://host.docker.internal:3333"),
		LogPretty:             getenvBool("LOG_PRETTY", false),
		ReapInterval:          getenvDuration("REAP_INTERVAL", 60*time.Second),
		ContainerStartTimeout: getenvDuration("CONTAINER_START_TIMEOUT", 30*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
