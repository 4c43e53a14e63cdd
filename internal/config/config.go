// Package config loads process configuration the way the lineage's CLI
// loads its own: an optional .env file first, then real environment
// variables, with typed defaults; the per-upstream apis file is a
// separate YAML document decoded straight into the typed
// upstream.Descriptor records spec §3 expects. Config parsing is a
// thin, swappable collaborator (spec §1) — the core never sees a map.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
)

// defaultConfigPath mirrors the lineage's CONFIG_PATH env var default.
// Declared as a var (not a const) so tests can override it the way the
// teacher overrides defaultDataDir.
var defaultConfigPath = "config.yaml"

// Config is the fully-resolved process configuration: global server
// settings plus the typed upstream descriptors the router, credential
// manager, and orchestrator are built from.
type Config struct {
	Host string
	Port int

	APIPathPrefix string
	APIKey        string // HMAC secret verifying admin-route bearer JWTs, spec §6 "auth collaborator"

	DashboardEnabled bool

	QueueEnabled      bool
	QueueMaxSize      int
	QueueExpirySecond time.Duration

	ProxyEnabled bool
	ProxyAddress string

	DebugLevel string // spec §6 global "debug_level"
	SentryDSN  string

	Upstreams []*upstream.Descriptor
}

// Load reads an optional .env file, then environment variables, then the
// apis YAML file named by NYAPROXY_CONFIG_PATH (or defaultConfigPath).
// Any structural problem in the apis file is reported as a ConfigError,
// matching spec §7's taxonomy rather than a bare os/yaml error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:              getEnv("NYAPROXY_HOST", "0.0.0.0"),
		Port:              getEnvInt("NYAPROXY_PORT", 8080),
		APIPathPrefix:     getEnv("NYAPROXY_API_PREFIX", "api"),
		APIKey:            getEnv("NYAPROXY_API_KEY", ""),
		DashboardEnabled:  getEnvBool("NYAPROXY_DASHBOARD_ENABLED", true),
		QueueEnabled:      getEnvBool("NYAPROXY_QUEUE_ENABLED", true),
		QueueMaxSize:      getEnvInt("NYAPROXY_QUEUE_MAX_SIZE", 100),
		QueueExpirySecond: time.Duration(getEnvInt("NYAPROXY_QUEUE_EXPIRY_SECONDS", 300)) * time.Second,
		ProxyEnabled:      getEnvBool("NYAPROXY_PROXY_ENABLED", false),
		ProxyAddress:      getEnv("NYAPROXY_PROXY_ADDRESS", ""),
		DebugLevel:        getEnv("NYAPROXY_DEBUG_LEVEL", "INFO"),
		SentryDSN:         getEnv("NYAPROXY_SENTRY_DSN", ""),
	}

	path := getEnv("NYAPROXY_CONFIG_PATH", defaultConfigPath)
	upstreams, err := loadUpstreams(path)
	if err != nil {
		return nil, err
	}
	if len(upstreams) == 0 {
		return nil, &errs.ConfigError{Upstream: "*", Reason: "no APIs configured; add at least one entry under apis"}
	}
	cfg.Upstreams = upstreams

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "TRUE" || v == "True"
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
