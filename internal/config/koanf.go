package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "ROOMIE_CONFIG"

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/roomie/config.yaml",
}

// envMappings maps environment variable names (lowercased) to config paths.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"database_dsn":               "database.dsn",
	"database_max_open_conns":    "database.max_open_conns",
	"database_max_idle_conns":    "database.max_idle_conns",
	"database_conn_max_lifetime": "database.conn_max_lifetime",
	"database_connect_timeout":   "database.connect_timeout",
	"database_auto_migrate":      "database.auto_migrate",

	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",

	"nats_enabled":        "nats.enabled",
	"nats_url":            "nats.url",
	"nats_name":           "nats.name",
	"nats_queue_group":    "nats.queue_group",
	"nats_reconnect_wait": "nats.reconnect_wait",
	"nats_max_reconnects": "nats.max_reconnects",

	"ledger_backend": "ledger.backend",

	"recommend_workers":        "recommend.workers",
	"recommend_default_k":      "recommend.default_k",
	"recommend_batch_on_start": "recommend.batch_on_start",
	"recommend_batch_interval": "recommend.batch_interval",
	"recommend_run_timeout":    "recommend.run_timeout",
	"recommend_event_buffer":   "recommend.event_buffer",

	"ops_addr":             "ops.addr",
	"ops_shutdown_timeout": "ops.shutdown_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_decay":     "supervisor.failure_decay",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// Load builds the configuration in three layers (defaults, optional YAML
// file, environment) and validates it. A file named by ConfigPathEnvVar
// must exist.
func Load() (*Config, error) {
	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file. An empty path skips the
// file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the file named by ConfigPathEnvVar, else the first
// existing default path, else "".
func findConfigFile() (string, error) {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config: %s=%s: %w", ConfigPathEnvVar, p, err)
		}
		return p, nil
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// envTransformFunc maps an environment variable to its config path, or ""
// to skip it.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
