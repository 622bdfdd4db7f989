package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPollInterval is used when the config does not set log.poll_interval.
const DefaultPollInterval = 5 * time.Second

// Default returns a Config populated with defaults.
func Default() *Config {
	c := &Config{}
	c.Server.Address = "127.0.0.1"
	c.Server.Port = 8080
	c.Storage.DBPath = "./data"
	c.Log.PollInterval = Duration(DefaultPollInterval)
	c.Logging.Level = "info"
	return c
}

// Load reads the YAML config at path (if it exists), applies environment
// overrides and returns the effective configuration. A missing file is not
// an error; env and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if cfg.Log.PollInterval.Duration() <= 0 {
		cfg.Log.PollInterval = Duration(DefaultPollInterval)
	}
	return cfg, nil
}

// applyEnv overlays PEERCHAT_* environment variables onto cfg. Env wins
// over the file; flags (handled by the caller) win over env.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PEERCHAT_ADDR")); v != "" {
		host, port, ok := SplitHostPort(v)
		if ok {
			cfg.Server.Address = host
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("PEERCHAT_DB_PATH")); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("PEERCHAT_LOG_ADDRESS")); v != "" {
		cfg.Log.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("PEERCHAT_POLL_INTERVAL")); v != "" {
		if td, err := time.ParseDuration(v); err == nil {
			cfg.Log.PollInterval = Duration(td)
		}
	}
	if v := strings.TrimSpace(os.Getenv("PEERCHAT_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

// SplitHostPort splits "host:port" into host and numeric port. A value
// without a colon is treated as a bare host.
func SplitHostPort(v string) (string, int, bool) {
	i := strings.LastIndex(v, ":")
	if i < 0 {
		return v, 0, true
	}
	p, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return "", 0, false
	}
	return v[:i], p, true
}

// ResolveConfigPath picks the config path: an explicitly set flag wins,
// then PEERCHAT_CONFIG, then the default ./config.yaml.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet {
		return flagVal
	}
	if v := strings.TrimSpace(os.Getenv("PEERCHAT_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}
