package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		if strings.TrimSpace(u) == "" {
			d.Duration = 0
			return nil
		}
		dd, err := time.ParseDuration(u)
		if err != nil {
			return err
		}
		d.Duration = dd
		return nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a JSON string like \"30s\" or an int nanoseconds: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Env: "development",
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Postgres: PostgresConfig{
			DSN:          "postgres://localhost:5432/dalston?sslmode=disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Catalog: CatalogConfig{
			Path: "./config/catalog.json",
		},
		Scheduler: SchedulerConfig{
			HeartbeatInterval:         Duration{Duration: 10 * time.Second},
			HeartbeatTTL:              Duration{Duration: 30 * time.Second},
			StaleClaimIdleThreshold:   Duration{Duration: 45 * time.Second},
			MaxDeliveries:             5,
			AbsoluteTaskTimeout:       Duration{Duration: 30 * time.Minute},
			TimeoutSafetyFactor:       3.0,
			ScannerInterval:           Duration{Duration: 15 * time.Second},
			DefaultRetryBudget:        3,
			StreamBlockTimeout:        Duration{Duration: 5 * time.Second},
			EngineDisappearedReselect: true,
		},
		Leader: LeaderConfig{
			LeaseTTL: Duration{Duration: 30 * time.Second},
			Key:      "dalston:leader",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Load builds a Config the same way the teacher's inference gateway does:
// in-code defaults, overlaid with an optional JSON file, overlaid with
// individual environment variable overrides, then validated.
func Load() (*Config, error) {
	cfg := defaultConfig()

	cfgPath := strings.TrimSpace(os.Getenv("DALSTON_CONFIG_PATH"))
	if cfgPath == "" {
		if wd, err := os.Getwd(); err == nil {
			p := filepath.Join(wd, "config", "config.json")
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
			}
		}
	}

	if cfgPath != "" {
		b, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", cfgPath, err)
		}
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", cfgPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LOG_MODE")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("DALSTON_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("DALSTON_REDIS_PASSWORD")); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("DALSTON_POSTGRES_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("DALSTON_CATALOG_PATH")); v != "" {
		cfg.Catalog.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("DALSTON_METRICS_ADDR")); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("DALSTON_ENGINE_DISAPPEARED_RESELECT")); v != "" {
		cfg.Scheduler.EngineDisappearedReselect = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("DALSTON_LEADER_LEASE_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Leader.LeaseTTL = Duration{Duration: d}
		}
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is required")
	}
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn is required")
	}
	if strings.TrimSpace(cfg.Catalog.Path) == "" {
		return errors.New("catalog.path is required")
	}
	s := cfg.Scheduler
	if s.HeartbeatInterval.Duration <= 0 {
		return errors.New("scheduler.heartbeat_interval must be positive")
	}
	if s.HeartbeatTTL.Duration <= s.HeartbeatInterval.Duration {
		return errors.New("scheduler.heartbeat_ttl must exceed heartbeat_interval")
	}
	if s.MaxDeliveries <= 0 {
		return errors.New("scheduler.max_deliveries must be positive")
	}
	if s.TimeoutSafetyFactor <= 0 {
		return errors.New("scheduler.timeout_safety_factor must be positive")
	}
	if s.DefaultRetryBudget < 0 {
		return errors.New("scheduler.default_retry_budget must be >= 0")
	}
	if cfg.Leader.LeaseTTL.Duration <= 0 {
		return errors.New("leader.lease_ttl must be positive")
	}
	if strings.TrimSpace(cfg.Leader.Key) == "" {
		cfg.Leader.Key = "dalston:leader"
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	default:
		return false
	}
}
