package config

import "time"

// Duration unmarshals from either a JSON string like "30s" or an int
// nanoseconds, matching how the orchestrator's own config layer does it.
type Duration struct {
	Duration time.Duration
}

// RedisConfig points the orchestrator/runner at the single Redis instance
// used for streams, pub/sub, registry heartbeats and leader election.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// PostgresConfig points at the Job/Task store.
type PostgresConfig struct {
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	MaxIdleConns int    `json:"max_idle_conns,omitempty"`
}

// CatalogConfig locates the static engine catalog (generated JSON, built
// from per-engine YAML metadata files — see internal/catalog).
type CatalogConfig struct {
	Path string `json:"path"`
}

// SchedulerConfig carries the knobs for the event loop, the stale-task
// scanner, and engine-heartbeat bookkeeping (spec.md §4.5, §5).
type SchedulerConfig struct {
	// HeartbeatInterval is how often the engine runner writes its
	// capabilities into the Registry; HeartbeatTTL is the expiry set on
	// that Registry key, after which the engine no longer counts as live.
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatTTL      Duration `json:"heartbeat_ttl"`

	// StaleClaimIdleThreshold is a Redis Streams idle-time for treating a
	// pending entry as abandoned. It is loaded and defaulted but not read
	// anywhere: cmd/dalston-engine-runner sets the runner's stale-claim
	// threshold to a fixed 10 minutes.
	StaleClaimIdleThreshold Duration `json:"stale_claim_idle_threshold"`

	// MaxDeliveries is the stream delivery count at which the scanner
	// gives up on a pending message, acks it and fails the task.
	MaxDeliveries int `json:"max_deliveries"`

	// AbsoluteTaskTimeout is the floor of each stream message's timeout,
	// which the scheduler derives from audio duration x engine rtf_gpu x
	// TimeoutSafetyFactor, and the idle time after which the scanner
	// treats a pending entry as stale (30 minutes there when zero).
	AbsoluteTaskTimeout Duration `json:"absolute_task_timeout"`

	// TimeoutSafetyFactor multiplies the rtf_gpu-derived estimate before
	// it becomes a task's absolute timeout.
	TimeoutSafetyFactor float64 `json:"timeout_safety_factor"`

	// ScannerInterval is how often the Stale-Task Scanner runs.
	ScannerInterval Duration `json:"scanner_interval"`

	// DefaultRetryBudget is MaxRetries for a task when the DAG builder
	// does not set one explicitly.
	DefaultRetryBudget int `json:"default_retry_budget"`

	// StreamBlockTimeout bounds a single XREADGROUP blocking call.
	StreamBlockTimeout Duration `json:"stream_block_timeout"`

	// EngineDisappearedReselect enables re-selecting an alternate engine
	// when a task.failed event carries the engine_disappeared category, up
	// to a fixed number of re-selections per task (spec.md §9(a) Open
	// Question).
	EngineDisappearedReselect bool `json:"engine_disappeared_reselect"`
}

// LeaderConfig configures the Redis SET-NX lease gating the scanner to a
// single active controller instance.
type LeaderConfig struct {
	LeaseTTL Duration `json:"lease_ttl"`
	Key      string   `json:"key,omitempty"`
}

// MetricsConfig configures the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
	Path string `json:"path,omitempty"`
}

type Config struct {
	Env       string          `json:"env"`
	Redis     RedisConfig     `json:"redis"`
	Postgres  PostgresConfig  `json:"postgres"`
	Catalog   CatalogConfig   `json:"catalog"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Leader    LeaderConfig    `json:"leader"`
	Metrics   MetricsConfig   `json:"metrics"`
}
