// Command dalston-orchestrator runs one orchestrator controller process:
// the Scheduler/Event Loop (job.created/task.completed/task.failed) plus
// the leader-gated Stale-Task Scanner and a Prometheus exposition
// endpoint, mirroring the teacher's cmd/inference entrypoint shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dalston/orchestrator-core/internal/catalog"
	"github.com/dalston/orchestrator-core/internal/config"
	"github.com/dalston/orchestrator-core/internal/events"
	"github.com/dalston/orchestrator-core/internal/leader"
	"github.com/dalston/orchestrator-core/internal/metrics"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
	"github.com/dalston/orchestrator-core/internal/platform/shutdown"
	"github.com/dalston/orchestrator-core/internal/registry"
	"github.com/dalston/orchestrator-core/internal/scanner"
	"github.com/dalston/orchestrator-core/internal/scheduler"
	"github.com/dalston/orchestrator-core/internal/selector"
	"github.com/dalston/orchestrator-core/internal/store"
	"github.com/dalston/orchestrator-core/internal/streams"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("orchestrator exited: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	db, err := store.Open(cfg.Postgres, log)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	jobStore := store.NewJobStore(db)
	taskStore := store.NewTaskStore(db)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading engine catalog: %w", err)
	}

	reg := registry.New(rdb, log)
	sel := selector.New(reg, cat)
	streamsH := streams.New(rdb)
	bus := events.NewBus(rdb, log)
	lease := leader.New(rdb, cfg.Leader.Key, cfg.Leader.LeaseTTL.Duration)

	sched := scheduler.New(jobStore, taskStore, sel, streamsH, bus, cfg.Scheduler, log, scheduler.DecodeJobParameters)
	stale := scanner.New(streamsH, bus, lease, cfg.Scheduler, log)

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	go serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, log)

	errCh := make(chan error, 2)
	go func() { errCh <- sched.Run(ctx) }()
	go func() { errCh <- stale.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func serveMetrics(addr, path string, log *logger.Logger) {
	if addr == "" {
		return
	}
	reg := metrics.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("metrics endpoint listening", "addr", addr, "path", path)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
