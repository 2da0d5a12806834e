// Command dalston-engine-runner is a demo engine process: it embeds the
// Engine Runner/SDK loop (internal/runner) against a trivial Processor
// and a local-filesystem ObjectStore, giving the runner library a
// concrete, runnable shape the way the teacher's cmd/inference wires its
// app package (SPEC_FULL.md §12).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dalston/orchestrator-core/internal/catalog"
	"github.com/dalston/orchestrator-core/internal/config"
	"github.com/dalston/orchestrator-core/internal/events"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
	"github.com/dalston/orchestrator-core/internal/platform/shutdown"
	"github.com/dalston/orchestrator-core/internal/registry"
	"github.com/dalston/orchestrator-core/internal/runner"
	"github.com/dalston/orchestrator-core/internal/store"
	"github.com/dalston/orchestrator-core/internal/streams"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("engine runner exited: %v\n", err)
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

	metadataPath := strings.TrimSpace(os.Getenv("DALSTON_ENGINE_METADATA_PATH"))
	if metadataPath == "" {
		return fmt.Errorf("DALSTON_ENGINE_METADATA_PATH is required")
	}
	meta, err := catalog.LoadMetadataFile(metadataPath)
	if err != nil {
		return fmt.Errorf("loading engine metadata: %w", err)
	}

	db, err := store.Open(cfg.Postgres, log)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	taskStore := store.NewTaskStore(db)
	jobStore := store.NewJobStore(db)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	reg := registry.New(rdb, log)
	streamsH := streams.New(rdb)
	bus := events.NewBus(rdb, log)

	outputDir := strings.TrimSpace(os.Getenv("DALSTON_OBJECT_STORE_DIR"))
	if outputDir == "" {
		outputDir = "./data/objects"
	}

	runnerCfg := runner.Config{
		EngineID:            meta.ID,
		Stage:               meta.Stage,
		ConsumerID:          meta.ID + "-" + uuid.NewString(),
		StaleClaimThreshold: 10 * time.Minute,
		BlockTimeout:        cfg.Scheduler.StreamBlockTimeout.Duration,
		HeartbeatInterval:   cfg.Scheduler.HeartbeatInterval.Duration,
		HeartbeatTTL:        cfg.Scheduler.HeartbeatTTL.Duration,
		Capabilities:        meta.ToCapabilities(),
	}

	r := runner.New(
		runnerCfg,
		streamsH,
		reg,
		taskStore,
		jobStore,
		bus,
		echoProcessor{},
		localObjectStore{dir: outputDir},
		newStaticModelLoader(),
		log,
	)

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	return r.Run(ctx)
}
