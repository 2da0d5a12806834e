// Package scanner implements the leader-only Stale-Task Scanner (spec.md
// §4.5.4): on a fixed cadence the current lease holder walks every
// stage stream's pending-entries list and fails entries that have
// exceeded their delivery or idle budget. It never steals a message from
// a live consumer — reclaiming from a dead engine is the Engine Runner's
// job, gated on Registry absence (spec.md §4.5.4 step 5).
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/dalston/orchestrator-core/internal/config"
	"github.com/dalston/orchestrator-core/internal/events"
	"github.com/dalston/orchestrator-core/internal/leader"
	"github.com/dalston/orchestrator-core/internal/metrics"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
	"github.com/dalston/orchestrator-core/internal/streams"
)

// Scanner owns the leader lease and the per-cadence reclaim sweep.
type Scanner struct {
	streamsH *streams.Streams
	bus      *events.Bus
	lease    *leader.Lease
	cfg      config.SchedulerConfig
	log      *logger.Logger
}

func New(streamsH *streams.Streams, bus *events.Bus, lease *leader.Lease, cfg config.SchedulerConfig, log *logger.Logger) *Scanner {
	return &Scanner{streamsH: streamsH, bus: bus, lease: lease, cfg: cfg, log: log.With("component", "StaleTaskScanner")}
}

// Run blocks until ctx is cancelled, attempting to acquire or renew the
// leader lease every cadence and sweeping when held (spec.md §4.5.4
// "Runs on whichever controller currently holds a Redis-backed leader
// lease... renewed on each scan").
func (s *Scanner) Run(ctx context.Context) error {
	interval := s.cfg.ScannerInterval.Duration
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scanner tick panic", "panic", r)
		}
	}()

	isLeader, err := s.lease.IsLeader(ctx)
	if err != nil {
		s.log.Error("checking leadership", "error", err)
		return
	}
	if !isLeader {
		acquired, err := s.lease.TryAcquire(ctx)
		if err != nil {
			s.log.Error("acquiring leader lease", "error", err)
			return
		}
		if !acquired {
			return
		}
		s.log.Info("acquired stale-task-scanner leader lease")
	} else {
		if _, err := s.lease.Renew(ctx); err != nil {
			s.log.Error("renewing leader lease", "error", err)
			return
		}
	}

	if err := s.sweep(ctx); err != nil {
		s.log.Error("sweep failed", "error", err)
	}
}

// sweep implements spec.md §4.5.4 steps 1-4.
func (s *Scanner) sweep(ctx context.Context) error {
	keys, err := s.streamsH.ScanStageKeys(ctx)
	if err != nil {
		return fmt.Errorf("enumerating stream keys: %w", err)
	}

	maxDeliveries := int64(s.cfg.MaxDeliveries)
	if maxDeliveries <= 0 {
		maxDeliveries = 3
	}
	idleTimeout := s.cfg.AbsoluteTaskTimeout.Duration
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}

	for _, key := range keys {
		stage := streams.StageFromKey(key)
		entries, err := s.streamsH.Pending(ctx, stage, 1000)
		if err != nil {
			s.log.Error("inspecting pending list", "stage", stage, "error", err)
			continue
		}
		for _, e := range entries {
			switch {
			case e.DeliveryCount >= maxDeliveries:
				s.reclaim(ctx, stage, e.MessageID, "max_retries_exceeded: exceeded max_deliveries in stream")
			case e.Idle >= idleTimeout:
				s.reclaim(ctx, stage, e.MessageID, "task_timeout: idle beyond absolute per-task timeout")
			}
		}
	}
	return nil
}

func (s *Scanner) reclaim(ctx context.Context, stage, messageID, reason string) {
	taskID, jobID, err := s.streamsH.PeekMessage(ctx, stage, messageID)
	if err != nil {
		s.log.Error("reading stale message before failing", "stage", stage, "message_id", messageID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, events.Event{Type: events.TaskFailed, TaskID: taskID, JobID: jobID, Stage: stage, Reason: reason}); err != nil {
		s.log.Error("publishing task.failed for stale task", "task_id", taskID, "error", err)
	}
	if err := s.streamsH.Ack(ctx, stage, messageID); err != nil {
		s.log.Error("acking stale message", "stage", stage, "message_id", messageID, "error", err)
		return
	}
	metrics.ScannerReclaims.WithLabelValues(reason).Inc()
}
