// Package scheduler is the Scheduler/Event Loop/Handlers component: a
// long-running loop consuming the pub/sub event channel, advancing the
// job and task state machines in the database, and placing ready tasks
// on per-stage work streams (spec.md §4.5). Nothing about correctness
// depends on event delivery, ordering, or dedup — every state-changing
// step here is guarded by a database CAS (spec.md §5).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalston/orchestrator-core/internal/config"
	"github.com/dalston/orchestrator-core/internal/domain"
	"github.com/dalston/orchestrator-core/internal/events"
	"github.com/dalston/orchestrator-core/internal/metrics"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
	"github.com/dalston/orchestrator-core/internal/selector"
	"github.com/dalston/orchestrator-core/internal/store"
	"github.com/dalston/orchestrator-core/internal/streams"
)

// JobParamsLoader resolves a job's opaque Parameters column into the
// structured JobParameters the DAG builder needs. Kept as an interface
// so the scheduler package doesn't own job-parameter JSON decoding
// details beyond the one seam it needs.
type JobParamsLoader func(job *domain.Job) (domain.JobParameters, error)

// Scheduler wires together the store, selector, DAG builder, streams,
// and event bus into the event loop of spec.md §4.5.
type Scheduler struct {
	jobs      *store.JobStore
	tasks     *store.TaskStore
	selector  *selector.Selector
	streamsH  *streams.Streams
	bus       *events.Bus
	cfg       config.SchedulerConfig
	log       *logger.Logger
	loadParams JobParamsLoader
}

func New(
	jobs *store.JobStore,
	tasks *store.TaskStore,
	sel *selector.Selector,
	streamsH *streams.Streams,
	bus *events.Bus,
	cfg config.SchedulerConfig,
	log *logger.Logger,
	loadParams JobParamsLoader,
) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		tasks:      tasks,
		selector:   sel,
		streamsH:   streamsH,
		bus:        bus,
		cfg:        cfg,
		log:        log.With("component", "Scheduler"),
		loadParams: loadParams,
	}
}

// Run subscribes to the event bus and dispatches every event to its
// handler until ctx is cancelled. A handler panic is recovered into a
// log line rather than crashing the loop, mirroring the teacher's
// worker panic-recovery discipline (internal/jobs/worker.runLoop).
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, func(ev events.Event) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("event handler panic", "event_type", ev.Type, "panic", r)
			}
			metrics.EventLoopLatency.WithLabelValues(string(ev.Type)).Observe(time.Since(start).Seconds())
		}()
		s.dispatch(ctx, ev)
	}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, ev events.Event) {
	var err error
	switch ev.Type {
	case events.JobCreated:
		err = s.HandleJobCreated(ctx, ev.JobID)
	case events.TaskCompleted:
		err = s.HandleTaskCompleted(ctx, ev.TaskID)
	case events.TaskFailed:
		err = s.HandleTaskFailed(ctx, ev.TaskID, ev.Reason)
	case events.JobCancelRequested:
		err = s.HandleJobCancelRequested(ctx, ev.JobID)
	case events.TaskProgress:
		// Progress events are external-collaborator hints (gateway/SSE);
		// the core does not act on them.
	default:
		s.log.Warn("unknown event type", "type", ev.Type)
	}
	if err != nil {
		s.log.Error("event handler failed", "event_type", ev.Type, "job_id", ev.JobID, "task_id", ev.TaskID, "error", err)
	}
}

// enqueueReady writes a stream message for task, deriving the absolute
// timeout from audio duration x engine rtf_gpu x safety factor, clamped
// to AbsoluteTaskTimeout as a floor (spec.md §4.5.1 step 5).
func (s *Scheduler) enqueueReady(ctx context.Context, task domain.Task, rtfGPU, audioDurationSeconds float64) error {
	timeout := s.deriveTimeout(rtfGPU, audioDurationSeconds)
	msg := streams.Message{
		TaskID:          task.ID.String(),
		JobID:           task.JobID.String(),
		EnqueuedAt:      time.Now().UTC(),
		AbsoluteTimeout: time.Now().UTC().Add(timeout),
	}
	if err := s.streamsH.Append(ctx, task.Stage, msg); err != nil {
		return fmt.Errorf("enqueueing task %s on stage %q: %w", task.ID, task.Stage, err)
	}
	metrics.TasksTransitioned.WithLabelValues(task.Stage, "enqueued").Inc()
	return nil
}

func (s *Scheduler) deriveTimeout(rtfGPU, audioDurationSeconds float64) time.Duration {
	floor := s.cfg.AbsoluteTaskTimeout.Duration
	if rtfGPU <= 0 || audioDurationSeconds <= 0 {
		return floor
	}
	factor := s.cfg.TimeoutSafetyFactor
	if factor <= 0 {
		factor = 1
	}
	est := time.Duration(audioDurationSeconds*rtfGPU*factor) * time.Second
	if est < floor {
		return floor
	}
	return est
}

func jobIDFromString(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing job id %q: %w", raw, err)
	}
	return id, nil
}

func taskIDFromString(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing task id %q: %w", raw, err)
	}
	return id, nil
}
