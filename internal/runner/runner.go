// Package runner implements the Engine Runner/SDK: the cooperative loop
// each engine process runs to pull work off its stage's stream, invoke
// the engine's opaque processing function, and report the outcome back
// through the database and event bus (spec.md §4.6). The loop itself is
// domain-agnostic; concrete engines plug in via the Processor interface.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalston/orchestrator-core/internal/domain"
	"github.com/dalston/orchestrator-core/internal/events"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
	"github.com/dalston/orchestrator-core/internal/registry"
	"github.com/dalston/orchestrator-core/internal/store"
	"github.com/dalston/orchestrator-core/internal/streams"
)

// Jobs is the narrow JobStore read the runner needs to observe
// cancellation (spec.md §5 "the engine... observes CANCELLED").
type Jobs interface {
	Get(jobID uuid.UUID) (*domain.Job, error)
}

// TaskInput is everything a Processor needs to run one task, with
// object-storage reads/writes left entirely to the caller — the core
// never interprets InputURI/OutputURI (spec.md §1 Non-goals).
type TaskInput struct {
	TaskID   uuid.UUID
	JobID    uuid.UUID
	Stage    string
	InputURI string
	Config   map[string]any
}

// TaskOutput is the processor's result payload, serialized and handed to
// the ObjectStore before the task is marked complete.
type TaskOutput struct {
	Payload []byte
}

// Processor is the opaque, potentially long-running (minutes) engine
// operation the runner invokes per task (spec.md §4.6 step 4).
type Processor interface {
	Process(ctx context.Context, in TaskInput) (TaskOutput, error)
}

// ObjectStore persists a completed task's output, keyed by (job_id,
// task_id) so writes are idempotent under at-least-once delivery (spec.md
// §5 "Exactly-once properties").
type ObjectStore interface {
	Put(ctx context.Context, jobID, taskID uuid.UUID, payload []byte) (uri string, err error)
}

// ModelLoader swaps the accelerator-resident model weights when a task's
// config names a different runtime_model_id than the one currently
// loaded (spec.md §4.6 step 5).
type ModelLoader interface {
	Current() string
	Load(ctx context.Context, modelID string) error
}

// Config carries the runner's identity and tunables.
type Config struct {
	EngineID             string
	Stage                string
	ConsumerID           string
	StaleClaimThreshold  time.Duration
	BlockTimeout         time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTTL         time.Duration
	Capabilities         domain.Capabilities
}

// Runner drives the per-engine-process loop of spec.md §4.6.
type Runner struct {
	cfg       Config
	streamsH  *streams.Streams
	reg       *registry.Registry
	tasks     *store.TaskStore
	jobs      Jobs
	bus       *events.Bus
	processor Processor
	objects   ObjectStore
	models    ModelLoader
	log       *logger.Logger
}

func New(cfg Config, streamsH *streams.Streams, reg *registry.Registry, tasks *store.TaskStore, jobs Jobs, bus *events.Bus, processor Processor, objects ObjectStore, models ModelLoader, log *logger.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		streamsH:  streamsH,
		reg:       reg,
		tasks:     tasks,
		jobs:      jobs,
		bus:       bus,
		processor: processor,
		objects:   objects,
		models:    models,
		log:       log.With("component", "EngineRunner", "engine_id", cfg.EngineID, "stage", cfg.Stage),
	}
}

// Run drives the loop until ctx is cancelled, heartbeating on its own
// schedule alongside the work loop (spec.md §4.6 "heartbeats... on a
// separate schedule").
func (r *Runner) Run(ctx context.Context) error {
	go r.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := r.iteration(ctx); err != nil {
			r.log.Error("runner iteration failed", "error", err)
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		entry := domain.RegistryEntry{EngineID: r.cfg.EngineID, Capabilities: r.cfg.Capabilities}
		if r.models != nil {
			entry.LoadedModelID = r.models.Current()
		}
		if err := r.reg.Heartbeat(ctx, entry, r.cfg.HeartbeatTTL); err != nil {
			r.log.Warn("heartbeat write failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// iteration performs one pass of spec.md §4.6 steps 1-5, recovering any
// panic from processor invocation into a task failure rather than
// crashing the loop (spec.md §10 "no panics escape a goroutine
// boundary").
func (r *Runner) iteration(ctx context.Context) (err error) {
	msg, claimed, err := r.claimFromDeadEngines(ctx)
	if err != nil {
		return err
	}
	if !claimed {
		block := r.cfg.BlockTimeout
		if block <= 0 {
			block = 30 * time.Second
		}
		msgs, _, readErr := r.streamsH.ReadNew(ctx, r.cfg.Stage, r.cfg.ConsumerID, block)
		if readErr != nil {
			return readErr
		}
		if len(msgs) == 0 {
			return nil
		}
		msg = msgs[0]
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("processor panic", "task_id", msg.TaskID, "panic", p)
			_ = r.streamsH.Ack(ctx, r.cfg.Stage, msg.ID)
			_ = r.bus.Publish(ctx, events.Event{
				Type:   events.TaskFailed,
				TaskID: msg.TaskID,
				JobID:  msg.JobID,
				Stage:  r.cfg.Stage,
				Reason: fmt.Sprintf("engine_error: processor panic: %v", p),
			})
			err = nil
		}
	}()

	return r.handleMessage(ctx, msg)
}

// claimFromDeadEngines implements spec.md §4.6 step 1: steal at most one
// pending entry per iteration, and only from a consumer absent from the
// Registry.
func (r *Runner) claimFromDeadEngines(ctx context.Context) (streams.Message, bool, error) {
	threshold := r.cfg.StaleClaimThreshold
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	pending, err := r.streamsH.Pending(ctx, r.cfg.Stage, 100)
	if err != nil {
		return streams.Message{}, false, err
	}
	for _, p := range pending {
		if p.Idle < threshold {
			continue
		}
		if p.Consumer == r.cfg.ConsumerID {
			continue
		}
		alive, err := r.reg.IsAvailable(ctx, p.Consumer)
		if err != nil {
			r.log.Warn("checking consumer liveness", "consumer", p.Consumer, "error", err)
			continue
		}
		if alive {
			continue
		}
		msgs, _, err := r.streamsH.Claim(ctx, r.cfg.Stage, threshold, []string{p.MessageID}, r.cfg.ConsumerID)
		if err != nil {
			return streams.Message{}, false, err
		}
		if len(msgs) == 0 {
			continue
		}
		return msgs[0], true, nil
	}
	return streams.Message{}, false, nil
}

// handleMessage implements spec.md §4.6 steps 3-5 for a single claimed or
// freshly-read message.
func (r *Runner) handleMessage(ctx context.Context, msg streams.Message) error {
	taskID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		return fmt.Errorf("parsing task id %q from stream message: %w", msg.TaskID, err)
	}
	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		return fmt.Errorf("parsing job id %q from stream message: %w", msg.JobID, err)
	}

	task, err := r.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status.IsTerminal() {
		return r.streamsH.Ack(ctx, r.cfg.Stage, msg.ID)
	}
	if job, err := r.jobs.Get(jobID); err == nil && job != nil && job.Status == domain.JobCancelled {
		return r.streamsH.Ack(ctx, r.cfg.Stage, msg.ID)
	}

	if err := r.tasks.MarkRunning(taskID, r.cfg.EngineID); err != nil {
		r.log.Warn("marking task running", "task_id", taskID, "error", err)
	}

	var cfg map[string]any
	if len(task.Config) > 0 {
		_ = json.Unmarshal(task.Config, &cfg)
	}
	if err := r.swapModelIfNeeded(ctx, cfg); err != nil {
		return r.fail(ctx, msg, taskID, jobID, fmt.Sprintf("engine_error: model swap failed: %v", err))
	}

	out, procErr := r.processor.Process(ctx, TaskInput{TaskID: taskID, JobID: jobID, Stage: r.cfg.Stage, InputURI: task.InputURI, Config: cfg})
	if procErr != nil {
		return r.fail(ctx, msg, taskID, jobID, fmt.Sprintf("engine_error: %v", procErr))
	}

	uri, err := r.objects.Put(ctx, jobID, taskID, out.Payload)
	if err != nil {
		return r.fail(ctx, msg, taskID, jobID, fmt.Sprintf("engine_error: writing output: %v", err))
	}
	if err := r.tasks.SetOutputURI(taskID, uri); err != nil {
		r.log.Warn("recording output uri", "task_id", taskID, "error", err)
	}

	if err := r.streamsH.Ack(ctx, r.cfg.Stage, msg.ID); err != nil {
		return fmt.Errorf("acking completed task %s: %w", taskID, err)
	}
	return r.bus.Publish(ctx, events.Event{Type: events.TaskCompleted, TaskID: msg.TaskID, JobID: msg.JobID, Stage: r.cfg.Stage})
}

func (r *Runner) fail(ctx context.Context, msg streams.Message, taskID, jobID uuid.UUID, reason string) error {
	if err := r.streamsH.Ack(ctx, r.cfg.Stage, msg.ID); err != nil {
		r.log.Error("acking failed task", "task_id", taskID, "error", err)
	}
	return r.bus.Publish(ctx, events.Event{Type: events.TaskFailed, TaskID: msg.TaskID, JobID: msg.JobID, Stage: r.cfg.Stage, Reason: reason})
}

func (r *Runner) swapModelIfNeeded(ctx context.Context, cfg map[string]any) error {
	if r.models == nil {
		return nil
	}
	wanted, _ := cfg["runtime_model_id"].(string)
	if wanted == "" || wanted == r.models.Current() {
		return nil
	}
	return r.models.Load(ctx, wanted)
}
