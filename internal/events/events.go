// Package events implements the pub/sub event channel of spec.md §4.5 and
// §6: a single broadcast channel carrying job.created/task.completed/
// task.failed/task.progress/job.cancel_requested hints. Correctness never depends on these
// being delivered, ordered, or deduplicated — every state-changing step
// is guarded by a database CAS — so this is intentionally a thin,
// best-effort forwarder, grounded on the teacher's Redis pub/sub
// SSE bus (internal/clients/redis/sse_bus.go).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalston/orchestrator-core/internal/platform/logger"
)

const channel = "dalston:events"

// Type enumerates the event-channel message kinds (spec.md §6).
type Type string

const (
	JobCreated         Type = "job.created"
	TaskCompleted      Type = "task.completed"
	TaskFailed         Type = "task.failed"
	TaskProgress       Type = "task.progress"
	JobCancelRequested Type = "job.cancel_requested"
)

// Event is the wire shape of spec.md §6: {type, timestamp, *identity
// fields for type*}.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Bus is the pub/sub broadcaster/forwarder.
type Bus struct {
	rdb *redis.Client
	log *logger.Logger
}

func NewBus(rdb *redis.Client, log *logger.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.With("component", "EventBus")}
}

// Publish is a best-effort broadcast; callers should never block job
// progress on its error (spec.md §6 "Events are hints").
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", ev.Type, err)
	}
	if err := b.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publishing event %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe starts a forwarder goroutine that decodes each message and
// invokes onEvent until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, onEvent func(Event)) error {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribing to %q: %w", channel, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}
