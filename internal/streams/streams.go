// Package streams is the Work Streams helper shared by the Engine Runner
// and the scheduler/scanner (spec.md §4.7): one Redis Stream per
// pipeline stage, a single consumer group named "engines", and the
// primitives needed for append, blocking consumption, idle-based
// reclaim, acknowledgment, and pending-entry inspection.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamPrefix = "dalston:stream:"
	groupName    = "engines"
)

// Message is one queued task (spec.md §3 "Stream Message").
type Message struct {
	ID              string    `json:"-"`
	TaskID          string    `json:"task_id"`
	JobID           string    `json:"job_id"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	AbsoluteTimeout time.Time `json:"absolute_timeout_at"`
}

// PendingEntry describes one undelivered-ack message from a consumer
// group's pending-entries list (spec.md §3, GLOSSARY).
type PendingEntry struct {
	MessageID     string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Streams wraps a redis.Client with the per-stage stream operations.
type Streams struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Streams { return &Streams{rdb: rdb} }

// KeyForStage returns the stable stream key for a stage, named by a
// prefix plus stage identifier (spec.md §6).
func KeyForStage(stage string) string { return streamPrefix + stage }

// StageFromKey is the inverse of KeyForStage, used when stream keys are
// discovered via prefix scan (spec.md §4.5.4 step 1).
func StageFromKey(key string) string { return strings.TrimPrefix(key, streamPrefix) }

// ScanStageKeys enumerates every stage stream key by prefix scan
// (spec.md §6 "Discovered at runtime by prefix scan").
func (s *Streams) ScanStageKeys(ctx context.Context) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, streamPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning stream keys: %w", err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// ensureGroup creates the consumer group lazily on first append/read, as
// spec.md §4.7 requires ("Consumer groups are created lazily on first
// append").
func (s *Streams) ensureGroup(ctx context.Context, stream string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group for %q: %w", stream, err)
	}
	return nil
}

// Append writes a task onto its stage's stream (spec.md §4.5.1 step 5).
func (s *Streams) Append(ctx context.Context, stage string, msg Message) error {
	stream := KeyForStage(stage)
	if err := s.ensureGroup(ctx, stream); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling stream message: %w", err)
	}
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": raw},
	}).Err(); err != nil {
		return fmt.Errorf("appending to stream %q: %w", stream, err)
	}
	return nil
}

// ReadNew performs a blocking read-new for consumer on stage's stream,
// for up to block (spec.md §4.6 step 2, default 30s).
func (s *Streams) ReadNew(ctx context.Context, stage, consumer string, block time.Duration) ([]Message, []string, error) {
	stream := KeyForStage(stage)
	if err := s.ensureGroup(ctx, stream); err != nil {
		return nil, nil, err
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading stream %q: %w", stream, err)
	}
	return decodeXStreams(res)
}

// Claim reclaims pending entries idle longer than minIdle to newConsumer
// (spec.md §4.6 step 1, §4.5.4 is NOT this — the scanner only acks/fails,
// it never claims; claiming is the runner's job).
func (s *Streams) Claim(ctx context.Context, stage string, minIdle time.Duration, messageIDs []string, newConsumer string) ([]Message, []string, error) {
	if len(messageIDs) == 0 {
		return nil, nil, nil
	}
	stream := KeyForStage(stage)
	res, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    groupName,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("claiming stream %q entries: %w", stream, err)
	}
	return decodeXMessages(res)
}

// Ack acknowledges a message, removing it from the pending-entries list
// (spec.md §4.7). The scanner and runner both rely on this as the single
// source of truth for "this task is no longer in flight" (spec.md §5).
func (s *Streams) Ack(ctx context.Context, stage, messageID string) error {
	stream := KeyForStage(stage)
	if err := s.rdb.XAck(ctx, stream, groupName, messageID).Err(); err != nil {
		return fmt.Errorf("acking %q on %q: %w", messageID, stream, err)
	}
	return nil
}

// Pending inspects the pending-entries list for a stage stream, up to
// count entries, returning per-message consumer, idle time, and delivery
// count (spec.md §4.5.4 steps 2-4).
func (s *Streams) Pending(ctx context.Context, stage string, count int64) ([]PendingEntry, error) {
	stream := KeyForStage(stage)
	res, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  groupName,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("inspecting pending list for %q: %w", stream, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			MessageID:     p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

// PeekMessage reads a single message's payload by id without claiming or
// acknowledging it, used by the scanner to recover a stale entry's
// task/job identity before emitting task.failed (spec.md §4.5.4 steps
// 3-4).
func (s *Streams) PeekMessage(ctx context.Context, stage, messageID string) (taskID, jobID string, err error) {
	stream := KeyForStage(stage)
	res, err := s.rdb.XRange(ctx, stream, messageID, messageID).Result()
	if err != nil {
		return "", "", fmt.Errorf("reading message %s on %q: %w", messageID, stream, err)
	}
	if len(res) == 0 {
		return "", "", fmt.Errorf("message %s no longer present on %q", messageID, stream)
	}
	msgs, _, err := decodeXMessages(res)
	if err != nil {
		return "", "", err
	}
	return msgs[0].TaskID, msgs[0].JobID, nil
}

// DropUnclaimedForTask removes every stream entry for stage whose payload
// carries taskID (spec.md §5 Cancellation: "attempts to remove any
// unclaimed stream entries for its tasks"). It scans the full stream
// rather than just the pending-entries list, because a cancelled task's
// entry may never have been delivered to any consumer yet — XAck alone
// only clears delivered-but-unacked entries from the PEL, it does nothing
// for an entry still waiting on its first read. Matching entries are
// XAck'd first, which drops them from the PEL if they happened to be
// pending, then removed outright with XDel. Returns how many entries it
// dropped.
func (s *Streams) DropUnclaimedForTask(ctx context.Context, stage, taskID string) (int, error) {
	stream := KeyForStage(stage)
	res, err := s.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return 0, fmt.Errorf("scanning stream %q for task %s: %w", stream, taskID, err)
	}
	msgs, ids, err := decodeXMessages(res)
	if err != nil {
		return 0, err
	}
	var toDelete []string
	for i, m := range msgs {
		if m.TaskID == taskID {
			toDelete = append(toDelete, ids[i])
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := s.rdb.XAck(ctx, stream, groupName, toDelete...).Err(); err != nil {
		return 0, fmt.Errorf("acking %d entries for task %s on %q: %w", len(toDelete), taskID, stream, err)
	}
	if err := s.rdb.XDel(ctx, stream, toDelete...).Err(); err != nil {
		return 0, fmt.Errorf("dropping %d entries for task %s on %q: %w", len(toDelete), taskID, stream, err)
	}
	return len(toDelete), nil
}

func decodeXStreams(streamsRes []redis.XStream) ([]Message, []string, error) {
	var msgs []Message
	var ids []string
	for _, st := range streamsRes {
		m, i, err := decodeXMessages(st.Messages)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m...)
		ids = append(ids, i...)
	}
	return msgs, ids, nil
}

func decodeXMessages(raw []redis.XMessage) ([]Message, []string, error) {
	var msgs []Message
	var ids []string
	for _, xm := range raw {
		payload, _ := xm.Values["payload"].(string)
		var m Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, nil, fmt.Errorf("decoding stream message %s: %w", xm.ID, err)
		}
		m.ID = xm.ID
		msgs = append(msgs, m)
		ids = append(ids, xm.ID)
	}
	return msgs, ids, nil
}
