// Package registry implements the Engine Registry: the runtime view of
// which engines are alive and what each can currently do (spec.md §4.2).
// Each engine heartbeats its capabilities into a Redis key with a TTL;
// expiry implicitly marks the engine dead. The registry holds no
// in-process state of its own — every query is a fresh read against
// Redis, which is what keeps orchestrator controllers stateless and
// replaceable (spec.md §9 "Global mutable state").
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalston/orchestrator-core/internal/domain"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
)

const keyPrefix = "dalston:registry:"

// Registry is the live, heartbeat-driven engine table.
type Registry struct {
	rdb *redis.Client
	log *logger.Logger
}

func New(rdb *redis.Client, log *logger.Logger) *Registry {
	return &Registry{rdb: rdb, log: log.With("component", "Registry")}
}

func keyFor(engineID string) string { return keyPrefix + engineID }

// Heartbeat writes an engine's current capabilities with a TTL. Called by
// the Engine Runner roughly every HeartbeatInterval; best-effort (spec.md
// §4.2 "Heartbeat write is best-effort").
func (r *Registry) Heartbeat(ctx context.Context, entry domain.RegistryEntry, ttl time.Duration) error {
	entry.LastHeartbeat = time.Now().UTC()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal registry entry for %q: %w", entry.EngineID, err)
	}
	if err := r.rdb.Set(ctx, keyFor(entry.EngineID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat write for %q: %w", entry.EngineID, err)
	}
	return nil
}

// Get returns the live entry for engineID, or ok=false if it has expired
// or never heartbeated (spec.md §4.2 get(engine_id)).
func (r *Registry) Get(ctx context.Context, engineID string) (domain.RegistryEntry, bool, error) {
	raw, err := r.rdb.Get(ctx, keyFor(engineID)).Bytes()
	if err == redis.Nil {
		return domain.RegistryEntry{}, false, nil
	}
	if err != nil {
		return domain.RegistryEntry{}, false, fmt.Errorf("registry get %q: %w", engineID, err)
	}
	var entry domain.RegistryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.RegistryEntry{}, false, fmt.Errorf("registry decode %q: %w", engineID, err)
	}
	return entry, true, nil
}

// IsAvailable reports whether engineID currently has a live (TTL-present)
// heartbeat (spec.md §4.2 is_available).
func (r *Registry) IsAvailable(ctx context.Context, engineID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, keyFor(engineID)).Result()
	if err != nil {
		return false, fmt.Errorf("registry exists %q: %w", engineID, err)
	}
	return n > 0, nil
}

// GetEnginesForStage enumerates all live engines whose capabilities
// declare stage, via cursor-based SCAN so enumeration never blocks Redis
// on a large key space (spec.md §4.2).
func (r *Registry) GetEnginesForStage(ctx context.Context, stage string) ([]domain.RegistryEntry, error) {
	var out []domain.RegistryEntry
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("registry scan: %w", err)
		}
		if len(keys) > 0 {
			vals, err := r.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("registry mget: %w", err)
			}
			for _, v := range vals {
				if v == nil {
					continue
				}
				s, ok := v.(string)
				if !ok {
					continue
				}
				var entry domain.RegistryEntry
				if err := json.Unmarshal([]byte(s), &entry); err != nil {
					r.log.Warn("skipping malformed registry entry", "error", err)
					continue
				}
				if entry.Capabilities.HasStage(stage) {
					out = append(out, entry)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// EngineIDFromKey extracts the engine id from a registry key; it is the
// inverse of keyFor.
func EngineIDFromKey(key string) string {
	return strings.TrimPrefix(key, keyPrefix)
}
