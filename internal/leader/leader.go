// Package leader implements the Redis-backed leader lease that confines
// the Stale-Task Scanner to a single active controller instance (spec.md
// §4.5.4, §5 "The leader lease confines the scanner to one instance").
package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a renewable, NX-acquired Redis lock.
type Lease struct {
	rdb      *redis.Client
	key      string
	ttl      time.Duration
	holderID string
}

func New(rdb *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: key, ttl: ttl, holderID: uuid.New().String()}
}

// TryAcquire attempts to become leader via atomic SET NX with TTL
// (spec.md §4.5.4 "acquire via atomic SET with NX and TTL"). Safe to
// call repeatedly; while the key is held by anyone, this instance
// included, it returns false until the TTL expires.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.holderID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring leader lease %q: %w", l.key, err)
	}
	return ok, nil
}

// Renew extends the lease's TTL iff this instance still holds it, via a
// Lua script so the check-and-extend is atomic (spec.md §4.5.4 "renewed
// on each scan").
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.holderID, int(l.ttl.Milliseconds())).Result()
	if err != nil {
		return false, fmt.Errorf("renewing leader lease %q: %w", l.key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release gives up the lease iff this instance still holds it.
func (l *Lease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.holderID).Result()
	if err != nil {
		return fmt.Errorf("releasing leader lease %q: %w", l.key, err)
	}
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (l *Lease) IsLeader(ctx context.Context) (bool, error) {
	v, err := l.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading leader lease %q: %w", l.key, err)
	}
	return v == l.holderID, nil
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)
