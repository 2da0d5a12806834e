package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston/orchestrator-core/internal/platform/logger"
)

func TestPublishThenSubscribeDeliversEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	log, err := logger.New("test")
	require.NoError(t, err)
	bus := NewBus(rdb, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	require.NoError(t, bus.Subscribe(ctx, func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, bus.Publish(ctx, Event{Type: TaskCompleted, JobID: "job-1", TaskID: "task-1"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber to observe published event")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, TaskCompleted, received[0].Type)
	assert.Equal(t, "job-1", received[0].JobID)
	assert.False(t, received[0].Timestamp.IsZero(), "Publish must stamp a timestamp when the caller left it zero")
}
