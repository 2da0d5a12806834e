package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston/orchestrator-core/internal/domain"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log, err := logger.New("test")
	require.NoError(t, err)
	return New(rdb, log), mr
}

func TestHeartbeatThenGetRoundTrips(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	entry := domain.RegistryEntry{
		EngineID:     "whisper-en-1",
		Capabilities: domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.2},
	}
	require.NoError(t, reg.Heartbeat(ctx, entry, time.Minute))

	got, ok, err := reg.Get(ctx, "whisper-en-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "whisper-en-1", got.EngineID)
	assert.Equal(t, 0.2, got.Capabilities.RTFGPU)
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestGetReportsMissingEngine(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, ok, err := reg.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeatExpiresAfterTTL(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	entry := domain.RegistryEntry{EngineID: "short-lived", Capabilities: domain.Capabilities{Stage: []string{"prepare"}}}
	require.NoError(t, reg.Heartbeat(ctx, entry, time.Second))

	available, err := reg.IsAvailable(ctx, "short-lived")
	require.NoError(t, err)
	assert.True(t, available)

	mr.FastForward(2 * time.Second)

	available, err = reg.IsAvailable(ctx, "short-lived")
	require.NoError(t, err)
	assert.False(t, available, "a TTL-expired heartbeat must be reported as unavailable")
}

func TestGetEnginesForStageFiltersByCapability(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Heartbeat(ctx, domain.RegistryEntry{
		EngineID:     "transcriber",
		Capabilities: domain.Capabilities{Stage: []string{"transcribe"}},
	}, time.Minute))
	require.NoError(t, reg.Heartbeat(ctx, domain.RegistryEntry{
		EngineID:     "aligner",
		Capabilities: domain.Capabilities{Stage: []string{"align"}},
	}, time.Minute))

	got, err := reg.GetEnginesForStage(ctx, "transcribe")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "transcriber", got[0].EngineID)
}

func TestEngineIDFromKeyStripsPrefix(t *testing.T) {
	assert.Equal(t, "whisper-en-1", EngineIDFromKey(keyFor("whisper-en-1")))
}
