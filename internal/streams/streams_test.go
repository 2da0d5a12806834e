package streams

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreams(t *testing.T) (*Streams, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), rdb
}

func TestAppendThenReadNewDeliversMessage(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	msg := Message{TaskID: "task-1", JobID: "job-1", EnqueuedAt: time.Now()}
	require.NoError(t, s.Append(ctx, "transcribe", msg))

	got, ids, err := s.ReadNew(ctx, "transcribe", "consumer-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, ids, 1)
	assert.Equal(t, "task-1", got[0].TaskID)
	assert.Equal(t, "job-1", got[0].JobID)
}

func TestAckRemovesMessageFromPendingList(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "task-1", JobID: "job-1"}))
	_, ids, err := s.ReadNew(ctx, "transcribe", "consumer-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, s.Ack(ctx, "transcribe", ids[0]))

	pending, err := s.Pending(ctx, "transcribe", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingReportsUnackedEntry(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "task-1", JobID: "job-1"}))
	_, _, err := s.ReadNew(ctx, "transcribe", "consumer-a", 100*time.Millisecond)
	require.NoError(t, err)

	pending, err := s.Pending(ctx, "transcribe", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "consumer-a", pending[0].Consumer)
}

func TestClaimReassignsMessageToNewConsumer(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "task-1", JobID: "job-1"}))
	_, ids, err := s.ReadNew(ctx, "transcribe", "dead-consumer", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	claimed, claimedIDs, err := s.Claim(ctx, "transcribe", 0, ids, "fresh-consumer")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids, claimedIDs)
	assert.Equal(t, "task-1", claimed[0].TaskID)
}

func TestPeekMessageReadsWithoutAcking(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "task-1", JobID: "job-1"}))
	_, ids, err := s.ReadNew(ctx, "transcribe", "consumer-a", 100*time.Millisecond)
	require.NoError(t, err)

	taskID, jobID, err := s.PeekMessage(ctx, "transcribe", ids[0])
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)
	assert.Equal(t, "job-1", jobID)

	pending, err := s.Pending(ctx, "transcribe", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "peeking must not ack the message")
}

func TestDropUnclaimedForTaskRemovesEntryNeverYetDelivered(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "task-1", JobID: "job-1"}))
	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "task-2", JobID: "job-1"}))

	dropped, err := s.DropUnclaimedForTask(ctx, "transcribe", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, dropped, "an entry never delivered to any consumer still must be removable")

	got, _, err := s.ReadNew(ctx, "transcribe", "consumer-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1, "only task-2's entry should remain in the stream")
	assert.Equal(t, "task-2", got[0].TaskID)
}

func TestDropUnclaimedForTaskRemovesAlreadyPendingEntry(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "task-1", JobID: "job-1"}))
	_, _, err := s.ReadNew(ctx, "transcribe", "consumer-a", 100*time.Millisecond)
	require.NoError(t, err)

	dropped, err := s.DropUnclaimedForTask(ctx, "transcribe", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	pending, err := s.Pending(ctx, "transcribe", 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "deleting the entry must also clear it from the pending-entries list")
}

func TestKeyForStageAndStageFromKeyRoundTrip(t *testing.T) {
	key := KeyForStage("transcribe")
	assert.Equal(t, "transcribe", StageFromKey(key))
}

func TestScanStageKeysFindsAppendedStreams(t *testing.T) {
	s, _ := newTestStreams(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "transcribe", Message{TaskID: "t1", JobID: "j1"}))
	require.NoError(t, s.Append(ctx, "align", Message{TaskID: "t2", JobID: "j1"}))

	keys, err := s.ScanStageKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
