package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCommandQueueFIFO(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	pair := NewPair(rdb, "taskrunner-1")

	require.NoError(t, pair.Commands.Push(ctx, Command{Kind: CommandPause}))
	require.NoError(t, pair.Commands.Push(ctx, Command{Kind: CommandResume}))
	require.NoError(t, pair.Commands.Push(ctx, Command{
		Kind:  CommandSteer,
		Steer: &SteerPayload{Context: "focus on sweep-2"},
	}))

	first, err := pair.Commands.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, CommandPause, first.Kind)

	second, err := pair.Commands.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, CommandResume, second.Kind)

	third, err := pair.Commands.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, third.Steer)
	assert.Equal(t, "focus on sweep-2", third.Steer.Context)

	_, err = pair.Commands.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEventRoundTripPreservesPayload(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	pair := NewPair(rdb, "orchestrator-1")

	require.NoError(t, pair.Events.Push(ctx, Event{
		Kind:    EventSpawnRequest,
		AgentID: "orchestrator-1",
		SpawnRequest: &SpawnRequest{
			RequestID: "req-1",
			Impl:      "taskrunner",
			Goal:      "run subtask 3",
			Config:    map[string]any{"steps": float64(2)},
		},
	}))

	evt, err := pair.Events.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventSpawnRequest, evt.Kind)
	require.NotNil(t, evt.SpawnRequest)
	assert.Equal(t, "req-1", evt.SpawnRequest.RequestID)
	assert.Equal(t, "taskrunner", evt.SpawnRequest.Impl)
	assert.Equal(t, map[string]any{"steps": float64(2)}, evt.SpawnRequest.Config)
	assert.False(t, evt.SentAt.IsZero())
}

func TestQueuesAreIsolatedPerAgent(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	a := NewPair(rdb, "taskrunner-a")
	b := NewPair(rdb, "taskrunner-b")

	require.NoError(t, a.Commands.Push(ctx, Command{Kind: CommandStop}))

	_, err := b.Commands.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	cmd, err := a.Commands.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, CommandStop, cmd.Kind)
}

func TestPopWaitTimesOutEmpty(t *testing.T) {
	rdb := testRedis(t)
	pair := NewPair(rdb, "monitor-1")

	start := time.Now()
	_, err := pair.Commands.PopWait(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPurgeDropsBothDirections(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	pair := NewPair(rdb, "taskrunner-1")

	require.NoError(t, pair.Commands.Push(ctx, Command{Kind: CommandStop}))
	require.NoError(t, pair.Events.Push(ctx, Event{Kind: EventStarted, AgentID: "taskrunner-1"}))

	require.NoError(t, Purge(ctx, rdb, "taskrunner-1"))

	_, err := pair.Commands.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = pair.Events.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}
