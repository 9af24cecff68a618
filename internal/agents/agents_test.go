package agents

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/registry"
	"github.com/hiveplane/hiveplane/internal/runtime"
	"github.com/hiveplane/hiveplane/internal/scope"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/streaming"
)

type rig struct {
	rt    *runtime.Runtime
	store *store.Store
}

func newRig(t *testing.T) *rig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zaptest.NewLogger(t)
	st, err := store.Open(store.Config{DSN: filepath.Join(t.TempDir(), "agents.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	RegisterBuiltins(reg)

	workdir := t.TempDir()
	// Worker goroutines can outlive the test body; they get a nop
	// logger so late writes cannot hit the test logger.
	launcher := &runtime.InProcLauncher{
		Registry:           reg,
		Store:              st,
		Redis:              rdb,
		WorkdirBase:        workdir,
		Logger:             zap.NewNop(),
		HeartbeatInterval:  20 * time.Millisecond,
		CommandPollTimeout: 10 * time.Millisecond,
	}
	rt := runtime.New(runtime.Config{
		Project:         "testproj",
		PollInterval:    20 * time.Millisecond,
		MaxPollInterval: 50 * time.Millisecond,
		StopGrace:       2 * time.Second,
		WorkdirBase:     workdir,
	}, st, rdb, reg, streaming.NewManager(64), launcher, logger)
	t.Cleanup(rt.Close)
	return &rig{rt: rt, store: st}
}

func (r *rig) waitDone(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := r.rt.GetAgent(context.Background(), id)
		return err == nil && rec.Status == store.StatusDone
	}, 10*time.Second, 20*time.Millisecond, "agent %s never finished", id)
}

func (r *rig) entries(t *testing.T, f store.Filter) []*store.Entry {
	t.Helper()
	out, err := r.store.Query(context.Background(), f)
	require.NoError(t, err)
	return out
}

func TestOrchestratorPlanExecuteReflect(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	orch, err := r.rt.Spawn(ctx, runtime.SpawnRequest{
		Impl:      ImplOrchestrator,
		Goal:      "index the corpus",
		Session:   "sess1",
		AutoStart: true,
		Config: map[string]any{
			"subtasks": []any{"shard a", "shard b", "shard c"},
		},
	})
	require.NoError(t, err)
	r.waitDone(t, orch.ID)

	plans := r.entries(t, store.Filter{AgentID: orch.ID, Type: store.EntryPlan})
	require.Len(t, plans, 1)

	reflections := r.entries(t, store.Filter{AgentID: orch.ID, Type: store.EntryReflection})
	require.Len(t, reflections, 3)
	for _, e := range reflections {
		assert.Equal(t, "done", e.Payload["status"])
	}

	complete := r.entries(t, store.Filter{AgentID: orch.ID, Type: store.EntryContext, Tags: []string{"complete"}})
	require.Len(t, complete, 1)
	assert.EqualValues(t, 3, complete[0].Payload["total"])
	assert.EqualValues(t, 0, complete[0].Payload["failed"])

	// One Result per taskrunner child, all in the orchestrator's session.
	results := r.entries(t, store.Filter{Session: "sess1", Type: store.EntryResult})
	assert.Len(t, results, 3)
}

func TestOrchestratorParallelFanOut(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	orch, err := r.rt.Spawn(ctx, runtime.SpawnRequest{
		Impl:      ImplOrchestrator,
		Goal:      "fan out",
		Session:   "sess2",
		AutoStart: true,
		Config: map[string]any{
			"subtasks": []any{"p1", "p2", "p3"},
			"mode":     "parallel",
		},
	})
	require.NoError(t, err)
	r.waitDone(t, orch.ID)

	// All three children ran and were gathered.
	results := r.entries(t, store.Filter{Session: "sess2", Type: store.EntryResult})
	assert.Len(t, results, 3)
	reflections := r.entries(t, store.Filter{AgentID: orch.ID, Type: store.EntryReflection})
	assert.Len(t, reflections, 3)
}

func TestOrchestratorDefaultSubtaskIsGoal(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	orch, err := r.rt.Spawn(ctx, runtime.SpawnRequest{
		Impl:      ImplOrchestrator,
		Goal:      "solo",
		AutoStart: true,
	})
	require.NoError(t, err)
	r.waitDone(t, orch.ID)

	// Default subtasks is the goal itself.
	plans := r.entries(t, store.Filter{AgentID: orch.ID, Type: store.EntryPlan})
	require.Len(t, plans, 1)
	reflections := r.entries(t, store.Filter{AgentID: orch.ID, Type: store.EntryReflection})
	require.Len(t, reflections, 1)
	assert.Equal(t, "solo", reflections[0].Payload["subtask"])
}

func TestTaskrunnerFailureStatus(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	task, err := r.rt.Spawn(ctx, runtime.SpawnRequest{
		Impl:      ImplTaskrunner,
		Goal:      "doomed",
		AutoStart: true,
		Config:    map[string]any{"fail": "disk full"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := r.rt.GetAgent(ctx, task.ID)
		return err == nil && rec.Status == store.StatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	// No result entry on failure.
	assert.Empty(t, r.entries(t, store.Filter{AgentID: task.ID, Type: store.EntryResult}))
}

func TestMonitorAlertsOnFailedSibling(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	task, err := r.rt.Spawn(ctx, runtime.SpawnRequest{
		Impl:      ImplTaskrunner,
		Goal:      "doomed",
		AutoStart: true,
		Config:    map[string]any{"fail": "segment corrupt"},
	})
	require.NoError(t, err)

	mon, err := r.rt.Spawn(ctx, runtime.SpawnRequest{
		Impl:      ImplMonitor,
		Goal:      "watch " + task.ID,
		AutoStart: true,
		Config: map[string]any{
			"watch":       []any{task.ID},
			"interval_ms": float64(20),
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		alerts := r.entries(t, store.Filter{AgentID: mon.ID, Type: store.EntryAlert})
		return len(alerts) == 1
	}, 10*time.Second, 20*time.Millisecond, "alert never written")

	alerts := r.entries(t, store.Filter{AgentID: mon.ID, Type: store.EntryAlert, Tags: []string{"failure"}})
	require.Len(t, alerts, 1)
	assert.Equal(t, task.ID, alerts[0].Payload["agent_id"])

	// The alert is deduplicated, and the monitor stops cleanly.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, r.entries(t, store.Filter{AgentID: mon.ID, Type: store.EntryAlert}), 1)
	require.True(t, r.rt.Stop(ctx, mon.ID))
	r.waitDone(t, mon.ID)
}

func TestCoordinatorSession(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	c := &coordinator{}
	c.Base = agent.NewBase()
	id, err := r.rt.RegisterLocal(ctx, c, "summarize the sweep", map[string]any{
		"subtasks": []any{"s1", "s2"},
	}, scope.Scope{Session: "sess3"})
	require.NoError(t, err)
	r.waitDone(t, id)

	session := r.entries(t, store.Filter{AgentID: id, Type: store.EntryContext, Tags: []string{"session"}})
	require.Len(t, session, 1)
	assert.Equal(t, "done", session[0].Payload["status"])

	// The orchestrator and both taskrunners all ran in the session.
	results := r.entries(t, store.Filter{Session: "sess3", Type: store.EntryResult})
	assert.Len(t, results, 2)
}
