package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/ipc"
	"github.com/hiveplane/hiveplane/internal/registry"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/workdir"
)

// EnvAgentID is the environment variable carrying the hosted agent's
// id into a worker process.
const EnvAgentID = "HIVEPLANE_AGENT_ID"

// Deps is everything the bootstrap needs to host one agent. The
// supervisor and the worker binary resolve implementations through
// the same registry package, so the identifier in the record means
// the same thing on both sides of the process boundary.
type Deps struct {
	AgentID     string
	Registry    *registry.Registry
	Store       *store.Store
	Redis       redis.UniversalClient
	WorkdirBase string
	Logger      *zap.Logger

	// HeartbeatInterval paces the worker's authoritative record
	// upserts while alive. Zero selects a default.
	HeartbeatInterval time.Duration
	// CommandPollTimeout bounds each blocking read of the command
	// queue. Zero selects a default.
	CommandPollTimeout time.Duration
}

// Run drives one agent's full lifecycle inside the current process:
// resolve the implementation, wire identity and capabilities, emit
// started, run the hooks, drain commands concurrently, and report a
// terminal status before returning. A lifecycle error is converted to
// a failed status; OnStop still runs.
func Run(ctx context.Context, d Deps) error {
	if d.HeartbeatInterval == 0 {
		d.HeartbeatInterval = 2 * time.Second
	}
	if d.CommandPollTimeout == 0 {
		d.CommandPollTimeout = 250 * time.Millisecond
	}
	logger := d.Logger.With(zap.String("agent_id", d.AgentID))

	rec, err := d.Store.GetAgent(ctx, d.AgentID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	ag, err := d.Registry.Resolve(rec.Impl)
	if err != nil {
		return fmt.Errorf("resolve implementation: %w", err)
	}

	pair := ipc.NewPair(d.Redis, d.AgentID)
	waiters := newSpawnWaiters()

	dir, err := workdir.Ensure(d.WorkdirBase, rec.Scope, rec.ID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ag.Init(agent.RunContext{
		ID:      rec.ID,
		Goal:    rec.Goal,
		Config:  rec.Config,
		Scope:   rec.Scope,
		Records: store.NewScoped(d.Store, rec.ID, rec.Scope),
		Workdir: dir,
		Logger:  logger,
		Spawn: func(ctx context.Context, impl, goal string, config map[string]any) (string, error) {
			return spawnViaProxy(ctx, pair, waiters, rec.ID, impl, goal, config)
		},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainCommands(runCtx, d, pair, ag, waiters, logger)
	}()
	go func() {
		defer wg.Done()
		heartbeat(runCtx, d, rec.Clone(), ag)
	}()
	if mon, ok := ag.(agent.Monitored); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			driveMonitor(runCtx, mon, logger)
		}()
	}

	ag.SetStatus(store.StatusRunning)
	rec.Status = store.StatusRunning
	if err := d.Store.SaveAgent(ctx, rec); err != nil {
		logger.Warn("Failed to persist running status", zap.Error(err))
	}
	if err := pair.Events.Push(ctx, ipc.Event{Kind: ipc.EventStarted, AgentID: rec.ID}); err != nil {
		logger.Warn("Failed to emit started event", zap.Error(err))
	}
	logger.Info("Agent lifecycle starting", zap.String("impl", rec.Impl))

	runErr := ag.OnStart(runCtx)
	if runErr == nil {
		runErr = ag.Run(runCtx)
	}
	cancel()
	wg.Wait()

	// Cleanup is best-effort and always runs, failure included.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ag.OnStop(stopCtx); err != nil {
		logger.Warn("Agent cleanup failed", zap.Error(err))
	}
	stopCancel()

	graceful := runErr == nil || errors.Is(runErr, agent.ErrStopRequested)
	final := store.StatusDone
	if !graceful {
		final = store.StatusFailed
		logger.Error("Agent run failed", zap.Error(runErr))
	}
	ag.SetStatus(final)
	ag.MarkDone()

	// Final authoritative record write lands before the terminal
	// event so the relay never observes an event ahead of the record.
	rec.Status = final
	rec.Iteration = ag.Iteration()
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finalCancel()
	if err := d.Store.SaveAgent(finalCtx, rec); err != nil {
		logger.Error("Failed to persist terminal record", zap.Error(err))
	}

	evt := ipc.Event{Kind: ipc.EventDone, AgentID: rec.ID, Iteration: rec.Iteration}
	if !graceful {
		evt = ipc.Event{Kind: ipc.EventFailed, AgentID: rec.ID, Iteration: rec.Iteration, Error: runErr.Error()}
	}
	if err := pair.Events.Push(finalCtx, evt); err != nil {
		logger.Warn("Failed to emit terminal event", zap.Error(err))
	}

	logger.Info("Agent lifecycle finished", zap.String("status", string(final)))
	if !graceful {
		return runErr
	}
	return nil
}

// drainCommands translates queued commands into agent-contract calls
// until the run context ends.
func drainCommands(ctx context.Context, d Deps, pair ipc.Pair, ag agent.Agent, waiters *spawnWaiters, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cmd, err := pair.Commands.PopWait(ctx, d.CommandPollTimeout)
		if errors.Is(err, ipc.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to read command queue", zap.Error(err))
			continue
		}

		switch cmd.Kind {
		case ipc.CommandStop:
			// Release a paused agent so its checkpoint can observe the
			// stop request.
			ag.Resume()
			ag.RequestStop()
		case ipc.CommandPause:
			ag.Pause()
		case ipc.CommandResume:
			ag.Resume()
		case ipc.CommandSteer:
			if cmd.Steer != nil {
				ag.InjectSteer(cmd.Steer.Context)
			}
		case ipc.CommandSpawnResponse:
			if cmd.SpawnResponse != nil {
				waiters.deliver(*cmd.SpawnResponse)
			}
		default:
			logger.Warn("Unknown command kind", zap.String("kind", string(cmd.Kind)))
		}
	}
}

// heartbeat periodically upserts the record the worker owns while its
// process is alive: current status and iteration.
func heartbeat(ctx context.Context, d Deps, rec *store.AgentRecord, ag agent.Agent) {
	ticker := time.NewTicker(d.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec.Status = ag.Status()
			rec.Iteration = ag.Iteration()
			d.Store.QueueSaveAgent(rec, nil)
		}
	}
}

// driveMonitor invokes the optional watchdog hook on the agent's own
// cadence.
func driveMonitor(ctx context.Context, mon agent.Monitored, logger *zap.Logger) {
	interval := mon.MonitorInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mon.Monitor(ctx); err != nil {
				logger.Warn("Monitor hook failed", zap.Error(err))
			}
		}
	}
}

// spawnViaProxy emits a spawn request on the event channel and blocks
// the calling agent until the matching response arrives on the command
// channel. The runtime applies the authoritative permission check; any
// timeout is the caller's to impose through ctx.
func spawnViaProxy(ctx context.Context, pair ipc.Pair, waiters *spawnWaiters, agentID, impl, goal string, config map[string]any) (string, error) {
	reqID := uuid.NewString()
	ch := waiters.register(reqID)
	defer waiters.drop(reqID)

	err := pair.Events.Push(ctx, ipc.Event{
		Kind:    ipc.EventSpawnRequest,
		AgentID: agentID,
		SpawnRequest: &ipc.SpawnRequest{
			RequestID: reqID,
			Impl:      impl,
			Goal:      goal,
			Config:    config,
		},
	})
	if err != nil {
		return "", fmt.Errorf("emit spawn request: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case resp := <-ch:
		if resp.Error != "" {
			return "", fmt.Errorf("spawn %s: %s", impl, resp.Error)
		}
		return resp.ChildID, nil
	}
}

// spawnWaiters routes spawn responses to the blocked SpawnChild call
// that issued the matching request.
type spawnWaiters struct {
	mu sync.Mutex
	m  map[string]chan ipc.SpawnResponse
}

func newSpawnWaiters() *spawnWaiters {
	return &spawnWaiters{m: make(map[string]chan ipc.SpawnResponse)}
}

func (w *spawnWaiters) register(reqID string) chan ipc.SpawnResponse {
	ch := make(chan ipc.SpawnResponse, 1)
	w.mu.Lock()
	w.m[reqID] = ch
	w.mu.Unlock()
	return ch
}

func (w *spawnWaiters) drop(reqID string) {
	w.mu.Lock()
	delete(w.m, reqID)
	w.mu.Unlock()
}

func (w *spawnWaiters) deliver(resp ipc.SpawnResponse) {
	w.mu.Lock()
	ch, ok := w.m[resp.RequestID]
	w.mu.Unlock()
	if ok {
		ch <- resp
	}
}
