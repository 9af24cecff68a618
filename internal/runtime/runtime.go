package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/ipc"
	"github.com/hiveplane/hiveplane/internal/metrics"
	"github.com/hiveplane/hiveplane/internal/registry"
	"github.com/hiveplane/hiveplane/internal/scope"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/streaming"
	"github.com/hiveplane/hiveplane/internal/tracing"
	"github.com/hiveplane/hiveplane/internal/workdir"
)

// ErrUnknownAgent is returned when an id has no metadata record.
var ErrUnknownAgent = errors.New("unknown agent id")

// ErrHierarchyViolation is the sentinel wrapped by
// HierarchyViolationError; check with errors.Is.
var ErrHierarchyViolation = errors.New("hierarchy violation")

// HierarchyViolationError reports a spawn rejected by the role
// hierarchy before any resources were allocated.
type HierarchyViolationError struct {
	ParentID   string
	ParentRole string
	ChildRole  string
	Allowed    []string
}

func (e *HierarchyViolationError) Error() string {
	return fmt.Sprintf("role %q may not be spawned under %s (role %q allows children: [%s])",
		e.ChildRole, e.ParentID, e.ParentRole, strings.Join(e.Allowed, ", "))
}

func (e *HierarchyViolationError) Unwrap() error { return ErrHierarchyViolation }

// Config tunes the runtime.
type Config struct {
	// Project scopes every agent spawned without a parent.
	Project string
	// PollInterval paces the event-relay loop.
	PollInterval time.Duration
	// MaxPollInterval caps relay backoff while no worker is alive.
	MaxPollInterval time.Duration
	// StopGrace is how long a worker gets to exit voluntarily.
	StopGrace time.Duration
	// WorkdirBase roots the per-agent auxiliary directories.
	WorkdirBase string
	// SpawnRate and SpawnBurst limit proxied spawn requests per worker.
	SpawnRate  float64
	SpawnBurst int
}

func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = "default"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxPollInterval == 0 {
		c.MaxPollInterval = 5 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.WorkdirBase == "" {
		c.WorkdirBase = "./agents"
	}
	if c.SpawnRate == 0 {
		c.SpawnRate = 5
	}
	if c.SpawnBurst == 0 {
		c.SpawnBurst = 10
	}
}

// SpawnRequest carries the arguments of one spawn, whether it comes
// from a direct caller or is proxied on a worker's behalf. Config must
// hold plain serializable values only; it crosses a process boundary.
type SpawnRequest struct {
	Impl      string
	Goal      string
	ParentID  string
	Config    map[string]any
	AutoStart bool
	// Scope overrides; unset fields inherit from the parent.
	Session string
	Sweep   string
	Run     string
}

// Snapshot is the coarse system-health view.
type Snapshot struct {
	Agents      int              `json:"agents"`
	ByStatus    map[string]int   `json:"by_status"`
	LiveWorkers int              `json:"live_workers"`
	Entries     int64            `json:"entries"`
}

// Runtime owns the process table, the per-worker IPC queues, and the
// metadata cache. It is the only component that mutates them.
type Runtime struct {
	cfg      Config
	logger   *zap.Logger
	store    *store.Store
	rdb      redis.UniversalClient
	registry *registry.Registry
	streams  *streaming.Manager
	launcher Launcher

	mu       sync.RWMutex
	records  map[string]*store.AgentRecord
	queues   map[string]ipc.Pair
	procs    map[string]Handle
	locals   map[string]agent.Agent
	limiters map[string]*rate.Limiter

	relayRunning bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New constructs a runtime. The launcher decides how workers are
// started; pass NewExecLauncher for real worker processes.
func New(cfg Config, st *store.Store, rdb redis.UniversalClient, reg *registry.Registry, streams *streaming.Manager, launcher Launcher, logger *zap.Logger) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		rdb:      rdb,
		registry: reg,
		streams:  streams,
		launcher: launcher,
		records:  make(map[string]*store.AgentRecord),
		queues:   make(map[string]ipc.Pair),
		procs:    make(map[string]Handle),
		locals:   make(map[string]agent.Agent),
		limiters: make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
}

// Streams exposes the event fan-out manager for the API boundary.
func (r *Runtime) Streams() *streaming.Manager { return r.streams }

// Spawn validates the hierarchy, allocates an id, derives scope,
// persists the initial record, registers IPC queues, and (optionally)
// launches the worker. The returned record is a snapshot; callers
// interact with the agent only through runtime operations keyed by id.
func (r *Runtime) Spawn(ctx context.Context, req SpawnRequest) (*store.AgentRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "runtime.spawn")
	defer span.End()

	meta, err := r.registry.Meta(req.Impl)
	if err != nil {
		return nil, err
	}

	parentScope := scope.Scope{Project: r.cfg.Project}
	r.mu.RLock()
	parent := r.records[req.ParentID]
	r.mu.RUnlock()
	if req.ParentID != "" && parent != nil {
		if !roleAllowed(meta.Role, parent.AllowedChildRoles) {
			metrics.HierarchyViolations.WithLabelValues(parent.Role, meta.Role).Inc()
			return nil, &HierarchyViolationError{
				ParentID:   parent.ID,
				ParentRole: parent.Role,
				ChildRole:  meta.Role,
				Allowed:    parent.AllowedChildRoles,
			}
		}
		parentScope = parent.Scope
	}

	id := fmt.Sprintf("%s-%s", meta.Role, uuid.NewString()[:8])
	rec := &store.AgentRecord{
		ID:                id,
		Role:              meta.Role,
		Status:            store.StatusIdle,
		Goal:              req.Goal,
		Config:            req.Config,
		ParentID:          req.ParentID,
		Impl:              req.Impl,
		AllowedChildRoles: meta.AllowedChildRoles,
		Scope: scope.Derive(parentScope, meta.Role, scope.Overrides{
			Session: req.Session,
			Sweep:   req.Sweep,
			Run:     req.Run,
		}),
	}

	// The on-disk record is the record of truth; write it before the
	// worker exists so a crash at any later point leaves it queryable.
	if err := r.store.SaveAgent(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist record for %s: %w", id, err)
	}

	r.mu.Lock()
	r.records[id] = rec
	r.queues[id] = ipc.NewPair(r.rdb, id)
	r.limiters[id] = rate.NewLimiter(rate.Limit(r.cfg.SpawnRate), r.cfg.SpawnBurst)
	if parent != nil {
		parent.Children = append(parent.Children, id)
	}
	r.mu.Unlock()
	if parent != nil {
		if err := r.store.SaveAgent(ctx, parent); err != nil {
			r.logger.Warn("Failed to persist parent children update",
				zap.String("parent_id", parent.ID), zap.Error(err))
		}
	}

	metrics.AgentsSpawned.WithLabelValues(meta.Role, "supervisor").Inc()
	r.logger.Info("Agent spawned",
		zap.String("agent_id", id),
		zap.String("impl", req.Impl),
		zap.String("parent_id", req.ParentID),
	)

	if req.AutoStart {
		if err := r.startWorker(ctx, rec); err != nil {
			return nil, err
		}
	}
	return r.snapshotRecord(id)
}

func (r *Runtime) startWorker(ctx context.Context, rec *store.AgentRecord) error {
	h, err := r.launcher.Start(ctx, rec.Clone())
	if err != nil {
		return fmt.Errorf("launch worker for %s: %w", rec.ID, err)
	}
	r.mu.Lock()
	r.procs[rec.ID] = h
	rec.Status = store.StatusRunning
	r.mu.Unlock()
	if err := r.store.SaveAgent(ctx, rec); err != nil {
		r.logger.Warn("Failed to persist running status", zap.String("agent_id", rec.ID), zap.Error(err))
	}
	metrics.AgentsActive.Inc()
	r.streams.Publish(rec.ID, streaming.Event{Type: "status", Status: string(store.StatusRunning)})
	r.ensureRelay()
	return nil
}

// RegisterLocal wires an agent that runs cooperatively inside the
// supervisor's own process: same identity, scope, and metadata as a
// spawned worker, but lifecycle calls dispatch directly instead of
// through queued commands. Used for the single always-on coordinator
// per external session.
func (r *Runtime) RegisterLocal(ctx context.Context, ag agent.Agent, goal string, cfgMap map[string]any, sc scope.Scope) (string, error) {
	role := ag.Role()
	id := fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
	if sc.Project == "" {
		sc.Project = r.cfg.Project
	}
	sc.Role = role

	rec := &store.AgentRecord{
		ID:                id,
		Role:              role,
		Status:            store.StatusRunning,
		Goal:              goal,
		Config:            cfgMap,
		Impl:              "local/" + role,
		AllowedChildRoles: ag.AllowedChildRoles(),
		Scope:             sc,
	}
	if err := r.store.SaveAgent(ctx, rec); err != nil {
		return "", fmt.Errorf("persist record for %s: %w", id, err)
	}

	dir, err := workdir.Ensure(r.cfg.WorkdirBase, sc, id)
	if err != nil {
		return "", err
	}
	ag.Init(agent.RunContext{
		ID:      id,
		Goal:    goal,
		Config:  cfgMap,
		Scope:   sc,
		Records: store.NewScoped(r.store, id, sc),
		Workdir: dir,
		Logger:  r.logger.With(zap.String("agent_id", id)),
		Spawn: func(ctx context.Context, impl, goal string, config map[string]any) (string, error) {
			child, err := r.Spawn(ctx, SpawnRequest{
				Impl: impl, Goal: goal, ParentID: id, Config: config, AutoStart: true,
			})
			if err != nil {
				return "", err
			}
			return child.ID, nil
		},
	})

	r.mu.Lock()
	r.records[id] = rec
	r.locals[id] = ag
	r.mu.Unlock()

	metrics.AgentsSpawned.WithLabelValues(role, "local").Inc()
	metrics.AgentsActive.Inc()

	r.wg.Add(1)
	go r.driveLocal(id, ag)
	return id, nil
}

// driveLocal runs a local agent's lifecycle in-process, mirroring what
// the worker bootstrap does for a remote one.
func (r *Runtime) driveLocal(id string, ag agent.Agent) {
	defer r.wg.Done()
	defer ag.MarkDone()
	ctx := context.Background()

	ag.SetStatus(store.StatusRunning)
	runErr := ag.OnStart(ctx)
	if runErr == nil {
		runErr = ag.Run(ctx)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ag.OnStop(stopCtx); err != nil {
		r.logger.Warn("Local agent cleanup failed", zap.String("agent_id", id), zap.Error(err))
	}
	cancel()

	status := store.StatusDone
	if runErr != nil && !errors.Is(runErr, agent.ErrStopRequested) {
		status = store.StatusFailed
		r.logger.Error("Local agent failed", zap.String("agent_id", id), zap.Error(runErr))
	}
	r.forceStatus(ctx, id, status)
}

// Remove stops the agent if needed, then deletes its metadata record
// and queues. Store entries written by the agent remain queryable.
func (r *Runtime) Remove(ctx context.Context, id string) bool {
	r.mu.RLock()
	rec := r.records[id]
	r.mu.RUnlock()
	if rec == nil {
		return false
	}
	if !rec.Status.Terminal() {
		r.Stop(ctx, id)
	}
	r.forget(ctx, id)
	return true
}

// forget removes all runtime state and the durable record for one id
// and detaches it from its parent's children list.
func (r *Runtime) forget(ctx context.Context, id string) {
	r.mu.Lock()
	rec := r.records[id]
	delete(r.records, id)
	delete(r.queues, id)
	delete(r.procs, id)
	delete(r.locals, id)
	delete(r.limiters, id)
	var parent *store.AgentRecord
	if rec != nil && rec.ParentID != "" {
		if p := r.records[rec.ParentID]; p != nil {
			p.Children = removeString(p.Children, id)
			parent = p
		}
	}
	r.mu.Unlock()

	if parent != nil {
		if err := r.store.SaveAgent(ctx, parent); err != nil {
			r.logger.Warn("Failed to persist parent detach", zap.String("parent_id", parent.ID), zap.Error(err))
		}
	}
	if err := r.store.DeleteAgent(ctx, id); err != nil {
		r.logger.Warn("Failed to delete agent record", zap.String("agent_id", id), zap.Error(err))
	}
	if err := ipc.Purge(ctx, r.rdb, id); err != nil {
		r.logger.Warn("Failed to purge queues", zap.String("agent_id", id), zap.Error(err))
	}
	r.streams.Forget(id)
}

// GetAgent returns a snapshot of one record. For a live local agent,
// status and iteration are read from the agent object; for a remote
// one the on-disk record (owned by the worker while alive) refreshes
// the cache first.
func (r *Runtime) GetAgent(ctx context.Context, id string) (*store.AgentRecord, error) {
	r.refreshFromDisk(ctx, id)
	return r.snapshotRecord(id)
}

// ListAgents returns snapshots of every known record.
func (r *Runtime) ListAgents() []*store.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*store.AgentRecord, 0, len(r.records))
	for id := range r.records {
		out = append(out, r.snapshotLocked(id))
	}
	return out
}

// ListActive returns snapshots of agents that are running or paused.
func (r *Runtime) ListActive() []*store.AgentRecord {
	all := r.ListAgents()
	out := all[:0]
	for _, rec := range all {
		if rec.Status == store.StatusRunning || rec.Status == store.StatusPaused {
			out = append(out, rec)
		}
	}
	return out
}

// AgentTree returns the parent-to-children map. Children whose records
// no longer exist are pruned lazily here.
func (r *Runtime) AgentTree() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree := make(map[string][]string, len(r.records))
	for id, rec := range r.records {
		rec.Children = r.pruneChildrenLocked(rec)
		tree[id] = append([]string(nil), rec.Children...)
	}
	return tree
}

// Status returns the coarse health snapshot.
func (r *Runtime) Status(ctx context.Context) (*Snapshot, error) {
	entries, err := r.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := &Snapshot{
		Agents:   len(r.records),
		ByStatus: make(map[string]int),
		Entries:  entries,
	}
	for id, rec := range r.records {
		status := rec.Status
		if ag, ok := r.locals[id]; ok {
			status = ag.Status()
		}
		snap.ByStatus[string(status)]++
	}
	for _, h := range r.procs {
		if h.Alive() {
			snap.LiveWorkers++
		}
	}
	return snap, nil
}

// Close stops the relay loop and waits for local agents to settle. It
// does not stop running workers; they outlive a supervisor restart and
// are re-adopted through their on-disk records.
func (r *Runtime) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runtime) snapshotRecord(id string) (*store.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.snapshotLocked(id)
	if rec == nil {
		return nil, ErrUnknownAgent
	}
	return rec, nil
}

// snapshotLocked clones a record, overlaying live status and iteration
// for local agents, whose own memory is always current.
func (r *Runtime) snapshotLocked(id string) *store.AgentRecord {
	rec := r.records[id]
	if rec == nil {
		return nil
	}
	cp := rec.Clone()
	if ag, ok := r.locals[id]; ok {
		if !cp.Status.Terminal() {
			cp.Status = ag.Status()
		}
		cp.Iteration = ag.Iteration()
	}
	return cp
}

// refreshFromDisk merges the worker-owned on-disk record into the
// cache for remote, non-terminal agents.
func (r *Runtime) refreshFromDisk(ctx context.Context, id string) {
	r.mu.RLock()
	rec := r.records[id]
	_, isLocal := r.locals[id]
	r.mu.RUnlock()
	if rec == nil || isLocal || rec.Status.Terminal() {
		return
	}
	disk, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return
	}
	r.mu.Lock()
	if cur := r.records[id]; cur != nil && !cur.Status.Terminal() {
		cur.Status = disk.Status
		cur.Iteration = disk.Iteration
	}
	r.mu.Unlock()
}

// pruneChildrenLocked drops child ids that no longer resolve.
func (r *Runtime) pruneChildrenLocked(rec *store.AgentRecord) []string {
	kept := rec.Children[:0]
	for _, c := range rec.Children {
		if _, ok := r.records[c]; ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func roleAllowed(role string, allowed []string) bool {
	for _, a := range allowed {
		if a == role {
			return true
		}
	}
	return false
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
