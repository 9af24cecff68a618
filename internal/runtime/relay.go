package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/ipc"
	"github.com/hiveplane/hiveplane/internal/metrics"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/streaming"
)

// ensureRelay starts the event-relay loop if it is not already
// running. The loop is the single reader of every worker's event
// queue and the sole source of truth for silent crashes.
func (r *Runtime) ensureRelay() {
	r.mu.Lock()
	if r.relayRunning {
		r.mu.Unlock()
		return
	}
	r.relayRunning = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.relayLoop()
}

func (r *Runtime) relayLoop() {
	defer r.wg.Done()
	ctx := context.Background()
	interval := r.cfg.PollInterval

	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(interval):
		}
		metrics.RelayTicks.Inc()

		sawEvent := r.drainEvents(ctx)
		live := r.sweepLiveness(ctx)

		// Back off while nothing is alive, but never stop polling:
		// a silent crash is only ever observed here.
		if sawEvent || live > 0 {
			interval = r.cfg.PollInterval
		} else if interval < r.cfg.MaxPollInterval {
			interval *= 2
			if interval > r.cfg.MaxPollInterval {
				interval = r.cfg.MaxPollInterval
			}
		}
	}
}

// drainEvents empties every worker's event queue. Events from one
// worker arrive in emission order; no ordering holds across workers.
func (r *Runtime) drainEvents(ctx context.Context) bool {
	r.mu.RLock()
	pairs := make(map[string]ipc.Pair, len(r.queues))
	for id, p := range r.queues {
		pairs[id] = p
	}
	r.mu.RUnlock()

	saw := false
	for id, pair := range pairs {
		for {
			evt, err := pair.Events.Pop(ctx)
			if errors.Is(err, ipc.ErrEmpty) {
				break
			}
			if err != nil {
				r.logger.Warn("Failed to read event queue", zap.String("agent_id", id), zap.Error(err))
				break
			}
			saw = true
			r.handleEvent(ctx, evt)
		}
	}
	return saw
}

// handleEvent applies one worker event. Per-worker misbehavior is
// isolated here; a panic is logged and never fatal to the loop.
func (r *Runtime) handleEvent(ctx context.Context, evt *ipc.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic handling worker event",
				zap.String("agent_id", evt.AgentID),
				zap.String("kind", string(evt.Kind)),
				zap.Any("panic", rec),
			)
		}
	}()
	metrics.RelayEvents.WithLabelValues(string(evt.Kind)).Inc()

	switch evt.Kind {
	case ipc.EventStarted:
		r.updateCached(evt.AgentID, store.StatusRunning, evt.Iteration)
		r.streams.Publish(evt.AgentID, streaming.Event{Type: "started"})

	case ipc.EventDone:
		r.updateCached(evt.AgentID, store.StatusDone, evt.Iteration)
		r.streams.Publish(evt.AgentID, streaming.Event{
			Type: "done", Status: string(store.StatusDone), Message: evt.Result,
		})

	case ipc.EventFailed:
		r.updateCached(evt.AgentID, store.StatusFailed, evt.Iteration)
		r.streams.Publish(evt.AgentID, streaming.Event{
			Type: "failed", Status: string(store.StatusFailed), Message: evt.Error,
		})

	case ipc.EventStopRequest:
		// A worker asking to wind down its own subtree; the cascade
		// can wait on grace periods, so it runs off the relay loop.
		go r.Stop(ctx, evt.AgentID)

	case ipc.EventSpawnRequest:
		r.handleSpawnRequest(ctx, evt)

	default:
		r.logger.Warn("Unknown event kind", zap.String("kind", string(evt.Kind)))
	}
}

// handleSpawnRequest satisfies a proxied spawn exactly like a direct
// call, permission check included, and answers on the requester's own
// command queue. This round-trip is the only way a remote agent learns
// its new child's id.
func (r *Runtime) handleSpawnRequest(ctx context.Context, evt *ipc.Event) {
	req := evt.SpawnRequest
	if req == nil {
		r.logger.Warn("Spawn request event without payload", zap.String("agent_id", evt.AgentID))
		return
	}

	respond := func(childID string, spawnErr error) {
		r.mu.RLock()
		pair, ok := r.queues[evt.AgentID]
		r.mu.RUnlock()
		if !ok {
			return
		}
		resp := ipc.SpawnResponse{RequestID: req.RequestID, ChildID: childID}
		if spawnErr != nil {
			resp.Error = spawnErr.Error()
		}
		if err := pair.Commands.Push(ctx, ipc.Command{Kind: ipc.CommandSpawnResponse, SpawnResponse: &resp}); err != nil {
			r.logger.Warn("Failed to answer spawn request",
				zap.String("agent_id", evt.AgentID), zap.Error(err))
		}
	}

	r.mu.RLock()
	limiter := r.limiters[evt.AgentID]
	r.mu.RUnlock()
	if limiter != nil && !limiter.Allow() {
		metrics.SpawnProxyRejected.WithLabelValues("rate_limited").Inc()
		respond("", fmt.Errorf("spawn rate limit exceeded for %s", evt.AgentID))
		return
	}

	child, err := r.Spawn(ctx, SpawnRequest{
		Impl:      req.Impl,
		Goal:      req.Goal,
		ParentID:  evt.AgentID,
		Config:    req.Config,
		AutoStart: true,
	})
	if err != nil {
		// Reported back as a string rather than crashing the relay;
		// the requester sees the failure, the supervisor stays up.
		metrics.SpawnProxyRejected.WithLabelValues("spawn_failed").Inc()
		respond("", err)
		return
	}
	respond(child.ID, nil)
}

// updateCached applies a worker-reported status to the cache and, for
// terminal statuses, mirrors it to the durable record.
func (r *Runtime) updateCached(id string, status store.Status, iteration int) {
	r.mu.Lock()
	rec := r.records[id]
	if rec == nil || rec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	if iteration > rec.Iteration {
		rec.Iteration = iteration
	}
	wasActive := rec.Status == store.StatusRunning || rec.Status == store.StatusPaused
	rec.Status = status
	cp := rec.Clone()
	if status.Terminal() {
		delete(r.procs, id)
	}
	r.mu.Unlock()

	if status.Terminal() {
		metrics.RecordTerminal(cp.Role, string(status))
		if wasActive {
			metrics.AgentsActive.Dec()
		}
		if err := r.store.SaveAgent(context.Background(), cp); err != nil {
			r.logger.Warn("Failed to persist terminal status", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// sweepLiveness checks every tracked worker process directly. A worker
// that is gone without having reported done or failed is declared
// failed; this is the only detector for silent crashes.
func (r *Runtime) sweepLiveness(ctx context.Context) int {
	r.mu.RLock()
	handles := make(map[string]Handle, len(r.procs))
	for id, h := range r.procs {
		handles[id] = h
	}
	r.mu.RUnlock()

	live := 0
	for id, h := range handles {
		if h.Alive() {
			live++
			continue
		}
		r.mu.RLock()
		rec := r.records[id]
		r.mu.RUnlock()
		if rec == nil || rec.Status.Terminal() {
			r.mu.Lock()
			delete(r.procs, id)
			r.mu.Unlock()
			continue
		}

		r.logger.Warn("Worker exited without terminal event, marking failed",
			zap.String("agent_id", id))
		metrics.AgentsCrashed.Inc()
		r.mu.Lock()
		delete(r.procs, id)
		r.mu.Unlock()
		r.forceStatus(ctx, id, store.StatusFailed)
	}
	return live
}
