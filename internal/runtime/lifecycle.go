package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/ipc"
	"github.com/hiveplane/hiveplane/internal/metrics"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/streaming"
	"github.com/hiveplane/hiveplane/internal/tracing"
)

// Stop cascades a graceful stop through the agent and all of its
// descendants, leaf to root, so every child's terminal write lands
// before its parent's. Returns false for an unknown id.
func (r *Runtime) Stop(ctx context.Context, id string) bool {
	ctx, span := tracing.StartAgentSpan(ctx, "runtime.stop", id)
	defer span.End()

	order := r.descendants(id)
	if order == nil {
		return false
	}
	metrics.CascadeOps.WithLabelValues("stop").Inc()
	for i := len(order) - 1; i >= 0; i-- {
		r.stopOne(ctx, order[i])
	}
	return true
}

// Pause cascades a pause. Order across the tree does not matter; each
// agent freezes at its own next checkpoint.
func (r *Runtime) Pause(ctx context.Context, id string) bool {
	return r.cascadeCommand(ctx, id, "pause")
}

// Resume cascades a resume.
func (r *Runtime) Resume(ctx context.Context, id string) bool {
	return r.cascadeCommand(ctx, id, "resume")
}

func (r *Runtime) cascadeCommand(ctx context.Context, id, op string) bool {
	order := r.descendants(id)
	if order == nil {
		return false
	}
	metrics.CascadeOps.WithLabelValues(op).Inc()

	target := store.StatusPaused
	kind := ipc.CommandPause
	if op == "resume" {
		target = store.StatusRunning
		kind = ipc.CommandResume
	}

	for _, aid := range order {
		r.mu.RLock()
		rec := r.records[aid]
		ag, isLocal := r.locals[aid]
		pair, hasPair := r.queues[aid]
		r.mu.RUnlock()
		if rec == nil || rec.Status.Terminal() {
			continue
		}
		if isLocal {
			if op == "pause" {
				ag.Pause()
			} else {
				ag.Resume()
			}
		} else if hasPair {
			if err := pair.Commands.Push(ctx, ipc.Command{Kind: kind}); err != nil {
				r.logger.Warn("Failed to send command",
					zap.String("agent_id", aid), zap.String("command", op), zap.Error(err))
			}
		}
		// Forced so a raced worker write cannot leave the cache stale.
		r.forceStatus(ctx, aid, target)
	}
	return true
}

// stopOne stops a single agent: a local one by direct call, a remote
// one by command plus a bounded wait for voluntary exit, then a kill.
func (r *Runtime) stopOne(ctx context.Context, id string) {
	r.mu.RLock()
	rec := r.records[id]
	ag, isLocal := r.locals[id]
	pair, hasPair := r.queues[id]
	h, hasProc := r.procs[id]
	r.mu.RUnlock()
	if rec == nil || rec.Status.Terminal() {
		return
	}

	if isLocal {
		ag.Resume() // a paused agent cannot observe the stop otherwise
		ag.RequestStop()
		select {
		case <-ag.Done():
		case <-time.After(r.cfg.StopGrace):
			r.logger.Warn("Local agent ignored stop within grace period", zap.String("agent_id", id))
		}
	} else {
		if hasPair {
			if err := pair.Commands.Push(ctx, ipc.Command{Kind: ipc.CommandStop}); err != nil {
				r.logger.Warn("Failed to send stop", zap.String("agent_id", id), zap.Error(err))
			}
		}
		if hasProc && !h.Wait(r.cfg.StopGrace) {
			r.logger.Warn("Worker did not exit within grace period, killing",
				zap.String("agent_id", id))
			if err := h.Kill(); err != nil {
				r.logger.Error("Failed to kill worker", zap.String("agent_id", id), zap.Error(err))
			}
		}
	}

	// The worker may have written failed on its way out; keep that,
	// otherwise the stop resolves to done.
	final := store.StatusDone
	if disk, err := r.store.GetAgent(ctx, id); err == nil && disk.Status == store.StatusFailed {
		final = store.StatusFailed
	}
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
	r.forceStatus(ctx, id, final)
}

// descendants returns the subtree rooted at id in BFS order (root
// first), lazily pruning children whose records are gone. Nil when the
// root is unknown.
func (r *Runtime) descendants(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return nil
	}
	order := []string{id}
	for i := 0; i < len(order); i++ {
		rec := r.records[order[i]]
		if rec == nil {
			continue
		}
		rec.Children = r.pruneChildrenLocked(rec)
		order = append(order, rec.Children...)
	}
	return order
}

// forceStatus writes a status into both the cache and the durable
// record. Terminal statuses stick; forcing a terminal record to a
// non-terminal status is a no-op.
func (r *Runtime) forceStatus(ctx context.Context, id string, status store.Status) {
	r.mu.Lock()
	rec := r.records[id]
	if rec == nil {
		r.mu.Unlock()
		return
	}
	if rec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	wasActive := rec.Status == store.StatusRunning || rec.Status == store.StatusPaused
	rec.Status = status
	cp := rec.Clone()
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, cp); err != nil {
		r.logger.Warn("Failed to persist status",
			zap.String("agent_id", id), zap.String("status", string(status)), zap.Error(err))
	}
	if status.Terminal() {
		metrics.RecordTerminal(cp.Role, string(status))
		if wasActive {
			metrics.AgentsActive.Dec()
		}
	}
	r.streams.Publish(id, streaming.Event{Type: "status", Status: string(status)})
}
