package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/ipc"
	"github.com/hiveplane/hiveplane/internal/metrics"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/tracing"
)

// Steer delivers an out-of-band directive to one agent. Returns false
// when the target is unavailable (unknown, terminal, or dead); that is
// a condition for the caller to check, not an error.
//
// Priority urgency injects the directive into the live agent's pending
// steer slot for consumption at its next checkpoint; the agent keeps
// its id. Critical urgency is destructive: the target subtree is
// stopped and discarded, and a fresh agent of the same type is spawned
// under the same parent with the directive folded into the goal. After
// a critical steer the old id resolves to not-found; the new id is
// only discoverable through the parent's children or the active list.
func (r *Runtime) Steer(ctx context.Context, id, directive string, urgency ipc.Urgency) bool {
	ctx, span := tracing.StartAgentSpan(ctx, "runtime.steer", id)
	defer span.End()

	delivered := r.steer(ctx, id, directive, urgency)
	metrics.RecordSteer(string(urgency), delivered)
	return delivered
}

func (r *Runtime) steer(ctx context.Context, id, directive string, urgency ipc.Urgency) bool {
	r.mu.RLock()
	rec := r.records[id]
	ag, isLocal := r.locals[id]
	pair, hasPair := r.queues[id]
	h, hasProc := r.procs[id]
	r.mu.RUnlock()

	if rec == nil || rec.Status.Terminal() {
		return false
	}
	if isLocal {
		if ag.Status().Terminal() {
			return false
		}
	} else {
		// A worker that never started or already exited cannot consume
		// a steer; neither can one whose own on-disk write already says
		// terminal.
		if !hasProc || !h.Alive() {
			return false
		}
		if disk, err := r.store.GetAgent(ctx, id); err == nil && disk.Status.Terminal() {
			return false
		}
	}

	switch urgency {
	case ipc.UrgencyPriority:
		if isLocal {
			ag.InjectSteer(directive)
			return true
		}
		if !hasPair {
			return false
		}
		if err := pair.Commands.Push(ctx, ipc.Command{
			Kind:  ipc.CommandSteer,
			Steer: &ipc.SteerPayload{Context: directive},
		}); err != nil {
			r.logger.Warn("Failed to deliver steer", zap.String("agent_id", id), zap.Error(err))
			return false
		}
		return true

	case ipc.UrgencyCritical:
		// A local agent has no registry-backed factory to respawn
		// from, so refuse before the destructive cascade.
		if isLocal {
			return false
		}
		return r.respawnWithDirective(ctx, rec.Clone(), directive)
	}
	return false
}

// respawnWithDirective implements the destructive critical steer:
// stop the subtree, discard its metadata, and spawn a replacement
// with the directive appended to the original goal. A failed respawn
// leaves the old subtree already gone; that window is accepted and
// surfaced as a false return.
func (r *Runtime) respawnWithDirective(ctx context.Context, orig *store.AgentRecord, directive string) bool {
	r.logger.Info("Critical steer: respawning agent",
		zap.String("agent_id", orig.ID),
		zap.String("impl", orig.Impl),
	)

	subtree := r.descendants(orig.ID)
	r.Stop(ctx, orig.ID)
	for i := len(subtree) - 1; i >= 0; i-- {
		r.forget(ctx, subtree[i])
	}

	replacement, err := r.Spawn(ctx, SpawnRequest{
		Impl:      orig.Impl,
		Goal:      orig.Goal + "\n[steer] " + directive,
		ParentID:  orig.ParentID,
		Config:    orig.Config,
		AutoStart: true,
		Session:   orig.Scope.Session,
		Sweep:     orig.Scope.Sweep,
		Run:       orig.Scope.Run,
	})
	if err != nil {
		r.logger.Error("Critical steer respawn failed; subtree already discarded",
			zap.String("old_agent_id", orig.ID),
			zap.Error(err),
		)
		return false
	}
	r.logger.Info("Critical steer complete",
		zap.String("old_agent_id", orig.ID),
		zap.String("new_agent_id", replacement.ID),
	)
	return true
}
