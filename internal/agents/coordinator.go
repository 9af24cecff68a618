package agents

import (
	"context"
	"errors"
	"time"

	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/store"
)

// coordinator is the per-session root: it spawns one orchestrator for
// its goal, optionally a monitor watching it, waits for the
// orchestrator to finish, and closes the session with a Context entry
// tagged "session". It normally runs inside the supervisor process.
//
// Config keys (subtasks/mode/poll_ms pass through to the
// orchestrator):
//
//	with_monitor bool spawn a watchdog beside the orchestrator
type coordinator struct {
	agent.Base
}

func (c *coordinator) OnStart(context.Context) error { return nil }
func (c *coordinator) OnStop(context.Context) error  { return nil }
func (c *coordinator) Role() string                  { return "coordinator" }
func (c *coordinator) AllowedChildRoles() []string   { return []string{"orchestrator", "monitor"} }

func (c *coordinator) Run(ctx context.Context) error {
	rc := c.Context()

	orchID, err := c.SpawnChild(ctx, ImplOrchestrator, rc.Goal, rc.Config)
	if err != nil {
		return err
	}
	if agent.ConfigBool(rc.Config, "with_monitor", false) {
		if _, err := c.SpawnChild(ctx, ImplMonitor, "watch "+orchID, map[string]any{
			"watch": []any{orchID},
		}); err != nil {
			return err
		}
	}

	status, err := c.awaitChild(ctx, orchID)
	if err != nil {
		return err
	}
	_, err = rc.Records.Record(ctx, store.EntryContext, []string{"session"}, map[string]any{
		"orchestrator_id": orchID,
		"status":          string(status),
	})
	return err
}

func (c *coordinator) awaitChild(ctx context.Context, id string) (store.Status, error) {
	for {
		if err := c.Checkpoint(ctx); err != nil {
			return "", err
		}
		rec, err := c.Context().Records.Agent(ctx, id)
		if errors.Is(err, store.ErrAgentNotFound) {
			return store.StatusFailed, nil
		}
		if err != nil {
			return "", err
		}
		if rec.Status.Terminal() {
			return rec.Status, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
