package agents

import (
	"context"
	"errors"
	"time"

	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/store"
)

// orchestrator runs a plan/execute/reflect loop over its subtasks: one
// Plan entry up front, one taskrunner child per subtask, one
// Reflection entry per finished child, and a closing Context entry
// tagged "complete".
//
// Config keys:
//
//	subtasks []string work items, one child each (default: the goal)
//	mode     string   "sequential" (default) or "parallel"
//	poll_ms  int      child status poll interval (default 25)
type orchestrator struct {
	agent.Base
}

func (o *orchestrator) OnStart(context.Context) error { return nil }
func (o *orchestrator) OnStop(context.Context) error  { return nil }
func (o *orchestrator) Role() string                  { return "orchestrator" }
func (o *orchestrator) AllowedChildRoles() []string   { return []string{"taskrunner", "monitor"} }

func (o *orchestrator) Run(ctx context.Context) error {
	rc := o.Context()
	subtasks := agent.ConfigStrings(rc.Config, "subtasks")
	if len(subtasks) == 0 {
		subtasks = []string{rc.Goal}
	}
	mode := agent.ConfigString(rc.Config, "mode", "sequential")
	poll := time.Duration(agent.ConfigInt(rc.Config, "poll_ms", 25)) * time.Millisecond

	if _, err := rc.Records.Record(ctx, store.EntryPlan, []string{"plan"}, map[string]any{
		"subtasks": subtasks,
		"mode":     mode,
	}); err != nil {
		return err
	}

	failed := 0
	reflect := func(subtask, childID string, status store.Status) error {
		if status == store.StatusFailed {
			failed++
		}
		o.BumpIteration()
		_, err := rc.Records.Record(ctx, store.EntryReflection, []string{"reflection"}, map[string]any{
			"subtask":  subtask,
			"child_id": childID,
			"status":   string(status),
		})
		return err
	}

	if mode == "parallel" {
		ids := make([]string, len(subtasks))
		for i, subtask := range subtasks {
			id, err := o.SpawnChild(ctx, ImplTaskrunner, subtask, nil)
			if err != nil {
				return err
			}
			ids[i] = id
		}
		for i, id := range ids {
			status, err := o.awaitChild(ctx, id, poll)
			if err != nil {
				return err
			}
			if err := reflect(subtasks[i], id, status); err != nil {
				return err
			}
		}
	} else {
		for _, subtask := range subtasks {
			if err := o.Checkpoint(ctx); err != nil {
				return err
			}
			id, err := o.SpawnChild(ctx, ImplTaskrunner, subtask, nil)
			if err != nil {
				return err
			}
			status, err := o.awaitChild(ctx, id, poll)
			if err != nil {
				return err
			}
			if err := reflect(subtask, id, status); err != nil {
				return err
			}
		}
	}

	_, err := rc.Records.Record(ctx, store.EntryContext, []string{"complete"}, map[string]any{
		"total":  len(subtasks),
		"failed": failed,
	})
	return err
}

// awaitChild polls the child's durable record until it turns terminal.
// A record that disappears mid-wait counts as failed; the child's
// entries still exist either way.
func (o *orchestrator) awaitChild(ctx context.Context, id string, poll time.Duration) (store.Status, error) {
	for {
		if err := o.Checkpoint(ctx); err != nil {
			return "", err
		}
		rec, err := o.Context().Records.Agent(ctx, id)
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
		case <-time.After(poll):
		}
	}
}
