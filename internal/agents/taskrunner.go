package agents

import (
	"context"
	"errors"
	"time"

	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/store"
)

// taskrunner is the leaf worker: it iterates a fixed number of steps,
// checkpointing between them, and writes one Result entry at the end.
//
// Config keys:
//
//	steps         int    number of work iterations (default 1)
//	step_delay_ms int    sleep between iterations (default 0)
//	fail          string when set, fail with this message instead of
//	                     writing a result
type taskrunner struct {
	agent.Base
}

func (tr *taskrunner) OnStart(context.Context) error { return nil }
func (tr *taskrunner) OnStop(context.Context) error  { return nil }
func (tr *taskrunner) Role() string                  { return "taskrunner" }
func (tr *taskrunner) AllowedChildRoles() []string   { return nil }

func (tr *taskrunner) Run(ctx context.Context) error {
	rc := tr.Context()
	steps := agent.ConfigInt(rc.Config, "steps", 1)
	delay := time.Duration(agent.ConfigInt(rc.Config, "step_delay_ms", 0)) * time.Millisecond

	for i := 0; i < steps; i++ {
		if err := tr.Checkpoint(ctx); err != nil {
			return err
		}
		if directive, ok := tr.TakeSteer(); ok {
			if _, err := rc.Records.Record(ctx, store.EntryMessage, []string{"steer"}, map[string]any{
				"directive": directive,
				"iteration": tr.Iteration(),
			}); err != nil {
				return err
			}
		}
		tr.BumpIteration()
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if msg := agent.ConfigString(rc.Config, "fail", ""); msg != "" {
		return errors.New(msg)
	}

	_, err := rc.Records.Record(ctx, store.EntryResult, []string{"final"}, map[string]any{
		"goal":  rc.Goal,
		"steps": tr.Iteration(),
	})
	return err
}
