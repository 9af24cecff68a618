package agents

import (
	"context"
	"sync"
	"time"

	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/store"
)

// monitor is a watchdog: it tails the status of the agents named in
// its config and writes one Alert entry the first time each of them
// fails. It does no work of its own; Run just idles at checkpoints
// until stopped.
//
// Config keys:
//
//	watch       []string agent ids to tail
//	interval_ms int      watch cadence (default 100)
type monitor struct {
	agent.Base

	mu      sync.Mutex
	alerted map[string]bool
}

func (m *monitor) OnStart(context.Context) error { return nil }
func (m *monitor) OnStop(context.Context) error  { return nil }
func (m *monitor) Role() string                  { return "monitor" }
func (m *monitor) AllowedChildRoles() []string   { return nil }

func (m *monitor) Run(ctx context.Context) error {
	for {
		if err := m.Checkpoint(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (m *monitor) MonitorInterval() time.Duration {
	return time.Duration(agent.ConfigInt(m.Context().Config, "interval_ms", 100)) * time.Millisecond
}

// Monitor runs on its own ticker beside Run.
func (m *monitor) Monitor(ctx context.Context) error {
	rc := m.Context()
	for _, id := range agent.ConfigStrings(rc.Config, "watch") {
		rec, err := rc.Records.Agent(ctx, id)
		if err != nil {
			continue
		}
		if rec.Status != store.StatusFailed {
			continue
		}
		m.mu.Lock()
		if m.alerted == nil {
			m.alerted = make(map[string]bool)
		}
		seen := m.alerted[id]
		m.alerted[id] = true
		m.mu.Unlock()
		if seen {
			continue
		}
		if _, err := rc.Records.Record(ctx, store.EntryAlert, []string{"failure"}, map[string]any{
			"agent_id": id,
			"role":     rec.Role,
			"status":   string(rec.Status),
		}); err != nil {
			return err
		}
	}
	return nil
}
