package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/scope"
	"github.com/hiveplane/hiveplane/internal/store"
)

// ErrStopRequested is returned by Checkpoint once a graceful stop has
// been requested. It signals "wind down" and is not a failure; the
// worker bootstrap maps it to a done status.
var ErrStopRequested = errors.New("stop requested")

// SpawnFunc requests a child agent. For a worker process this is the
// spawn-request round-trip through the event channel; for a local
// agent it dispatches straight into the runtime. It blocks the calling
// agent until the runtime answers, and only the calling agent.
type SpawnFunc func(ctx context.Context, impl, goal string, config map[string]any) (string, error)

// RunContext is everything the runtime wires into an agent before its
// lifecycle starts. Config crossed a process boundary to get here, so
// it holds plain serializable values only; behavior is expressed
// through the provided capabilities (records, spawn, workdir).
type RunContext struct {
	ID      string
	Goal    string
	Config  map[string]any
	Scope   scope.Scope
	Records *store.Scoped
	Workdir string
	Logger  *zap.Logger
	Spawn   SpawnFunc
}

// Agent is the execution contract every unit of work implements.
// Lifecycle: OnStart once, Run as the main body (return nil for done,
// an error for failed, ErrStopRequested for a cooperative wind-down),
// OnStop best-effort on the way out, always, including after failure.
//
// Run must call Checkpoint periodically; that call is the sole legal
// suspension point for pause semantics. An agent that never
// checkpoints is not pausable.
type Agent interface {
	Init(rc RunContext)
	OnStart(ctx context.Context) error
	Run(ctx context.Context) error
	OnStop(ctx context.Context) error

	Role() string
	AllowedChildRoles() []string

	// Control surface, satisfied by embedding Base.
	Pause()
	Resume()
	RequestStop()
	InjectSteer(context string)
	TakeSteer() (string, bool)
	Status() store.Status
	SetStatus(store.Status)
	Iteration() int
	Checkpoint(ctx context.Context) error
	MarkDone()
	Done() <-chan struct{}
}

// Monitored is implemented by agents that want a periodic watchdog
// hook driven alongside Run.
type Monitored interface {
	Monitor(ctx context.Context) error
	MonitorInterval() time.Duration
}

// ConfigString reads a string key from an agent config map.
func ConfigString(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ConfigInt reads an integer key from an agent config map. JSON
// decoding turns numbers into float64, so both forms are accepted.
func ConfigInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// ConfigBool reads a boolean key from an agent config map.
func ConfigBool(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}

// ConfigStrings reads a string-list key from an agent config map.
func ConfigStrings(config map[string]any, key string) []string {
	raw, ok := config[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
