package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/registry"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/worker"
)

// Handle tracks one launched worker.
type Handle interface {
	// Alive reports whether the worker is still running.
	Alive() bool
	// Wait blocks up to d for the worker to exit on its own.
	Wait(d time.Duration) bool
	// Kill terminates the worker immediately.
	Kill() error
}

// Launcher decides how a worker hosting one agent is started.
type Launcher interface {
	Start(ctx context.Context, rec *store.AgentRecord) (Handle, error)
}

// ExecLauncher starts each worker as a separate OS process running the
// worker binary. Identity travels in the environment; everything else
// the worker needs comes from the shared config file and the record.
type ExecLauncher struct {
	// Binary is the worker executable; resolved through PATH when not
	// absolute.
	Binary string
	// ConfigPath is exported to the worker so both processes read the
	// same configuration.
	ConfigPath string
	Logger     *zap.Logger
}

func (l *ExecLauncher) Start(ctx context.Context, rec *store.AgentRecord) (Handle, error) {
	cmd := exec.Command(l.Binary)
	cmd.Env = append(os.Environ(), worker.EnvAgentID+"="+rec.ID)
	if l.ConfigPath != "" {
		cmd.Env = append(cmd.Env, "HIVEPLANE_CONFIG="+l.ConfigPath)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	l.Logger.Info("Worker process started",
		zap.String("agent_id", rec.ID),
		zap.Int("pid", cmd.Process.Pid),
	)

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		// The exit error is the worker's concern; it reports failure
		// through its own terminal event and record write.
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Wait(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (h *execHandle) Kill() error {
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Kill()
}

// InProcLauncher runs each worker bootstrap in a goroutine of the
// current process instead of a separate one. The full IPC and store
// path is exercised unchanged; only the process boundary is elided.
// Used in tests and in single-process deployments.
type InProcLauncher struct {
	Registry    *registry.Registry
	Store       *store.Store
	Redis       redis.UniversalClient
	WorkdirBase string
	Logger      *zap.Logger

	// Heartbeat and poll overrides for the hosted bootstrap; zero
	// keeps the worker defaults.
	HeartbeatInterval  time.Duration
	CommandPollTimeout time.Duration
}

func (l *InProcLauncher) Start(ctx context.Context, rec *store.AgentRecord) (Handle, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &inprocHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := worker.Run(runCtx, worker.Deps{
			AgentID:            rec.ID,
			Registry:           l.Registry,
			Store:              l.Store,
			Redis:              l.Redis,
			WorkdirBase:        l.WorkdirBase,
			Logger:             l.Logger,
			HeartbeatInterval:  l.HeartbeatInterval,
			CommandPollTimeout: l.CommandPollTimeout,
		})
		if err != nil {
			l.Logger.Warn("In-process worker finished with error",
				zap.String("agent_id", rec.ID), zap.Error(err))
		}
	}()
	return h, nil
}

type inprocHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	killOnce sync.Once
}

func (h *inprocHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *inprocHandle) Wait(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Kill cancels the bootstrap context; a goroutine cannot be torn down
// harder than that.
func (h *inprocHandle) Kill() error {
	h.killOnce.Do(h.cancel)
	return nil
}
