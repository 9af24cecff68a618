package agent

import (
	"context"
	"sync"

	"github.com/hiveplane/hiveplane/internal/store"
)

// Base supplies the control surface of the Agent contract: the pause
// gate, the graceful-stop signal, the steer slot, and the iteration
// counter. Concrete agents embed it and implement the lifecycle hooks.
type Base struct {
	mu        sync.Mutex
	rc        RunContext
	status    store.Status
	iteration int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once

	// resumeCh is non-nil while paused and closed on resume, so a
	// checkpoint blocks on a channel receive instead of polling.
	resumeCh chan struct{}

	steer    string
	hasSteer bool
}

// NewBase returns a Base in the idle state.
func NewBase() Base {
	return Base{
		status: store.StatusIdle,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Init stores the wired run context.
func (b *Base) Init(rc RunContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rc = rc
}

// Context returns the wired run context.
func (b *Base) Context() RunContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rc
}

// Checkpoint is the cooperative suspension point. It returns
// ErrStopRequested once a stop has been requested, blocks while
// paused until resumed (or stopped or the context ends), and returns
// nil when execution may continue.
func (b *Base) Checkpoint(ctx context.Context) error {
	for {
		select {
		case <-b.stopCh:
			return ErrStopRequested
		default:
		}

		b.mu.Lock()
		resume := b.resumeCh
		b.mu.Unlock()
		if resume == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return ErrStopRequested
		case <-resume:
			// Resumed; loop to recheck for an immediate re-pause or stop.
		}
	}
}

// Pause arms the pause gate. Takes effect at the next checkpoint.
func (b *Base) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	if b.resumeCh == nil {
		b.resumeCh = make(chan struct{})
	}
	b.status = store.StatusPaused
}

// Resume releases a paused agent.
func (b *Base) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resumeCh != nil {
		close(b.resumeCh)
		b.resumeCh = nil
	}
	if !b.status.Terminal() {
		b.status = store.StatusRunning
	}
}

// RequestStop signals a graceful stop. Idempotent; also releases a
// paused agent so its checkpoint can observe the request.
func (b *Base) RequestStop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// InjectSteer places a priority steer directive into the pending slot.
// A newer directive overwrites an unconsumed one.
func (b *Base) InjectSteer(context string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steer = context
	b.hasSteer = true
}

// TakeSteer returns and clears any pending steer directive.
func (b *Base) TakeSteer() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasSteer {
		return "", false
	}
	s := b.steer
	b.steer = ""
	b.hasSteer = false
	return s, true
}

// Status returns the current lifecycle status.
func (b *Base) Status() store.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus transitions the lifecycle status. Terminal statuses are
// sticky; once set they never change again.
func (b *Base) SetStatus(s store.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	b.status = s
}

// Iteration returns the progress counter.
func (b *Base) Iteration() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iteration
}

// BumpIteration increments and returns the progress counter.
func (b *Base) BumpIteration() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.iteration++
	return b.iteration
}

// SpawnChild requests a child through the wired spawn capability and
// blocks until the runtime answers.
func (b *Base) SpawnChild(ctx context.Context, impl, goal string, config map[string]any) (string, error) {
	rc := b.Context()
	return rc.Spawn(ctx, impl, goal, config)
}

// MarkDone closes the done channel. Called by whatever drives the
// lifecycle once Run and OnStop have returned.
func (b *Base) MarkDone() {
	b.doneOnce.Do(func() { close(b.doneCh) })
}

// Done is closed once the agent's lifecycle has fully finished.
func (b *Base) Done() <-chan struct{} { return b.doneCh }

// Stopping reports whether a stop has been requested.
func (b *Base) Stopping() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}
