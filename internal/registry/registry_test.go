package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/internal/agent"
)

type stubAgent struct {
	agent.Base
	role    string
	allowed []string
}

func (s *stubAgent) OnStart(context.Context) error { return nil }
func (s *stubAgent) Run(context.Context) error     { return nil }
func (s *stubAgent) OnStop(context.Context) error  { return nil }
func (s *stubAgent) Role() string                  { return s.role }
func (s *stubAgent) AllowedChildRoles() []string   { return s.allowed }

func newStub(role string, allowed ...string) Factory {
	return func() agent.Agent {
		a := &stubAgent{role: role, allowed: allowed}
		a.Base = agent.NewBase()
		return a
	}
}

func TestResolveConstructsFreshInstances(t *testing.T) {
	r := New()
	r.Register("taskrunner", "taskrunner", nil, newStub("taskrunner"))

	a, err := r.Resolve("taskrunner")
	require.NoError(t, err)
	b, err := r.Resolve("taskrunner")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, "taskrunner", a.Role())
}

func TestResolveUnknownImpl(t *testing.T) {
	r := New()
	_, err := r.Resolve("ghost")
	assert.ErrorContains(t, err, "unknown agent implementation")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := New()
	r.Register("monitor", "monitor", nil, newStub("monitor"))
	assert.Panics(t, func() {
		r.Register("monitor", "monitor", nil, newStub("monitor"))
	})
}

func TestMetaReturnsCopy(t *testing.T) {
	r := New()
	r.Register("orchestrator", "orchestrator", []string{"taskrunner"}, newStub("orchestrator", "taskrunner"))

	m, err := r.Meta("orchestrator")
	require.NoError(t, err)
	m.AllowedChildRoles[0] = "mutated"

	again, err := r.Meta("orchestrator")
	require.NoError(t, err)
	assert.Equal(t, []string{"taskrunner"}, again.AllowedChildRoles)
}

func TestLoadRoleOverrides(t *testing.T) {
	r := New()
	r.Register("orchestrator", "orchestrator", []string{"taskrunner"}, newStub("orchestrator"))

	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"allowed_children:\n  orchestrator: [taskrunner, monitor]\n"), 0o644))

	require.NoError(t, r.LoadRoleOverrides(path))
	m, err := r.Meta("orchestrator")
	require.NoError(t, err)
	assert.Equal(t, []string{"taskrunner", "monitor"}, m.AllowedChildRoles)
}

func TestLoadRoleOverridesRejectsUnknownImpl(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"allowed_children:\n  ghost: [taskrunner]\n"), 0o644))

	assert.ErrorContains(t, r.LoadRoleOverrides(path), "unknown implementation")
}
