package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveCarriesForwardUnsetFields(t *testing.T) {
	parent := Scope{Project: "apollo", Session: "sess-1", Role: "coordinator"}

	child := Derive(parent, "orchestrator", Overrides{})
	assert.Equal(t, "apollo", child.Project)
	assert.Equal(t, "sess-1", child.Session)
	assert.Equal(t, "orchestrator", child.Role, "role must be the child's own, never inherited")
}

func TestDeriveExplicitOverridesWin(t *testing.T) {
	parent := Scope{Project: "apollo", Session: "sess-1", Sweep: "sweep-a", Role: "orchestrator"}

	child := Derive(parent, "taskrunner", Overrides{Sweep: "sweep-b", Run: "run-3"})
	assert.Equal(t, "sweep-b", child.Sweep)
	assert.Equal(t, "run-3", child.Run)
	assert.Equal(t, "sess-1", child.Session)
}

func TestPathUsesPlaceholderForUnset(t *testing.T) {
	s := Scope{Project: "apollo", Role: "monitor"}
	assert.Equal(t, "apollo/_/_/_", s.Path())

	s = Scope{Project: "apollo", Session: "s 1", Sweep: "a/b", Run: "r", Role: "x"}
	assert.Equal(t, "apollo/s-1/a-b/r", s.Path())
}
