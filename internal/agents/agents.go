// Package agents holds the built-in agent implementations. Both the
// supervisor and the worker binary call RegisterBuiltins so an
// implementation identifier resolves to the same behavior on either
// side of the process boundary.
package agents

import (
	"github.com/hiveplane/hiveplane/internal/agent"
	"github.com/hiveplane/hiveplane/internal/registry"
)

// Implementation identifiers. The identifier doubles as the role name
// for every builtin.
const (
	ImplCoordinator  = "coordinator"
	ImplOrchestrator = "orchestrator"
	ImplTaskrunner   = "taskrunner"
	ImplMonitor      = "monitor"
)

// RegisterBuiltins adds every built-in implementation to the registry.
func RegisterBuiltins(r *registry.Registry) {
	r.Register(ImplCoordinator, "coordinator", []string{"orchestrator", "monitor"}, func() agent.Agent {
		c := &coordinator{}
		c.Base = agent.NewBase()
		return c
	})
	r.Register(ImplOrchestrator, "orchestrator", []string{"taskrunner", "monitor"}, func() agent.Agent {
		o := &orchestrator{}
		o.Base = agent.NewBase()
		return o
	})
	r.Register(ImplTaskrunner, "taskrunner", nil, func() agent.Agent {
		tr := &taskrunner{}
		tr.Base = agent.NewBase()
		return tr
	})
	r.Register(ImplMonitor, "monitor", nil, func() agent.Agent {
		m := &monitor{}
		m.Base = agent.NewBase()
		return m
	})
}
