package store

import (
	"context"

	"github.com/hiveplane/hiveplane/internal/scope"
)

// Scoped binds a store handle to one agent's identity and scope. It is
// what the worker bootstrap hands to an agent implementation: the
// agent records under its own id, but may still read siblings and
// ancestors through Query for memory reuse.
type Scoped struct {
	st      *Store
	agentID string
	sc      scope.Scope
}

// NewScoped returns a store handle bound to the given agent and scope.
func NewScoped(st *Store, agentID string, sc scope.Scope) *Scoped {
	return &Scoped{st: st, agentID: agentID, sc: sc}
}

// Record appends one entry under the bound agent id and scope.
func (s *Scoped) Record(ctx context.Context, typ EntryType, tags []string, payload map[string]any) (*Entry, error) {
	return s.st.Write(ctx, s.agentID, s.sc, typ, tags, payload)
}

// Agent reads another agent's durable record. The usual caller is a
// parent awaiting a child's terminal status.
func (s *Scoped) Agent(ctx context.Context, id string) (*AgentRecord, error) {
	return s.st.GetAgent(ctx, id)
}

// Query runs an arbitrary filtered query against the shared store.
func (s *Scoped) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	return s.st.Query(ctx, f)
}

// Scope returns the bound scope.
func (s *Scoped) Scope() scope.Scope { return s.sc }

// AgentID returns the bound agent id.
func (s *Scoped) AgentID() string { return s.agentID }
