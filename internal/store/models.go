package store

import (
	"time"

	"github.com/hiveplane/hiveplane/internal/scope"
)

// Status is an agent lifecycle status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is absorbing. Terminal statuses
// are sticky: no command transitions an agent out of them.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// EntryType enumerates the kinds of records an agent can append.
type EntryType string

const (
	EntryPlan       EntryType = "plan"
	EntryReflection EntryType = "reflection"
	EntryResult     EntryType = "result"
	EntryMetrics    EntryType = "metrics"
	EntryAlert      EntryType = "alert"
	EntryContext    EntryType = "context"
	EntryMessage    EntryType = "message"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryPlan, EntryReflection, EntryResult, EntryMetrics, EntryAlert, EntryContext, EntryMessage:
		return true
	}
	return false
}

// Entry is one immutable record in the store. Entries are the only way
// an agent's memory outlives its process.
type Entry struct {
	Seq       int64          `json:"seq"`
	AgentID   string         `json:"agent_id"`
	Scope     scope.Scope    `json:"scope"`
	Type      EntryType      `json:"type"`
	Tags      []string       `json:"tags,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AgentRecord is the durable metadata row for one agent. While the
// worker process is alive it owns the authoritative copy; once it is
// not, the runtime does.
type AgentRecord struct {
	ID                string         `json:"id"`
	Role              string         `json:"role"`
	Status            Status         `json:"status"`
	Goal              string         `json:"goal"`
	Config            map[string]any `json:"config,omitempty"`
	ParentID          string         `json:"parent_id,omitempty"`
	Children          []string       `json:"children,omitempty"`
	Impl              string         `json:"impl"`
	Iteration         int            `json:"iteration"`
	AllowedChildRoles []string       `json:"allowed_child_roles,omitempty"`
	Scope             scope.Scope    `json:"scope"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out across goroutines.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Children = append([]string(nil), r.Children...)
	cp.AllowedChildRoles = append([]string(nil), r.AllowedChildRoles...)
	if r.Config != nil {
		cp.Config = make(map[string]any, len(r.Config))
		for k, v := range r.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}
