package scope

import "strings"

// Scope is the immutable project/session/sweep/run/role tuple that
// partitions store entries and agent identity. Empty fields are unset.
type Scope struct {
	Project string `json:"project"`
	Session string `json:"session,omitempty"`
	Sweep   string `json:"sweep,omitempty"`
	Run     string `json:"run,omitempty"`
	Role    string `json:"role"`
}

// Overrides are explicit scope fields supplied at spawn time. A set
// field wins over whatever would be inherited from the parent.
type Overrides struct {
	Session string
	Sweep   string
	Run     string
}

// Derive computes a child scope from its parent: unset fields carry
// forward, explicit overrides win, and Role is always the child's own.
func Derive(parent Scope, role string, ov Overrides) Scope {
	s := Scope{
		Project: parent.Project,
		Session: parent.Session,
		Sweep:   parent.Sweep,
		Run:     parent.Run,
		Role:    role,
	}
	if ov.Session != "" {
		s.Session = ov.Session
	}
	if ov.Sweep != "" {
		s.Sweep = ov.Sweep
	}
	if ov.Run != "" {
		s.Run = ov.Run
	}
	return s
}

// Path renders the scope as a filesystem-safe relative path, with "_"
// standing in for unset segments.
func (s Scope) Path() string {
	seg := func(v string) string {
		if v == "" {
			return "_"
		}
		return sanitize(v)
	}
	return strings.Join([]string{seg(s.Project), seg(s.Session), seg(s.Sweep), seg(s.Run)}, "/")
}

func sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, v)
}
