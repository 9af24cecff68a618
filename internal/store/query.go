package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hiveplane/hiveplane/internal/metrics"
	"github.com/hiveplane/hiveplane/internal/scope"
)

// Filter narrows a store query. All fields are optional and combine
// conjunctively; an entry must match every set field to be returned.
type Filter struct {
	Project string
	Session string
	Sweep   string
	Run     string
	Role    string
	AgentID string
	Type    EntryType
	// Tags an entry must contain all of.
	Tags []string
	// Descending orders by sequence id, newest first.
	Descending bool
	// Limit caps the result size; 0 means unlimited.
	Limit int
}

type entryRow struct {
	Seq     int64     `db:"seq"`
	AgentID string    `db:"agent_id"`
	Project string    `db:"project"`
	Session string    `db:"session"`
	Sweep   string    `db:"sweep"`
	Run     string    `db:"run"`
	Role    string    `db:"role"`
	Type    string    `db:"type"`
	Tags    string    `db:"tags"`
	Payload string    `db:"payload"`
	TS      time.Time `db:"ts"`
}

// Query returns entries matching the filter, ordered by sequence id.
// This is the only cross-agent, cross-process read path; entries from
// removed agents remain queryable by agent id.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.Project != "" {
		add("project = ?", f.Project)
	}
	if f.Session != "" {
		add("session = ?", f.Session)
	}
	if f.Sweep != "" {
		add("sweep = ?", f.Sweep)
	}
	if f.Run != "" {
		add("run = ?", f.Run)
	}
	if f.Role != "" {
		add("role = ?", f.Role)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	// Tags are a JSON string array; membership is a quoted-substring
	// match on the serialized form, one predicate per required tag.
	for _, tag := range f.Tags {
		quoted, err := json.Marshal(tag)
		if err != nil {
			return nil, fmt.Errorf("marshal tag filter: %w", err)
		}
		add("tags LIKE ?", "%"+string(quoted)+"%")
	}

	q := "SELECT seq, agent_id, project, session, sweep, run, role, type, tags, payload, ts FROM entries"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Descending {
		q += " ORDER BY seq DESC"
	} else {
		q += " ORDER BY seq ASC"
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *entryRow) toEntry() (*Entry, error) {
	e := &Entry{
		Seq:     r.Seq,
		AgentID: r.AgentID,
		Scope: scope.Scope{
			Project: r.Project,
			Session: r.Session,
			Sweep:   r.Sweep,
			Run:     r.Run,
			Role:    r.Role,
		},
		Type:      EntryType(r.Type),
		Timestamp: r.TS,
	}
	if err := json.Unmarshal([]byte(r.Tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for entry %d: %w", r.Seq, err)
	}
	if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for entry %d: %w", r.Seq, err)
	}
	return e, nil
}
