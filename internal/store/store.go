package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hiveplane/hiveplane/internal/metrics"
	"github.com/hiveplane/hiveplane/internal/scope"
)

// ErrAgentNotFound is returned when an agent record does not exist.
var ErrAgentNotFound = errors.New("agent record not found")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	project  TEXT NOT NULL DEFAULT '',
	session  TEXT NOT NULL DEFAULT '',
	sweep    TEXT NOT NULL DEFAULT '',
	run      TEXT NOT NULL DEFAULT '',
	role     TEXT NOT NULL DEFAULT '',
	type     TEXT NOT NULL,
	tags     TEXT NOT NULL DEFAULT '[]',
	payload  TEXT NOT NULL DEFAULT '{}',
	ts       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_agent ON entries(agent_id);
CREATE INDEX IF NOT EXISTS idx_entries_scope ON entries(project, session, sweep, run);
CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);

CREATE TABLE IF NOT EXISTS agents (
	id                  TEXT PRIMARY KEY,
	role                TEXT NOT NULL,
	status              TEXT NOT NULL,
	goal                TEXT NOT NULL DEFAULT '',
	config              TEXT NOT NULL DEFAULT '{}',
	parent_id           TEXT NOT NULL DEFAULT '',
	children            TEXT NOT NULL DEFAULT '[]',
	impl                TEXT NOT NULL,
	iteration           INTEGER NOT NULL DEFAULT 0,
	allowed_child_roles TEXT NOT NULL DEFAULT '[]',
	project             TEXT NOT NULL DEFAULT '',
	session             TEXT NOT NULL DEFAULT '',
	sweep               TEXT NOT NULL DEFAULT '',
	run                 TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMP NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS entries (
	seq      BIGSERIAL PRIMARY KEY,
	agent_id TEXT NOT NULL,
	project  TEXT NOT NULL DEFAULT '',
	session  TEXT NOT NULL DEFAULT '',
	sweep    TEXT NOT NULL DEFAULT '',
	run      TEXT NOT NULL DEFAULT '',
	role     TEXT NOT NULL DEFAULT '',
	type     TEXT NOT NULL,
	tags     TEXT NOT NULL DEFAULT '[]',
	payload  TEXT NOT NULL DEFAULT '{}',
	ts       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_agent ON entries(agent_id);
CREATE INDEX IF NOT EXISTS idx_entries_scope ON entries(project, session, sweep, run);
CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);

CREATE TABLE IF NOT EXISTS agents (
	id                  TEXT PRIMARY KEY,
	role                TEXT NOT NULL,
	status              TEXT NOT NULL,
	goal                TEXT NOT NULL DEFAULT '',
	config              TEXT NOT NULL DEFAULT '{}',
	parent_id           TEXT NOT NULL DEFAULT '',
	children            TEXT NOT NULL DEFAULT '[]',
	impl                TEXT NOT NULL,
	iteration           INTEGER NOT NULL DEFAULT 0,
	allowed_child_roles TEXT NOT NULL DEFAULT '[]',
	project             TEXT NOT NULL DEFAULT '',
	session             TEXT NOT NULL DEFAULT '',
	sweep               TEXT NOT NULL DEFAULT '',
	run                 TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMPTZ NOT NULL
);
`

// Config holds store configuration.
type Config struct {
	DSN       string
	QueueSize int
	Workers   int
}

// Store is the append-only entry log plus the agent record table. It
// is the one resource written by many processes concurrently; SQLite
// runs in WAL mode so reads never block writers.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger

	writeQueue chan saveRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// Open connects to the store identified by DSN. A DSN that looks like
// a postgres connection string selects the postgres driver; anything
// else is treated as a SQLite path.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}

	driver := "sqlite3"
	dsn := cfg.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		driver = "postgres"
	} else {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if driver == "sqlite3" {
		// Serialize writes through one connection; WAL readers are unaffected.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	schema := sqliteSchema
	if driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}

	s := &Store{
		db:         db,
		driver:     driver,
		logger:     logger,
		writeQueue: make(chan saveRequest, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
	s.startWorkers(cfg.Workers)

	logger.Info("Store opened",
		zap.String("driver", driver),
		zap.Int("write_workers", cfg.Workers),
	)
	return s, nil
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "hiveplane.db"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Write appends one entry and returns it with its assigned sequence id.
// Appends from a single agent are visible to queries issued after the
// call returns.
func (s *Store) Write(ctx context.Context, agentID string, sc scope.Scope, typ EntryType, tags []string, payload map[string]any) (*Entry, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown entry type %q", typ)
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		AgentID:   agentID,
		Scope:     sc,
		Type:      typ,
		Tags:      tags,
		Payload:   payload,
		Timestamp: now,
	}

	const insert = `INSERT INTO entries (agent_id, project, session, sweep, run, role, type, tags, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{agentID, sc.Project, sc.Session, sc.Sweep, sc.Run, sc.Role, string(typ), string(tagsJSON), string(payloadJSON), now}

	if s.driver == "postgres" {
		q := s.db.Rebind(insert + " RETURNING seq")
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&entry.Seq); err != nil {
			metrics.StoreWriteErrors.Inc()
			return nil, fmt.Errorf("insert entry: %w", err)
		}
	} else {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(insert), args...)
		if err != nil {
			metrics.StoreWriteErrors.Inc()
			return nil, fmt.Errorf("insert entry: %w", err)
		}
		entry.Seq, _ = res.LastInsertId()
	}

	metrics.StoreWrites.WithLabelValues(string(typ)).Inc()
	return entry, nil
}

// Count returns the total number of entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM entries"); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// SaveAgent upserts an agent record synchronously. A stored terminal
// status is sticky: an upsert that would change it to anything else is
// dropped, so a late heartbeat cannot resurrect a finished agent.
func (s *Store) SaveAgent(ctx context.Context, rec *AgentRecord) error {
	configJSON, err := json.Marshal(orEmptyMap(rec.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	childrenJSON, err := json.Marshal(orEmptySlice(rec.Children))
	if err != nil {
		return fmt.Errorf("marshal children: %w", err)
	}
	allowedJSON, err := json.Marshal(orEmptySlice(rec.AllowedChildRoles))
	if err != nil {
		return fmt.Errorf("marshal allowed roles: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()

	const upsert = `INSERT INTO agents
		(id, role, status, goal, config, parent_id, children, impl, iteration, allowed_child_roles, project, session, sweep, run, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			goal = excluded.goal,
			config = excluded.config,
			parent_id = excluded.parent_id,
			children = excluded.children,
			iteration = excluded.iteration,
			allowed_child_roles = excluded.allowed_child_roles,
			updated_at = excluded.updated_at
		WHERE agents.status NOT IN ('done', 'failed') OR excluded.status = agents.status`
	_, err = s.db.ExecContext(ctx, s.db.Rebind(upsert),
		rec.ID, rec.Role, string(rec.Status), rec.Goal, string(configJSON), rec.ParentID,
		string(childrenJSON), rec.Impl, rec.Iteration, string(allowedJSON),
		rec.Scope.Project, rec.Scope.Session, rec.Scope.Sweep, rec.Scope.Run, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", rec.ID, err)
	}
	return nil
}

// GetAgent loads one agent record.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM agents WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return row.toRecord()
}

// DeleteAgent removes an agent record. Entries written by the agent
// are untouched; history outlives removal.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM agents WHERE id = ?"), id); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

// ListAgentIDs returns all known agent record ids.
func (s *Store) ListAgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM agents ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return ids, nil
}

// Close drains the async write queue and closes the database.
func (s *Store) Close() error {
	close(s.stopCh)
	s.workerWg.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

type agentRow struct {
	ID                string    `db:"id"`
	Role              string    `db:"role"`
	Status            string    `db:"status"`
	Goal              string    `db:"goal"`
	Config            string    `db:"config"`
	ParentID          string    `db:"parent_id"`
	Children          string    `db:"children"`
	Impl              string    `db:"impl"`
	Iteration         int       `db:"iteration"`
	AllowedChildRoles string    `db:"allowed_child_roles"`
	Project           string    `db:"project"`
	Session           string    `db:"session"`
	Sweep             string    `db:"sweep"`
	Run               string    `db:"run"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *agentRow) toRecord() (*AgentRecord, error) {
	rec := &AgentRecord{
		ID:        r.ID,
		Role:      r.Role,
		Status:    Status(r.Status),
		Goal:      r.Goal,
		ParentID:  r.ParentID,
		Impl:      r.Impl,
		Iteration: r.Iteration,
		Scope: scope.Scope{
			Project: r.Project,
			Session: r.Session,
			Sweep:   r.Sweep,
			Run:     r.Run,
			Role:    r.Role,
		},
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Config), &rec.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Children), &rec.Children); err != nil {
		return nil, fmt.Errorf("unmarshal children for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.AllowedChildRoles), &rec.AllowedChildRoles); err != nil {
		return nil, fmt.Errorf("unmarshal allowed roles for %s: %w", r.ID, err)
	}
	return rec, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
