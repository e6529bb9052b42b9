package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spillwaylabs/spillway/pkg/api"
)

// Journal is the SQLite-backed session record. It persists lifecycle
// transitions and teardown alerts so an operator can audit what ran where and
// which nodes may still be billing after failed releases.
type Journal struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

// OpenSession records a new session in its initial state.
func (j *Journal) OpenSession(ctx context.Context, spec api.JobSpec) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (correlation_id, mode, state) VALUES (?, ?, ?)
		 ON CONFLICT(correlation_id) DO NOTHING`,
		spec.CorrelationID, string(spec.Mode), string(StateProvisioning))
	return err
}

// BindNode records which backend node the session owns.
func (j *Journal) BindNode(ctx context.Context, correlationID, backend, nodeID string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET backend = ?, node_id = ?, updated_at = ? WHERE correlation_id = ?`,
		backend, nodeID, time.Now().UTC(), correlationID)
	return err
}

// RecordTransition appends one lifecycle step and updates the session row.
func (j *Journal) RecordTransition(ctx context.Context, correlationID string, tr Transition) error {
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (correlation_id, from_state, to_state, at) VALUES (?, ?, ?, ?)`,
		correlationID, string(tr.From), string(tr.To), tr.At); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE correlation_id = ?`,
		string(tr.To), tr.At, correlationID)
	return err
}

// RecordTerminal stores the terminal job status on the session row.
func (j *Journal) RecordTerminal(ctx context.Context, correlationID string, status api.JobStatus) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET terminal_status = ?, updated_at = ? WHERE correlation_id = ?`,
		string(status), time.Now().UTC(), correlationID)
	return err
}

// RecordTeardownAlert flags a node whose release exhausted its retries. The
// node may still be accruing cost until an operator intervenes.
func (j *Journal) RecordTeardownAlert(ctx context.Context, correlationID, nodeID, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO teardown_alerts (correlation_id, node_id, detail, at) VALUES (?, ?, ?, ?)`,
		correlationID, nodeID, detail, time.Now().UTC())
	return err
}

// TeardownAlert is one unresolved leak candidate.
type TeardownAlert struct {
	ID            int64
	CorrelationID string
	NodeID        string
	Detail        string
	At            time.Time
}

// OpenAlerts lists teardown alerts that have not been marked resolved.
func (j *Journal) OpenAlerts(ctx context.Context) ([]TeardownAlert, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, correlation_id, node_id, detail, at FROM teardown_alerts WHERE resolved = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TeardownAlert
	for rows.Next() {
		var a TeardownAlert
		if err := rows.Scan(&a.ID, &a.CorrelationID, &a.NodeID, &a.Detail, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAlert marks an alert handled after manual cleanup.
func (j *Journal) ResolveAlert(ctx context.Context, id int64) error {
	_, err := j.db.ExecContext(ctx, `UPDATE teardown_alerts SET resolved = 1 WHERE id = ?`, id)
	return err
}

// SessionRow is a stored session summary.
type SessionRow struct {
	CorrelationID  string
	Mode           string
	Backend        string
	NodeID         string
	State          string
	TerminalStatus string
}

// Sessions lists stored sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT correlation_id, mode, backend, node_id, state, terminal_status
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.CorrelationID, &r.Mode, &r.Backend, &r.NodeID, &r.State, &r.TerminalStatus); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
