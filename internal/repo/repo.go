package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"runline/internal/domain"
)

// Repo persists the rebuildable caches: run snapshots for listing and restart
// discovery, and API keys for the HTTP surface. The event log stays
// authoritative; everything here can be rebuilt by replay.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// UpsertRunSnapshot caches a run's latest projected state.
func (r Repo) UpsertRunSnapshot(ctx context.Context, proj domain.RunProjection) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(run_id,state,issue_ref,last_seq,updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET state=excluded.state, issue_ref=excluded.issue_ref, last_seq=excluded.last_seq, updated_at=excluded.updated_at`,
		proj.RunID, string(proj.State), nullable(proj.IssueRef), proj.LastSeq, now)
	return err
}

func scanRun(row *sql.Row) (domain.RunSnapshot, error) {
	var s domain.RunSnapshot
	var issue sql.NullString
	err := row.Scan(&s.RunID, &s.State, &issue, &s.LastSeq, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if issue.Valid {
		s.IssueRef = issue.String
	}
	return s, err
}

// GetRun returns the cached snapshot for one run.
func (r Repo) GetRun(ctx context.Context, runID string) (domain.RunSnapshot, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT run_id,state,issue_ref,last_seq,updated_at FROM runs WHERE run_id=?`, runID))
}

// ListRuns returns cached snapshots, newest first. states narrows the result
// when non-empty.
func (r Repo) ListRuns(ctx context.Context, states ...domain.State) ([]domain.RunSnapshot, error) {
	query := `SELECT run_id,state,issue_ref,last_seq,updated_at FROM runs`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (`
		for i, s := range states {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, string(s))
		}
		query += `)`
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RunSnapshot
	for rows.Next() {
		var s domain.RunSnapshot
		var issue sql.NullString
		if err := rows.Scan(&s.RunID, &s.State, &issue, &s.LastSeq, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if issue.Valid {
			s.IssueRef = issue.String
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ActiveRuns returns runs that have not reached a terminal state. Escalated
// runs are included: they resume once a human resolves them.
func (r Repo) ActiveRuns(ctx context.Context) ([]domain.RunSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT run_id,state,issue_ref,last_seq,updated_at FROM runs WHERE state NOT IN (?,?) ORDER BY updated_at ASC`,
		string(domain.StateCompleted), string(domain.StateAborted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RunSnapshot
	for rows.Next() {
		var s domain.RunSnapshot
		var issue sql.NullString
		if err := rows.Scan(&s.RunID, &s.State, &issue, &s.LastSeq, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if issue.Valid {
			s.IssueRef = issue.String
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
