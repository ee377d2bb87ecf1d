package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"runline/internal/domain"
)

var (
	// ErrConcurrencyConflict is returned when the caller's expected last
	// sequence number does not match the store's. The append is rejected,
	// never silently reordered.
	ErrConcurrencyConflict = errors.New("event store: concurrency conflict")
	// ErrNotFound is returned for reads of runs with no events.
	ErrNotFound = errors.New("not found")
)

// Notifier receives events after (never before) durable commit.
type Notifier interface {
	Publish(domain.Event)
}

// Store is the append-only event log. Events are immutable once committed;
// optimistic concurrency is per run, concurrent appends for different runs
// never contend on anything but SQLite itself.
type Store struct {
	DB       *sql.DB
	Now      func() time.Time
	notifier Notifier
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

// SetNotifier installs the post-commit subscriber hook.
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append commits one event for runID. expectedSeq must equal the run's current
// last sequence number (-1 for a new run); on mismatch the append fails with
// ErrConcurrencyConflict. Timestamps are clamped to be non-decreasing per run.
func (s *Store) Append(ctx context.Context, runID string, expectedSeq int64, typ domain.EventType, actor domain.ActorKind, actorID string, payload any) (domain.Event, error) {
	raw, err := domain.MarshalPayload(payload)
	if err != nil {
		return domain.Event{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	var lastSeq, lastTS int64 = -1, 0
	row := tx.QueryRowContext(ctx, `SELECT seq, ts_ms FROM events WHERE run_id=? ORDER BY seq DESC LIMIT 1`, runID)
	if err := row.Scan(&lastSeq, &lastTS); err != nil && err != sql.ErrNoRows {
		return domain.Event{}, fmt.Errorf("read last seq: %w", err)
	}
	if lastSeq != expectedSeq {
		return domain.Event{}, fmt.Errorf("%w: run %s expected seq %d, have %d", ErrConcurrencyConflict, runID, expectedSeq, lastSeq)
	}

	ts := s.now().UTC().UnixMilli()
	if ts < lastTS {
		ts = lastTS
	}
	evt := domain.Event{
		EventID:       uuid.New().String(),
		RunID:         runID,
		Seq:           lastSeq + 1,
		TSMillis:      ts,
		Type:          typ,
		ActorKind:     actor,
		ActorID:       actorID,
		Payload:       raw,
		SchemaVersion: domain.SchemaVersion,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(event_id,run_id,seq,ts_ms,type,actor_kind,actor_id,payload_json,schema_version) VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.EventID, evt.RunID, evt.Seq, evt.TSMillis, evt.Type, evt.ActorKind, evt.ActorID, string(evt.Payload), evt.SchemaVersion)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event: %w", err)
	}
	if evt.ID, err = res.LastInsertId(); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	if s.notifier != nil {
		s.notifier.Publish(evt)
	}
	return evt, nil
}

// LastSeq returns the run's current last sequence number, -1 if no events.
func (s *Store) LastSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64 = -1
	row := s.DB.QueryRowContext(ctx, `SELECT seq FROM events WHERE run_id=? ORDER BY seq DESC LIMIT 1`, runID)
	if err := row.Scan(&seq); err != nil && err != sql.ErrNoRows {
		return -1, err
	}
	return seq, nil
}

const eventColumns = `id,event_id,run_id,seq,ts_ms,type,actor_kind,actor_id,payload_json,schema_version`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.EventID, &e.RunID, &e.Seq, &e.TSMillis, &e.Type, &e.ActorKind, &e.ActorID, &payload, &e.SchemaVersion); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReadRange returns the run's events with fromSeq <= seq <= toSeq in ascending
// sequence order. toSeq < 0 means no upper bound.
func (s *Store) ReadRange(ctx context.Context, runID string, fromSeq, toSeq int64) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE run_id=? AND seq>=?`
	args := []any{runID, fromSeq}
	if toSeq >= 0 {
		query += ` AND seq<=?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ReadAsOf returns the run's events with ts_ms <= cutoff in sequence order.
// A single query gives a consistent snapshot of the log up to the cutoff.
func (s *Store) ReadAsOf(ctx context.Context, runID string, cutoffMillis int64) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id=? AND ts_ms<=? ORDER BY seq ASC`, runID, cutoffMillis)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	RunID       string
	Types       []domain.EventType
	ActorID     string
	SinceMillis int64
	UntilMillis int64
}

// Query returns up to limit events matching the filter in commit order, plus a
// continuation token for the next page. An empty next token means exhausted.
func (s *Store) Query(ctx context.Context, f Filter, limit int, token string) ([]domain.Event, string, error) {
	if limit <= 0 {
		limit = 100
	}
	afterID, err := parseToken(token)
	if err != nil {
		return nil, "", err
	}
	var (
		where = []string{"id>?"}
		args  = []any{afterID}
	)
	if f.RunID != "" {
		where = append(where, "run_id=?")
		args = append(args, f.RunID)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(ph, ",")+")")
	}
	if f.ActorID != "" {
		where = append(where, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.SinceMillis > 0 {
		where = append(where, "ts_ms>=?")
		args = append(args, f.SinceMillis)
	}
	if f.UntilMillis > 0 {
		where = append(where, "ts_ms<=?")
		args = append(args, f.UntilMillis)
	}
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, "", err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(events) == limit {
		next = formatToken(events[len(events)-1].ID)
	}
	return events, next, nil
}

// EventsAfter returns up to limit events with id > afterID, oldest first.
// Used by the webhook dispatcher's cursor loop.
func (s *Store) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the newest global event id, 0 if the log is empty.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// RunIDs returns every run that has at least one event.
func (s *Store) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT run_id FROM events ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const tokenPrefix = "ev:"

func formatToken(id int64) string {
	return tokenPrefix + strconv.FormatInt(id, 10)
}

func parseToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	if !strings.HasPrefix(token, tokenPrefix) {
		return 0, fmt.Errorf("invalid continuation token")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(token, tokenPrefix), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid continuation token")
	}
	return id, nil
}
