package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/phase"
)

// SQLStore implements PhaseStore using database/sql. It supports both
// Postgres and SQLite via standard drivers.
type SQLStore struct {
	db    *sql.DB
	run   runner
	clock func() time.Time
}

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, run: db, clock: time.Now}
}

// WithClock overrides the store's time source. Used by tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS phase_records (
	cycle_id BIGINT NOT NULL,
	report_id BIGINT NOT NULL,
	phase_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	started_by TEXT NOT NULL DEFAULT '',
	completed_by TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	override_by TEXT NOT NULL DEFAULT '',
	override_at TIMESTAMP,
	override_reason TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (cycle_id, report_id, phase_name)
);

CREATE INDEX IF NOT EXISTS idx_phase_records_status ON phase_records (status);
CREATE INDEX IF NOT EXISTS idx_phase_records_created_at ON phase_records (created_at);

CREATE TABLE IF NOT EXISTS workflow_states (
	cycle_id BIGINT NOT NULL,
	report_id BIGINT NOT NULL,
	current_phase TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (cycle_id, report_id)
);
`

// Init creates the schema when it does not exist yet.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.run.ExecContext(ctx, schema)
	return err
}

// NormalizeLegacyStatuses rewrites the mixed status literals older rows carry
// ("completed", "Complete", "in_progress") to the canonical enum values so
// SQL-side filters match. Returns the number of rows rewritten.
func (s *SQLStore) NormalizeLegacyStatuses(ctx context.Context) (int64, error) {
	fixes := []struct {
		canonical phase.Status
		query     string
	}{
		{phase.StatusCompleted, `UPDATE phase_records SET status = $1 WHERE status IN ('completed', 'complete', 'Complete', 'COMPLETE', 'COMPLETED')`},
		{phase.StatusInProgress, `UPDATE phase_records SET status = $1 WHERE status IN ('in_progress', 'in progress', 'In progress', 'IN PROGRESS', 'IN_PROGRESS')`},
		{phase.StatusNotStarted, `UPDATE phase_records SET status = $1 WHERE status IN ('not_started', 'not started', 'Not started', 'NOT STARTED', 'NOT_STARTED')`},
		{phase.StatusRejected, `UPDATE phase_records SET status = $1 WHERE status IN ('rejected', 'REJECTED')`},
	}

	var total int64
	for _, fix := range fixes {
		res, err := s.run.ExecContext(ctx, fix.query, string(fix.canonical))
		if err != nil {
			return total, fmt.Errorf("normalize status %q: %w", fix.canonical, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("normalize status %q: rows affected: %w", fix.canonical, err)
		}
		total += n
	}
	return total, nil
}

const recordColumns = `cycle_id, report_id, phase_name, status, started_at, completed_at, started_by, completed_by, metadata, override_by, override_at, override_reason, version, created_at, updated_at`

func (s *SQLStore) Get(ctx context.Context, key Key) (*PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM phase_records WHERE cycle_id = $1 AND report_id = $2 AND phase_name = $3`
	row := s.run.QueryRowContext(ctx, query, key.CycleID, key.ReportID, string(key.Phase))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("get phase record %s: %w", key, err)
	}
	return rec, nil
}

// saveRetries bounds the read-modify-write loop under last-writer-wins
// contention.
const saveRetries = 3

var errInsertConflict = errors.New("insert raced an existing row")

func (s *SQLStore) Save(ctx context.Context, key Key, patch Patch) (*PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		existing, err := s.Get(ctx, key)
		if errdefs.IsNotFound(err) {
			if !versionMatches(patch.ExpectedVersion, 0) {
				return nil, ErrVersionConflict
			}
			rec, err := s.insert(ctx, key, patch)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, errInsertConflict) {
				return nil, err
			}
			// A concurrent writer created the row first.
			if patch.ExpectedVersion != nil {
				return nil, ErrVersionConflict
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if !versionMatches(patch.ExpectedVersion, existing.Version) {
			return nil, ErrVersionConflict
		}
		merged := existing.Clone()
		applyPatch(merged, patch)
		merged.Version = existing.Version + 1
		merged.UpdatedAt = s.clock().UTC()

		n, err := s.update(ctx, merged, existing.Version)
		if err != nil {
			return nil, fmt.Errorf("save phase record %s: %w", key, err)
		}
		if n == 1 {
			return merged, nil
		}
		// Lost the version-guarded update to a concurrent writer.
		if patch.ExpectedVersion != nil {
			return nil, ErrVersionConflict
		}
	}
	return nil, fmt.Errorf("save phase record %s: contention retries exhausted", key)
}

func (s *SQLStore) insert(ctx context.Context, key Key, patch Patch) (*PhaseRecord, error) {
	rec := newRecord(key, patch, s.clock().UTC())
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("insert phase record %s: %w", key, err)
	}

	query := `
		INSERT INTO phase_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (cycle_id, report_id, phase_name) DO NOTHING
	`
	res, err := s.run.ExecContext(ctx, query,
		rec.CycleID, rec.ReportID, string(rec.Phase), string(rec.Status),
		timeArg(rec.StartedAt), timeArg(rec.CompletedAt), rec.StartedBy, rec.CompletedBy,
		meta, rec.OverrideBy, timeArg(rec.OverrideAt), rec.OverrideReason,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert phase record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert phase record %s: rows affected: %w", key, err)
	}
	if n == 0 {
		return nil, errInsertConflict
	}
	return rec, nil
}

func (s *SQLStore) update(ctx context.Context, rec *PhaseRecord, fromVersion int64) (int64, error) {
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return 0, err
	}

	query := `
		UPDATE phase_records
		SET status = $1, started_at = $2, completed_at = $3, started_by = $4,
			completed_by = $5, metadata = $6, override_by = $7, override_at = $8,
			override_reason = $9, version = $10, updated_at = $11
		WHERE cycle_id = $12 AND report_id = $13 AND phase_name = $14 AND version = $15
	`
	res, err := s.run.ExecContext(ctx, query,
		string(rec.Status), timeArg(rec.StartedAt), timeArg(rec.CompletedAt), rec.StartedBy,
		rec.CompletedBy, meta, rec.OverrideBy, timeArg(rec.OverrideAt),
		rec.OverrideReason, rec.Version, rec.UpdatedAt,
		rec.CycleID, rec.ReportID, string(rec.Phase), fromVersion,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) All(ctx context.Context, cycleID, reportID int64) ([]*PhaseRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM phase_records WHERE cycle_id = $1 AND report_id = $2`
	rows, err := s.run.QueryContext(ctx, query, cycleID, reportID)
	if err != nil {
		return nil, fmt.Errorf("list phase records %d/%d: %w", cycleID, reportID, err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("list phase records %d/%d: %w", cycleID, reportID, err)
	}
	return recs, nil
}

func (s *SQLStore) ListInProgress(ctx context.Context) ([]*PhaseRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM phase_records WHERE status = $1`
	rows, err := s.run.QueryContext(ctx, query, string(phase.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("list in-progress phase records: %w", err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("list in-progress phase records: %w", err)
	}
	return recs, nil
}

func (s *SQLStore) ListCreatedBetween(ctx context.Context, from, to time.Time, only *phase.Name) ([]*PhaseRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM phase_records WHERE created_at >= $1 AND created_at <= $2`
	args := []any{from.UTC(), to.UTC()}
	if only != nil {
		query += ` AND phase_name = $3`
		args = append(args, string(*only))
	}
	rows, err := s.run.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list phase records in window: %w", err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("list phase records in window: %w", err)
	}
	return recs, nil
}

func (s *SQLStore) CycleState(ctx context.Context, cycleID, reportID int64) (*CycleState, error) {
	query := `SELECT cycle_id, report_id, current_phase, updated_at FROM workflow_states WHERE cycle_id = $1 AND report_id = $2`
	row := s.run.QueryRowContext(ctx, query, cycleID, reportID)

	var (
		st      CycleState
		current string
	)
	if err := row.Scan(&st.CycleID, &st.ReportID, &current, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("get workflow state %d/%d: %w", cycleID, reportID, err)
	}
	name, err := phase.Parse(current)
	if err != nil {
		return nil, fmt.Errorf("get workflow state %d/%d: %w", cycleID, reportID, err)
	}
	st.CurrentPhase = name
	return &st, nil
}

func (s *SQLStore) SetCurrentPhase(ctx context.Context, cycleID, reportID int64, current phase.Name, at time.Time) error {
	query := `
		INSERT INTO workflow_states (cycle_id, report_id, current_phase, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cycle_id, report_id) DO UPDATE SET current_phase = excluded.current_phase, updated_at = excluded.updated_at
	`
	_, err := s.run.ExecContext(ctx, query, cycleID, reportID, string(current), at.UTC())
	if err != nil {
		return fmt.Errorf("set current phase %d/%d: %w", cycleID, reportID, err)
	}
	return nil
}

// WithinTx runs fn against a transaction-scoped store. Called on a store that
// is already transaction-scoped, it reuses the surrounding transaction.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(PhaseStore) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &SQLStore{run: tx, clock: s.clock}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*PhaseRecord, error) {
	var (
		rec         PhaseRecord
		phaseName   string
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		overrideAt  sql.NullTime
		meta        string
	)
	err := row.Scan(
		&rec.CycleID, &rec.ReportID, &phaseName, &status,
		&startedAt, &completedAt, &rec.StartedBy, &rec.CompletedBy,
		&meta, &rec.OverrideBy, &overrideAt, &rec.OverrideReason,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	name, err := phase.Parse(phaseName)
	if err != nil {
		return nil, err
	}
	rec.Phase = name

	// Scanning normalizes legacy status literals.
	st, err := phase.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	rec.Status = st

	rec.StartedAt = nullableTime(startedAt)
	rec.CompletedAt = nullableTime(completedAt)
	rec.OverrideAt = nullableTime(overrideAt)

	rec.Metadata, err = unmarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*PhaseRecord, error) {
	defer func() { _ = rows.Close() }()

	out := make([]*PhaseRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// unmarshalMetadata parses the stored JSON document; an empty object scans to
// a nil map.
func unmarshalMetadata(doc string) (map[string]any, error) {
	if doc == "" || doc == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
