package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound reports an unknown run identifier.
var ErrRunNotFound = errors.New("run not found")

// Run is one stage invocation.
type Run struct {
	ID         string
	Stage      string
	Root       string
	StartedAt  time.Time
	FinishedAt time.Time
	Counts
}

// Finished reports whether FinishRun was recorded.
func (r Run) Finished() bool { return !r.FinishedAt.IsZero() }

// Counts tallies unit outcomes.
type Counts struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

// Outcome is the recorded result of one unit.
type Outcome struct {
	Patient  string
	Session  string
	Output   string
	Status   string
	Error    string
	Duration time.Duration
}

const (
	runColumns = "id, stage, root, started_at, finished_at, total, succeeded, failed, skipped"
	// timeLayout is fixed-width so timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// BeginRun inserts a new run and returns it with a fresh identifier.
func (s *Store) BeginRun(ctx context.Context, stage, root string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Stage:     stage,
		Root:      root,
		StartedAt: time.Now().UTC(),
	}
	if _, err := s.exec(ctx,
		`INSERT INTO runs (id, stage, root, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Stage, run.Root, run.StartedAt.Format(timeLayout),
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordOutcomes appends unit outcomes to a run in one transaction.
func (s *Store) RecordOutcomes(ctx context.Context, runID string, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin outcomes tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO outcomes (run_id, patient, session, output_path, status, error, duration_ms)
             VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare outcome insert: %w", err)
		}
		defer stmt.Close()

		for _, o := range outcomes {
			if _, err := stmt.ExecContext(ctx,
				runID, o.Patient, o.Session,
				nullableString(o.Output), o.Status, nullableString(o.Error),
				o.Duration.Milliseconds(),
			); err != nil {
				return fmt.Errorf("insert outcome %s/%s: %w", o.Patient, o.Session, err)
			}
		}
		return tx.Commit()
	})
}

// FinishRun stamps the completion time and final counts of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, counts Counts) error {
	res, err := s.exec(ctx,
		`UPDATE runs SET finished_at = ?, total = ?, succeeded = ?, failed = ?, skipped = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout),
		counts.Total, counts.Succeeded, counts.Failed, counts.Skipped,
		runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// ListRuns returns the newest runs first. A non-positive limit returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun resolves a full run identifier or a unique prefix of one.
func (s *Store) GetRun(ctx context.Context, idOrPrefix string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? || '%' LIMIT 2`,
		idOrPrefix, idOrPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()

	var matches []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		if matches[0].ID == idOrPrefix {
			return matches[0], nil
		}
		if matches[1].ID == idOrPrefix {
			return matches[1], nil
		}
		return nil, fmt.Errorf("run prefix %q is ambiguous", idOrPrefix)
	}
}

// Outcomes returns the outcomes of a run in recording order.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient, session, output_path, status, error, duration_ms
         FROM outcomes WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o          Outcome
			output     sql.NullString
			errMessage sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&o.Patient, &o.Session, &output, &o.Status, &errMessage, &durationMS); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Output = output.String
		o.Error = errMessage.String
		o.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run         Run
		startedRaw  string
		finishedRaw sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&run.Stage,
		&run.Root,
		&startedRaw,
		&finishedRaw,
		&run.Total,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
	); err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(startedRaw)
	if finishedRaw.Valid {
		run.FinishedAt = parseTime(finishedRaw.String)
	}
	return &run, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
