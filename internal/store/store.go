// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// ErrNotFound is returned when a run id has no history.
var ErrNotFound = errors.New("run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec runs the schema DDL.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schemaDDL is idempotent and runs on every start. Steps are keyed by run and
// index and go away with their run.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS agent_runs (
    id          TEXT PRIMARY KEY,
    prompt      TEXT NOT NULL,
    start_url   TEXT NOT NULL,
    status      TEXT NOT NULL,
    result      TEXT NOT NULL,
    video_url   TEXT NOT NULL DEFAULT '',
    steps_taken INTEGER NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_steps (
    run_id    TEXT NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
    idx       INTEGER NOT NULL,
    action    TEXT NOT NULL,
    label     TEXT NOT NULL DEFAULT '',
    text      TEXT NOT NULL DEFAULT '',
    reason    TEXT NOT NULL DEFAULT '',
    succeeded BOOLEAN NOT NULL,
    url       TEXT NOT NULL DEFAULT '',
    at        TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, idx)
);`

// The upsert keeps prompt, start_url and started_at from the first insert;
// only the outcome columns change.
const (
	sqlUpsertRun = `
        INSERT INTO agent_runs (id, prompt, start_url, status, result, video_url, steps_taken, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            result = EXCLUDED.result,
            video_url = EXCLUDED.video_url,
            steps_taken = EXCLUDED.steps_taken,
            finished_at = EXCLUDED.finished_at;`

	// A re-saved run replaces its steps wholesale.
	sqlDeleteSteps = `DELETE FROM agent_steps WHERE run_id = $1;`

	sqlSelectRun = `
        SELECT id, prompt, start_url, status, result, video_url, steps_taken, started_at, finished_at
        FROM agent_runs WHERE id = $1;`

	sqlSelectSteps = `
        SELECT idx, action, label, text, reason, succeeded, url, at
        FROM agent_steps WHERE run_id = $1 ORDER BY idx;`
)

// stepColumns is the CopyFrom column order; rows in SaveRun must match it.
var stepColumns = []string{"run_id", "idx", "action", "label", "text", "reason", "succeeded", "url", "at"}

// Store provides a PostgreSQL implementation of schemas.RunStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.RunStore = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the history tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRun writes a run and its steps in one transaction. Saving the same run
// twice replaces its steps.
func (s *Store) SaveRun(ctx context.Context, run *schemas.RunRecord) error {
	if run == nil || run.ID == "" {
		return errors.New("run record requires an id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful Commit returns ErrTxClosed, which is
		// expected and not worth logging.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	// 1. Upsert the run row.
	_, err = tx.Exec(ctx, sqlUpsertRun,
		run.ID,
		run.Prompt,
		run.StartURL,
		string(run.Status),
		run.Result,
		run.VideoURL,
		run.StepsTaken,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	// 2. Drop steps from an earlier save of the same run.
	if _, err := tx.Exec(ctx, sqlDeleteSteps, run.ID); err != nil {
		return fmt.Errorf("failed to clear previous steps: %w", err)
	}

	// 3. Bulk load the steps with the COPY protocol.
	if len(run.Steps) > 0 {
		// Row values follow stepColumns.
		rows := make([][]interface{}, len(run.Steps))
		for i, st := range run.Steps {
			rows[i] = []interface{}{
				run.ID,
				st.Index,
				string(st.Action),
				st.Label,
				st.Text,
				st.Reason,
				st.Succeeded,
				st.URL,
				st.At,
			}
		}
		copied, err := tx.CopyFrom(ctx, pgx.Identifier{"agent_steps"}, stepColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to bulk insert steps: %w", err)
		}
		// A short copy means the driver dropped rows; do not commit it.
		if int(copied) != len(run.Steps) {
			return fmt.Errorf("mismatch in copied step count: expected %d, got %d", len(run.Steps), copied)
		}
	}

	// 4. Commit.
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted run.", zap.String("run_id", run.ID), zap.Int("steps", len(run.Steps)))
	return nil
}

// GetRun loads a run and its ordered steps.
func (s *Store) GetRun(ctx context.Context, id string) (*schemas.RunRecord, error) {
	var (
		run    schemas.RunRecord
		status string
	)
	// 1. The run row.
	err := s.pool.QueryRow(ctx, sqlSelectRun, id).Scan(
		&run.ID,
		&run.Prompt,
		&run.StartURL,
		&status,
		&run.Result,
		&run.VideoURL,
		&run.StepsTaken,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		// Callers map ErrNotFound to a 404.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	run.Status = schemas.RunStatus(status)

	// 2. Its steps, ordered by index.
	rows, err := s.pool.Query(ctx, sqlSelectSteps, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st     schemas.StepRecord
			action string
		)
		if err := rows.Scan(&st.Index, &action, &st.Label, &st.Text, &st.Reason, &st.Succeeded, &st.URL, &st.At); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		st.Action = schemas.ActionKind(action)
		run.Steps = append(run.Steps, st)
	}
	// Errors during iteration only surface here.
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step rows: %w", err)
	}
	return &run, nil
}
