package runlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id            TEXT PRIMARY KEY,
		business_id   TEXT NOT NULL,
		audio_locator TEXT NOT NULL,
		state         TEXT NOT NULL,
		failed_stage  TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		revision      TEXT NOT NULL DEFAULT '',
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ NOT NULL
	)
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create pipeline_runs: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Record(ctx context.Context, run Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (
			id,
			business_id,
			audio_locator,
			state,
			failed_stage,
			error_message,
			revision,
			started_at,
			finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		run.ID,
		run.BusinessID,
		run.AudioLocator,
		run.State,
		run.FailedStage,
		run.Error,
		run.Revision,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}
