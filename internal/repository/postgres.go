package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const callRecordsSchema = `
	CREATE TABLE IF NOT EXISTS call_records (
		id                 BIGSERIAL PRIMARY KEY,
		request_id         TEXT NOT NULL,
		deployment         TEXT NOT NULL,
		outcome            TEXT NOT NULL,
		status             INTEGER NOT NULL DEFAULT 0,
		rejected           BOOLEAN NOT NULL DEFAULT false,
		flagged_categories TEXT[] NOT NULL DEFAULT '{}',
		prompt_tokens      INTEGER NOT NULL DEFAULT 0,
		completion_tokens  INTEGER NOT NULL DEFAULT 0,
		latency_ms         BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS call_records_created_at_idx ON call_records (created_at DESC);
`

type PostgresCallRepository struct {
	db *sql.DB
}

func NewPostgresCallRepository(db *sql.DB) *PostgresCallRepository {
	return &PostgresCallRepository{db: db}
}

// EnsureSchema creates the call_records table when it is missing.
func (r *PostgresCallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, callRecordsSchema); err != nil {
		return fmt.Errorf("create call_records: %w", err)
	}
	return nil
}

func (r *PostgresCallRepository) Record(ctx context.Context, record CallRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO call_records (request_id, deployment, outcome, status, rejected,
		                          flagged_categories, prompt_tokens, completion_tokens, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	categories := record.FlaggedCategories
	if categories == nil {
		categories = []string{}
	}

	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.Deployment,
		record.Outcome,
		record.Status,
		record.Rejected,
		pq.Array(categories),
		record.PromptTokens,
		record.CompletionTokens,
		record.LatencyMs,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}

	return nil
}

func (r *PostgresCallRepository) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT request_id, deployment, outcome, status, rejected,
		       flagged_categories, prompt_tokens, completion_tokens, latency_ms, created_at
		FROM call_records
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var record CallRecord
		var categories pq.StringArray

		err := rows.Scan(
			&record.RequestID,
			&record.Deployment,
			&record.Outcome,
			&record.Status,
			&record.Rejected,
			&categories,
			&record.PromptTokens,
			&record.CompletionTokens,
			&record.LatencyMs,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}

		record.FlaggedCategories = []string(categories)
		records = append(records, record)
	}

	return records, rows.Err()
}
