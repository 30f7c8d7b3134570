package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, rec *MessageRecord) error {
	query := `
		INSERT INTO message_records
			(session_id, user_id, request_id, execution_id, model, provider,
			 prompt, content, input_tokens, output_tokens, cost_usd, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.SessionID, rec.UserID, rec.RequestID, rec.ExecutionID,
		rec.Model, rec.Provider, rec.Prompt, rec.Content,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save message record: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, user_id, request_id, execution_id, model, provider,
		       prompt, content, input_tokens, output_tokens, cost_usd, latency_ms, created_at
		FROM message_records
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query message records: %w", err)
	}
	defer rows.Close()

	var recs []*MessageRecord
	for rows.Next() {
		var r MessageRecord
		err := rows.Scan(
			&r.ID, &r.SessionID, &r.UserID, &r.RequestID, &r.ExecutionID,
			&r.Model, &r.Provider, &r.Prompt, &r.Content,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message record: %w", err)
		}
		recs = append(recs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message records: %w", err)
	}

	return recs, nil
}

func (s *PostgresStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM message_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	summary := &UsageSummary{UserID: userID}
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(
		&summary.Requests, &summary.InputTokens, &summary.OutputTokens, &summary.TotalCostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}

	return summary, nil
}
