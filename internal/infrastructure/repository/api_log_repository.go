package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dropgate/internal/domain/entity"
	"dropgate/internal/infrastructure/database"
)

// APILogRepository stores vendor API call logs.
type APILogRepository interface {
	Save(ctx context.Context, log *entity.APILog) error
	Recent(ctx context.Context, limit int) ([]*entity.APILog, error)
}

type apiLogRepository struct {
	db     *database.Database
	logger *zap.Logger
}

// NewAPILogRepository creates a new API log repository
func NewAPILogRepository(db *database.Database, logger *zap.Logger) APILogRepository {
	return &apiLogRepository{
		db:     db,
		logger: logger,
	}
}

// Save saves an API log entry to the database
func (r *apiLogRepository) Save(ctx context.Context, log *entity.APILog) error {
	query := `
		INSERT INTO api_logs (provider, endpoint, method, request_body, response_body, status_code, duration_ms, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.DB.ExecContext(ctx, query,
		log.Provider,
		log.Endpoint,
		log.Method,
		log.RequestBody,
		log.ResponseBody,
		log.StatusCode,
		log.Duration,
		log.UserID,
		log.CreatedAt,
	)

	if err != nil {
		r.logger.Error("Failed to save API log",
			zap.String("endpoint", log.Endpoint),
			zap.Error(err),
		)
		return fmt.Errorf("failed to save API log: %w", err)
	}

	return nil
}

func (r *apiLogRepository) Recent(ctx context.Context, limit int) ([]*entity.APILog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, provider, endpoint, method, request_body, response_body, status_code, duration_ms, COALESCE(user_id, 0), created_at
		FROM api_logs ORDER BY created_at DESC LIMIT $1
	`

	rows, err := r.db.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list API logs: %w", err)
	}
	defer rows.Close()

	var logs []*entity.APILog
	for rows.Next() {
		var log entity.APILog
		if err := rows.Scan(
			&log.ID, &log.Provider, &log.Endpoint, &log.Method, &log.RequestBody,
			&log.ResponseBody, &log.StatusCode, &log.Duration, &log.UserID, &log.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan API log: %w", err)
		}
		logs = append(logs, &log)
	}

	return logs, rows.Err()
}
