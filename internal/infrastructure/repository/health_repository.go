package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/infrastructure/database"
)

const healthColumns = `id, user_id, provider, status, consecutive_failures, last_successful_operation_at,
		last_error_type, last_error_message, token_expires_at, requires_reconnection,
		last_live_validation_at, provider_data, created_at, updated_at`

type healthRepository struct {
	db *database.Database
}

func NewHealthRepository(db *database.Database) repository.HealthRepository {
	return &healthRepository{
		db: db,
	}
}

func (r *healthRepository) FindByUserAndProvider(ctx context.Context, userID int64, provider string) (*entity.HealthStatusRecord, error) {
	query := `SELECT ` + healthColumns + ` FROM connection_health WHERE user_id = $1 AND provider = $2`

	rec, err := scanHealth(r.db.DB.QueryRowContext(ctx, query, userID, provider))
	if err == sql.ErrNoRows {
		return nil, nil // Created lazily on first validation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find health record: %w", err)
	}

	return rec, nil
}

func (r *healthRepository) FindByUserIDs(ctx context.Context, userIDs []int64, provider string) ([]*entity.HealthStatusRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + healthColumns + ` FROM connection_health WHERE provider = $1 AND user_id = ANY($2)`

	rows, err := r.db.DB.QueryContext(ctx, query, provider, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to bulk-load health records: %w", err)
	}
	defer rows.Close()

	var records []*entity.HealthStatusRecord
	for rows.Next() {
		rec, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *healthRepository) Upsert(ctx context.Context, rec *entity.HealthStatusRecord) error {
	providerData := "{}"
	if len(rec.ProviderData) > 0 {
		raw, err := json.Marshal(rec.ProviderData)
		if err != nil {
			return fmt.Errorf("failed to marshal provider data: %w", err)
		}
		providerData = string(raw)
	}

	query := `
		INSERT INTO connection_health (user_id, provider, status, consecutive_failures,
			last_successful_operation_at, last_error_type, last_error_message, token_expires_at,
			requires_reconnection, last_live_validation_at, provider_data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			status = EXCLUDED.status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_successful_operation_at = EXCLUDED.last_successful_operation_at,
			last_error_type = EXCLUDED.last_error_type,
			last_error_message = EXCLUDED.last_error_message,
			token_expires_at = EXCLUDED.token_expires_at,
			requires_reconnection = EXCLUDED.requires_reconnection,
			last_live_validation_at = EXCLUDED.last_live_validation_at,
			provider_data = EXCLUDED.provider_data,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.DB.ExecContext(ctx, query,
		rec.UserID, rec.Provider, rec.Status, rec.ConsecutiveFailures,
		nullTime(rec.LastSuccessfulOperationAt), string(rec.LastErrorType), rec.LastErrorMessage,
		nullTime(rec.TokenExpiresAt), rec.RequiresReconnection, nullTime(rec.LastLiveValidationAt),
		providerData, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert health record: %w", err)
	}

	return nil
}

func (r *healthRepository) RecordSuccess(ctx context.Context, userID int64, provider string, at time.Time) error {
	query := `
		INSERT INTO connection_health (user_id, provider, status, consecutive_failures, last_successful_operation_at, updated_at)
		VALUES ($1, $2, 'healthy', 0, $3, $3)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			status = 'healthy',
			consecutive_failures = 0,
			last_successful_operation_at = EXCLUDED.last_successful_operation_at,
			last_error_type = '',
			last_error_message = '',
			updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.DB.ExecContext(ctx, query, userID, provider, at); err != nil {
		return fmt.Errorf("failed to record operation success: %w", err)
	}

	return nil
}

func (r *healthRepository) RecordFailure(ctx context.Context, userID int64, provider string, errType, errMsg string, at time.Time) (int, error) {
	query := `
		INSERT INTO connection_health (user_id, provider, status, consecutive_failures, last_error_type, last_error_message, updated_at)
		VALUES ($1, $2, 'degraded', 1, $3, $4, $5)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			consecutive_failures = connection_health.consecutive_failures + 1,
			last_error_type = EXCLUDED.last_error_type,
			last_error_message = EXCLUDED.last_error_message,
			updated_at = EXCLUDED.updated_at
		RETURNING consecutive_failures
	`

	var count int
	if err := r.db.DB.QueryRowContext(ctx, query, userID, provider, errType, errMsg, at).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to record operation failure: %w", err)
	}

	return count, nil
}

func (r *healthRepository) DeleteOrphaned(ctx context.Context) (int64, error) {
	query := `DELETE FROM connection_health ch WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.id = ch.user_id)`

	result, err := r.db.DB.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned health records: %w", err)
	}

	return result.RowsAffected()
}

func (r *healthRepository) DeleteStaleWithoutActivity(ctx context.Context, staleBefore, activitySince time.Time) (int64, error) {
	query := `
		DELETE FROM connection_health ch
		WHERE ch.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM file_uploads fu
			WHERE (fu.company_user_id = ch.user_id OR fu.uploader_user_id = ch.user_id)
			  AND fu.created_at >= $2
		  )
	`

	result, err := r.db.DB.ExecContext(ctx, query, staleBefore, activitySince)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale health records: %w", err)
	}

	return result.RowsAffected()
}

func (r *healthRepository) Delete(ctx context.Context, userID int64, provider string) error {
	query := `DELETE FROM connection_health WHERE user_id = $1 AND provider = $2`

	if _, err := r.db.DB.ExecContext(ctx, query, userID, provider); err != nil {
		return fmt.Errorf("failed to delete health record: %w", err)
	}

	return nil
}

func scanHealth(row rowScanner) (*entity.HealthStatusRecord, error) {
	var rec entity.HealthStatusRecord
	var lastSuccess, tokenExpires, lastProbe sql.NullTime
	var errType, errMsg, providerData sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Provider,
		&rec.Status,
		&rec.ConsecutiveFailures,
		&lastSuccess,
		&errType,
		&errMsg,
		&tokenExpires,
		&rec.RequiresReconnection,
		&lastProbe,
		&providerData,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.LastErrorType = classify.ErrorType(errType.String)
	rec.LastErrorMessage = errMsg.String
	if lastSuccess.Valid {
		rec.LastSuccessfulOperationAt = &lastSuccess.Time
	}
	if tokenExpires.Valid {
		rec.TokenExpiresAt = &tokenExpires.Time
	}
	if lastProbe.Valid {
		rec.LastLiveValidationAt = &lastProbe.Time
	}
	if providerData.Valid && providerData.String != "" && providerData.String != "{}" {
		if err := json.Unmarshal([]byte(providerData.String), &rec.ProviderData); err != nil {
			return nil, fmt.Errorf("failed to decode provider data: %w", err)
		}
	}

	return &rec, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
