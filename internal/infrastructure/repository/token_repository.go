package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/infrastructure/database"
)

const tokenColumns = `id, user_id, provider, access_token, refresh_token, token_type, expires_at, scopes,
		refresh_failure_count, last_refresh_attempt_at, requires_user_intervention,
		proactive_refresh_scheduled_at, last_notification_sent_at, notification_failure_count,
		created_at, updated_at`

type tokenRepository struct {
	db *database.Database
}

func NewTokenRepository(db *database.Database) repository.TokenRepository {
	return &tokenRepository{
		db: db,
	}
}

func (r *tokenRepository) FindByUserAndProvider(ctx context.Context, userID int64, provider string) (*entity.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM cloud_tokens WHERE user_id = $1 AND provider = $2`

	rec, err := scanToken(r.db.DB.QueryRowContext(ctx, query, userID, provider))
	if err == sql.ErrNoRows {
		return nil, nil // Not found, return nil without error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find token record: %w", err)
	}

	return rec, nil
}

func (r *tokenRepository) FindByUserIDs(ctx context.Context, userIDs []int64, provider string) ([]*entity.TokenRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + tokenColumns + ` FROM cloud_tokens WHERE provider = $1 AND user_id = ANY($2)`

	rows, err := r.db.DB.QueryContext(ctx, query, provider, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to bulk-load token records: %w", err)
	}
	defer rows.Close()

	var records []*entity.TokenRecord
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *tokenRepository) SaveTokens(ctx context.Context, userID int64, provider string, creds *entity.Credentials) error {
	// A fresh handshake clears every failure flag: the user just proved the
	// connection works.
	query := `
		INSERT INTO cloud_tokens (user_id, provider, access_token, refresh_token, token_type, expires_at, scopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token <> '' THEN EXCLUDED.refresh_token ELSE cloud_tokens.refresh_token END,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			refresh_failure_count = 0,
			requires_user_intervention = FALSE,
			proactive_refresh_scheduled_at = NULL,
			notification_failure_count = 0,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.DB.ExecContext(ctx, query,
		userID, provider,
		creds.AccessToken, creds.RefreshToken, creds.TokenType, creds.ExpiresAt,
		strings.Join(creds.Scopes, " "), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}

	return nil
}

func (r *tokenRepository) UpdateRefreshSuccess(ctx context.Context, id int64, creds *entity.Credentials) error {
	query := `
		UPDATE cloud_tokens
		SET access_token = $1,
			refresh_token = CASE WHEN $2 <> '' THEN $2 ELSE refresh_token END,
			expires_at = $3,
			refresh_failure_count = 0,
			proactive_refresh_scheduled_at = NULL,
			updated_at = $4
		WHERE id = $5
	`

	_, err := r.db.DB.ExecContext(ctx, query, creds.AccessToken, creds.RefreshToken, creds.ExpiresAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	return nil
}

func (r *tokenRepository) RecordRefreshFailure(ctx context.Context, id int64, at time.Time) (int, error) {
	query := `
		UPDATE cloud_tokens
		SET refresh_failure_count = refresh_failure_count + 1,
			last_refresh_attempt_at = $1,
			updated_at = $1
		WHERE id = $2
		RETURNING refresh_failure_count
	`

	var count int
	if err := r.db.DB.QueryRowContext(ctx, query, at, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to record refresh failure: %w", err)
	}

	return count, nil
}

func (r *tokenRepository) MarkRequiresIntervention(ctx context.Context, id int64) error {
	query := `UPDATE cloud_tokens SET requires_user_intervention = TRUE, updated_at = $1 WHERE id = $2`

	if _, err := r.db.DB.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark token for intervention: %w", err)
	}

	return nil
}

func (r *tokenRepository) MarkNotificationSent(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE cloud_tokens SET last_notification_sent_at = $1, updated_at = $1 WHERE id = $2`

	if _, err := r.db.DB.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}

	return nil
}

func (r *tokenRepository) IncrementNotificationFailures(ctx context.Context, id int64) (int, error) {
	query := `
		UPDATE cloud_tokens
		SET notification_failure_count = notification_failure_count + 1, updated_at = $1
		WHERE id = $2
		RETURNING notification_failure_count
	`

	var count int
	if err := r.db.DB.QueryRowContext(ctx, query, time.Now(), id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment notification failures: %w", err)
	}

	return count, nil
}

func (r *tokenRepository) MarkProactiveScheduled(ctx context.Context, id int64, at time.Time) (bool, error) {
	// Conditional update: only the first scheduler wins, so re-running the
	// maintenance job never double-schedules.
	query := `
		UPDATE cloud_tokens
		SET proactive_refresh_scheduled_at = $1, updated_at = $2
		WHERE id = $3 AND proactive_refresh_scheduled_at IS NULL
	`

	result, err := r.db.DB.ExecContext(ctx, query, at, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark proactive schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *tokenRepository) FindExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*entity.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM cloud_tokens
		WHERE requires_user_intervention = FALSE AND expires_at <= $1
		ORDER BY expires_at`

	return r.queryTokens(ctx, query, now.Add(window))
}

func (r *tokenRepository) FindExpiringBetween(ctx context.Context, now time.Time, from, to time.Duration) ([]*entity.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM cloud_tokens
		WHERE requires_user_intervention = FALSE
		  AND proactive_refresh_scheduled_at IS NULL
		  AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at`

	return r.queryTokens(ctx, query, now.Add(from), now.Add(to))
}

func (r *tokenRepository) ResetStaleFailures(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE cloud_tokens
		SET refresh_failure_count = 0, last_refresh_attempt_at = NULL, updated_at = $1
		WHERE refresh_failure_count > 0 AND last_refresh_attempt_at < $2
	`

	result, err := r.db.DB.ExecContext(ctx, query, time.Now(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale failures: %w", err)
	}

	return result.RowsAffected()
}

func (r *tokenRepository) ResetStuckProactiveSchedules(ctx context.Context, cutoff, now time.Time) (int64, error) {
	query := `
		UPDATE cloud_tokens
		SET proactive_refresh_scheduled_at = NULL, updated_at = $1
		WHERE proactive_refresh_scheduled_at IS NOT NULL
		  AND proactive_refresh_scheduled_at < $2
		  AND expires_at > $3
	`

	result, err := r.db.DB.ExecContext(ctx, query, time.Now(), cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck proactive schedules: %w", err)
	}

	return result.RowsAffected()
}

func (r *tokenRepository) ClearOldNotificationTracking(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE cloud_tokens
		SET last_notification_sent_at = NULL, notification_failure_count = 0, updated_at = $1
		WHERE last_notification_sent_at IS NOT NULL AND last_notification_sent_at < $2
	`

	result, err := r.db.DB.ExecContext(ctx, query, time.Now(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clear old notification tracking: %w", err)
	}

	return result.RowsAffected()
}

func (r *tokenRepository) UserIDsWithTokens(ctx context.Context, provider string) ([]int64, error) {
	query := `SELECT user_id FROM cloud_tokens WHERE provider = $1`

	rows, err := r.db.DB.QueryContext(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list token holders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *tokenRepository) Delete(ctx context.Context, userID int64, provider string) error {
	query := `DELETE FROM cloud_tokens WHERE user_id = $1 AND provider = $2`

	if _, err := r.db.DB.ExecContext(ctx, query, userID, provider); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}

	return nil
}

func (r *tokenRepository) queryTokens(ctx context.Context, query string, args ...interface{}) ([]*entity.TokenRecord, error) {
	rows, err := r.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query token records: %w", err)
	}
	defer rows.Close()

	var records []*entity.TokenRecord
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*entity.TokenRecord, error) {
	var rec entity.TokenRecord
	var refreshToken, scopes sql.NullString
	var lastAttempt, proactiveAt, lastNotified sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Provider,
		&rec.AccessToken,
		&refreshToken,
		&rec.TokenType,
		&rec.ExpiresAt,
		&scopes,
		&rec.RefreshFailureCount,
		&lastAttempt,
		&rec.RequiresUserIntervention,
		&proactiveAt,
		&lastNotified,
		&rec.NotificationFailureCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.RefreshToken = refreshToken.String
	if scopes.Valid && scopes.String != "" {
		rec.Scopes = strings.Fields(scopes.String)
	}
	if lastAttempt.Valid {
		rec.LastRefreshAttemptAt = &lastAttempt.Time
	}
	if proactiveAt.Valid {
		rec.ProactiveRefreshScheduledAt = &proactiveAt.Time
	}
	if lastNotified.Valid {
		rec.LastNotificationSentAt = &lastNotified.Time
	}

	return &rec, nil
}
