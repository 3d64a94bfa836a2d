package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"dropgate/internal/config"
)

var Module = fx.Module("database",
	fx.Provide(NewDatabase),
)

type Database struct {
	DB     *sql.DB
	logger *zap.Logger
}

func NewDatabase(cfg *config.Config, logger *zap.Logger) (*Database, error) {
	// Build PostgreSQL connection string
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected successfully",
		zap.String("driver", cfg.Database.Driver),
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	database := &Database{
		DB:     db,
		logger: logger,
	}

	// Run migrations
	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

func (d *Database) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS cloud_tokens (
			id SERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			provider VARCHAR(50) NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT DEFAULT '',
			token_type VARCHAR(50) NOT NULL DEFAULT 'Bearer',
			expires_at TIMESTAMP NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			refresh_failure_count INTEGER NOT NULL DEFAULT 0,
			last_refresh_attempt_at TIMESTAMP,
			requires_user_intervention BOOLEAN NOT NULL DEFAULT FALSE,
			proactive_refresh_scheduled_at TIMESTAMP,
			last_notification_sent_at TIMESTAMP,
			notification_failure_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, provider)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cloud_tokens_expires_at ON cloud_tokens(expires_at)`,
		`CREATE TABLE IF NOT EXISTS connection_health (
			id SERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			provider VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'disconnected',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_successful_operation_at TIMESTAMP,
			last_error_type VARCHAR(50) DEFAULT '',
			last_error_message TEXT DEFAULT '',
			token_expires_at TIMESTAMP,
			requires_reconnection BOOLEAN NOT NULL DEFAULT FALSE,
			last_live_validation_at TIMESTAMP,
			provider_data TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS file_uploads (
			id SERIAL PRIMARY KEY,
			company_user_id BIGINT,
			uploader_user_id BIGINT,
			storage_provider VARCHAR(50) NOT NULL,
			local_path TEXT NOT NULL,
			filename VARCHAR(255) NOT NULL,
			mime_type VARCHAR(255) NOT NULL DEFAULT 'application/octet-stream',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			provider_file_id TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			retry_recommended_at TIMESTAMP,
			cloud_error_type VARCHAR(50) NOT NULL DEFAULT '',
			cloud_error_message TEXT NOT NULL DEFAULT '',
			cloud_error_recoverable BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_uploads_status ON file_uploads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_file_uploads_company_user ON file_uploads(company_user_id)`,
		`CREATE TABLE IF NOT EXISTS api_logs (
			id SERIAL PRIMARY KEY,
			provider VARCHAR(50) NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL,
			method VARCHAR(10) NOT NULL,
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			user_id BIGINT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Info("Database migrations completed successfully")
	return nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}
