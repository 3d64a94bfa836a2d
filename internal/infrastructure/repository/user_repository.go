package repository

import (
	"context"
	"database/sql"
	"fmt"

	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/infrastructure/database"
)

type userRepository struct {
	db *database.Database
}

func NewUserRepository(db *database.Database) repository.UserRepository {
	return &userRepository{
		db: db,
	}
}

func (r *userRepository) FindByID(ctx context.Context, id int64) (*entity.User, error) {
	query := `SELECT id, email, name, is_admin, created_at, updated_at FROM users WHERE id = $1`

	var user entity.User
	err := r.db.DB.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.Name, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	return &user, nil
}

func (r *userRepository) FindAdminFallback(ctx context.Context) (*entity.User, error) {
	// Lowest id wins so the fallback is deterministic across workers.
	query := `SELECT id, email, name, is_admin, created_at, updated_at FROM users WHERE is_admin = TRUE ORDER BY id LIMIT 1`

	var user entity.User
	err := r.db.DB.QueryRowContext(ctx, query).Scan(
		&user.ID, &user.Email, &user.Name, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find fallback admin: %w", err)
	}

	return &user, nil
}
