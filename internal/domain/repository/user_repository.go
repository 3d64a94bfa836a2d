package repository

import (
	"context"

	"dropgate/internal/domain/entity"
)

type UserRepository interface {
	// FindByID returns the user, or nil without error when absent.
	FindByID(ctx context.Context, id int64) (*entity.User, error)

	// FindAdminFallback returns the admin that receives orphaned recovery
	// notifications. With multiple admins the lowest id wins so the choice
	// is deterministic.
	FindAdminFallback(ctx context.Context) (*entity.User, error)
}
