package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dropgate/internal/config"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/domain/storage"
)

// authCodeProvider is implemented by OAuth-based adapters.
type authCodeProvider interface {
	AuthCodeURL(state string) string
}

// ConnectionService handles the cloud storage connect and disconnect flows.
type ConnectionService struct {
	tokens    repository.TokenRepository
	health    repository.HealthRepository
	provider  storage.CloudStorageProvider
	validator *HealthValidator
	config    *config.Config
	logger    *zap.Logger
}

func NewConnectionService(
	tokens repository.TokenRepository,
	health repository.HealthRepository,
	provider storage.CloudStorageProvider,
	validator *HealthValidator,
	cfg *config.Config,
	logger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		tokens:    tokens,
		health:    health,
		provider:  provider,
		validator: validator,
		config:    cfg,
		logger:    logger,
	}
}

// AuthURL returns the consent page URL for providers with an OAuth
// handshake.
func (s *ConnectionService) AuthURL(state string) (string, error) {
	p, ok := s.provider.(authCodeProvider)
	if !ok {
		return "", storage.ErrNotSupported
	}
	return p.AuthCodeURL(state), nil
}

// Connect completes the OAuth handshake and stores the credentials. Any
// prior failure state is cleared: a manual reconnect is the recovery path
// for intervention-class errors.
func (s *ConnectionService) Connect(ctx context.Context, userID int64, code string) error {
	creds, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to complete handshake: %w", err)
	}

	if err := s.tokens.SaveTokens(ctx, userID, s.provider.Name(), creds); err != nil {
		return err
	}

	// Drop stale health state so the next validation starts clean.
	if err := s.health.Delete(ctx, userID, s.provider.Name()); err != nil {
		s.logger.Warn("Failed to reset health state on connect", zap.Error(err))
	}
	s.validator.InvalidateCache(ctx, userID, s.provider.Name())

	s.logger.Info("Cloud storage connected",
		zap.Int64("user_id", userID),
		zap.String("provider", s.provider.Name()),
	)

	return nil
}

// Disconnect removes the stored credentials and health state.
func (s *ConnectionService) Disconnect(ctx context.Context, userID int64) error {
	if err := s.tokens.Delete(ctx, userID, s.provider.Name()); err != nil {
		return err
	}
	if err := s.health.Delete(ctx, userID, s.provider.Name()); err != nil {
		s.logger.Warn("Failed to delete health state on disconnect", zap.Error(err))
	}
	s.validator.InvalidateCache(ctx, userID, s.provider.Name())

	s.logger.Info("Cloud storage disconnected",
		zap.Int64("user_id", userID),
		zap.String("provider", s.provider.Name()),
	)

	return nil
}

// Status returns the current consolidated connection health for the user.
func (s *ConnectionService) Status(ctx context.Context, userID int64) (*entity.HealthStatus, error) {
	return s.validator.ValidateConnectionHealth(ctx, userID, s.provider.Name())
}
