// Package service assembles the full application from its fx modules and
// handles process lifecycle.
package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"

	"dropgate/internal/clock"
	"dropgate/internal/config"
	deliveryhttp "dropgate/internal/delivery/http"
	"dropgate/internal/infrastructure/database"
	"dropgate/internal/infrastructure/httpclient"
	"dropgate/internal/infrastructure/lock"
	"dropgate/internal/infrastructure/logger"
	"dropgate/internal/infrastructure/queue"
	"dropgate/internal/infrastructure/redis"
	"dropgate/internal/infrastructure/repository"
	"dropgate/internal/infrastructure/spool"
	"dropgate/internal/infrastructure/storage"
	"dropgate/internal/jobs"
	"dropgate/internal/notification"
	"dropgate/internal/server"
	"dropgate/internal/usecase"
)

// Application wraps the fx.App for process management
type Application struct {
	app      *fx.App
	ctx      context.Context
	cancel   context.CancelFunc
	doneChan chan struct{}
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:      ctx,
		cancel:   cancel,
		doneChan: make(chan struct{}),
	}
}

// Modules is the full application wiring, shared by main and tests.
func Modules() []fx.Option {
	return []fx.Option{
		// Configuration
		config.Module,

		// Infrastructure
		logger.Module,
		clock.Module,
		database.Module,
		redis.Module,
		lock.Module,
		queue.Module,
		spool.Module,
		repository.Module,
		httpclient.Module,
		storage.Module,
		notification.Module,

		// Business Logic
		usecase.Module,
		jobs.Module,

		// Delivery
		deliveryhttp.Module,

		// Server
		server.Module,
	}
}

// Run starts the application
func (a *Application) Run() {
	a.app = fx.New(
		append([]fx.Option{
			fx.Provide(func() context.Context { return a.ctx }),
		}, Modules()...)...,
	)

	// Start the application
	if err := a.app.Start(a.ctx); err != nil {
		return
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		a.Shutdown()
	case <-a.ctx.Done():
		// Context was cancelled
	}

	close(a.doneChan)
}

// Shutdown gracefully shuts down the application
func (a *Application) Shutdown() {
	a.cancel()
	if a.app != nil {
		ctx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
		defer cancel()
		a.app.Stop(ctx)
	}
}

// Wait blocks until the application exits
func (a *Application) Wait() {
	<-a.doneChan
}
