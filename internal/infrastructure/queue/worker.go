package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"dropgate/internal/config"
)

// WorkerPool polls the queue and runs task handlers on parallel workers.
// Each worker recovers per-task so one bad task never takes a worker down.
type WorkerPool struct {
	queue        *Queue
	logger       *zap.Logger
	workerCount  int
	pollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkerPool(lc fx.Lifecycle, cfg *config.Config, q *Queue, logger *zap.Logger) *WorkerPool {
	pool := &WorkerPool{
		queue:        q,
		logger:       logger,
		workerCount:  cfg.Recovery.WorkerCount,
		pollInterval: cfg.Recovery.QueuePollInterval,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Stop()
			return nil
		},
	})

	return pool
}

func (p *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("Starting queue workers",
		zap.Int("workers", p.workerCount),
		zap.Duration("poll_interval", p.pollInterval),
	)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Queue workers stopped")
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, id)
		}
	}
}

// drain processes due tasks until the queue is empty or the context ends.
func (p *WorkerPool) drain(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.queue.pop(ctx)
		if err != nil {
			p.logger.Error("Failed to pop task", zap.Error(err), zap.Int("worker", workerID))
			return
		}
		if task == nil {
			return
		}

		p.process(ctx, task, workerID)
	}
}

func (p *WorkerPool) process(ctx context.Context, task *Task, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task handler panicked",
				zap.String("task", task.Name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
			)
		}
	}()

	handler, ok := p.queue.handler(task.Name)
	if !ok {
		p.logger.Error("No handler registered for task",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
		)
		return
	}

	if task.Expired(time.Now()) {
		p.logger.Warn("Task abandoned: retry deadline passed",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Time("retry_until", task.RetryUntil),
			zap.Int("attempts", task.Attempts),
		)
		return
	}

	err := handler(ctx, task)
	if err == nil {
		p.logger.Debug("Task completed",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Int("worker", workerID),
		)
		return
	}

	// Release puts the task back without consuming an attempt.
	if delay, released := releaseDelay(err); released {
		p.logger.Info("Task released back to queue",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Duration("delay", delay),
		)
		if scheduleErr := p.queue.schedule(ctx, task, delay); scheduleErr != nil {
			p.logger.Error("Failed to release task", zap.Error(scheduleErr), zap.String("task_id", task.ID))
		}
		return
	}

	task.Attempts++
	if task.Attempts >= task.MaxAttempts {
		p.logger.Error("Task failed permanently",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err),
		)
		return
	}

	delay := task.retryDelay()
	p.logger.Warn("Task failed, retrying",
		zap.String("task", task.Name),
		zap.String("task_id", task.ID),
		zap.Int("attempts", task.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	if scheduleErr := p.queue.schedule(ctx, task, delay); scheduleErr != nil {
		p.logger.Error("Failed to reschedule task", zap.Error(scheduleErr), zap.String("task_id", task.ID))
	}
}
