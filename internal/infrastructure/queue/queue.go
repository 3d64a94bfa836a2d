// Package queue is a redis-backed delayed task queue. Tasks live in a
// sorted set scored by ready time; multiple workers across processes pop
// atomically, so delivery is at-least-once with no ordering guarantee.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dropgate/internal/infrastructure/redis"
)

const scheduledKey = "dropgate:tasks:scheduled"

// popScript atomically removes and returns the first task whose ready time
// has passed. Atomicity is what keeps two workers from running the same
// task copy.
const popScript = `
local items = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #items == 0 then
	return false
end
redis.call("zrem", KEYS[1], items[1])
return items[1]
`

// HandlerFunc processes one task. Returning Release(d) re-enqueues the task
// after d without consuming an attempt; any other error counts one attempt.
type HandlerFunc func(ctx context.Context, task *Task) error

// TaskQueue is the producer side, consumed by services and jobs.
type TaskQueue interface {
	Enqueue(ctx context.Context, name string, payload interface{}, opts ...Option) error
}

// Queue is the full queue: producers enqueue, the worker pool pops and
// dispatches to registered handlers.
type Queue struct {
	redis    *redis.RedisClient
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewQueue(redisClient *redis.RedisClient, logger *zap.Logger) *Queue {
	return &Queue{
		redis:    redisClient,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a task name. Panics on duplicate registration
// so wiring mistakes surface at startup.
func (q *Queue) Register(name string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[name]; exists {
		panic(fmt.Sprintf("queue: handler already registered for %s", name))
	}
	q.handlers[name] = h
}

func (q *Queue) handler(name string) (HandlerFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue schedules a task.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}, opts ...Option) error {
	options := enqueueOptions{maxAttempts: 1}
	for _, opt := range opts {
		opt(&options)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}

	task := &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     body,
		MaxAttempts: options.maxAttempts,
		EnqueuedAt:  time.Now(),
		RetryUntil:  options.retryUntil,
	}

	return q.schedule(ctx, task, options.delay)
}

// schedule writes the task into the sorted set with its ready time.
func (q *Queue) schedule(ctx context.Context, task *Task, delay time.Duration) error {
	member, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.Name, err)
	}

	readyAt := time.Now().Add(delay)
	z := goredis.Z{Score: float64(readyAt.UnixMilli()), Member: string(member)}
	if err := q.redis.Client.ZAdd(ctx, scheduledKey, z).Err(); err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.Name, err)
	}

	q.logger.Debug("Task scheduled",
		zap.String("task", task.Name),
		zap.String("task_id", task.ID),
		zap.Duration("delay", delay),
		zap.Int("attempts", task.Attempts),
	)

	return nil
}

// pop atomically claims the next due task, returning nil when none is due.
func (q *Queue) pop(ctx context.Context) (*Task, error) {
	result, err := q.redis.Eval(ctx, popScript, []string{scheduledKey}, time.Now().UnixMilli())
	if err != nil {
		if redis.IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}

	raw, ok := result.(string)
	if !ok || raw == "" {
		return nil, nil
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}

	return &task, nil
}
