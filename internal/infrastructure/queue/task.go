package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task is one unit of background work. Tasks survive process restarts in
// redis and are delivered at least once, so handlers must be idempotent.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryUntil  time.Time       `json:"retry_until,omitempty"` // zero = no deadline
}

// Bind unmarshals the task payload into v.
func (t *Task) Bind(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", t.Name, err)
	}
	return nil
}

// Expired reports whether the task's wall-clock retry deadline has passed.
func (t *Task) Expired(now time.Time) bool {
	return !t.RetryUntil.IsZero() && now.After(t.RetryUntil)
}

// retryDelay is the default backoff between failed attempts, used when the
// handler did not schedule its own follow-up.
func (t *Task) retryDelay() time.Duration {
	shift := t.Attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 5 {
		shift = 5
	}
	return 30 * time.Second * time.Duration(1<<uint(shift))
}

// releaseError tells the worker to put the task back on the queue with a
// delay without counting an attempt. Used while waiting on external state,
// e.g. connection health recovery.
type releaseError struct {
	after time.Duration
}

func (e *releaseError) Error() string {
	return fmt.Sprintf("task released for %s", e.after)
}

// Release returns the sentinel error that re-enqueues the current task
// after the given delay.
func Release(after time.Duration) error {
	return &releaseError{after: after}
}

// releaseDelay extracts the release delay when err is a release sentinel.
func releaseDelay(err error) (time.Duration, bool) {
	var rel *releaseError
	if errors.As(err, &rel) {
		return rel.after, true
	}
	return 0, false
}

type enqueueOptions struct {
	delay       time.Duration
	maxAttempts int
	retryUntil  time.Time
}

// Option configures an enqueued task.
type Option func(*enqueueOptions)

// WithDelay schedules the task to become ready after d.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// WithMaxAttempts sets the attempt ceiling (default 1).
func WithMaxAttempts(n int) Option {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// WithRetryUntil abandons the task once the wall-clock deadline passes.
func WithRetryUntil(deadline time.Time) Option {
	return func(o *enqueueOptions) {
		o.retryUntil = deadline
	}
}
