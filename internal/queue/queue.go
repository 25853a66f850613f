// Package queue provides the reliable task queue the process engine dispatches
// step work through. Delivery is at-least-once: handlers must be idempotent.
// Two implementations are provided: an in-process pool for development and
// tests, and a Redis-backed queue for worker fleets.
package queue

import (
	"context"
	"time"
)

// Handler processes one task payload. Returning an error marked transient
// (internal/errors) makes the queue redeliver up to its retry limit; any
// other error drops the task after logging.
type Handler func(ctx context.Context, payload []byte) error

// Options control a single enqueue.
type Options struct {
	// Queue overrides the default queue name.
	Queue string
	// Delay postpones delivery.
	Delay time.Duration
}

// Queue is the surface the engine consumes.
type Queue interface {
	Enqueue(ctx context.Context, task string, payload []byte, opts Options) error
	RegisterHandler(task string, h Handler)
}

// Runner is implemented by queues that own worker goroutines.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
}
