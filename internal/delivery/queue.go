// Package delivery serializes outbound sends per chat and paces them globally.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/process"
)

// Config configures outbound pacing.
type Config struct {
	// GlobalMinInterval is the minimum gap between any two sends.
	GlobalMinInterval time.Duration `yaml:"global_min_interval"`
	// TypingMin and TypingMax bound the simulated typing delay before a message.
	TypingMin time.Duration `yaml:"typing_min"`
	TypingMax time.Duration `yaml:"typing_max"`
}

// DefaultConfig returns the default pacing configuration.
func DefaultConfig() Config {
	return Config{
		GlobalMinInterval: time.Second,
		TypingMin:         800 * time.Millisecond,
		TypingMax:         1600 * time.Millisecond,
	}
}

// Task is a send operation. Errors and panics are logged and swallowed.
type Task func(ctx context.Context) error

// Queue runs tasks in FIFO order per chat key, one at a time, with a shared
// global pacer in front of every task.
type Queue struct {
	cfg     Config
	lanes   *process.Lanes
	pacer   *Pacer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewQueue creates a queue whose tasks run under ctx.
func NewQueue(ctx context.Context, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "delivery")
	q := &Queue{
		cfg:     cfg,
		pacer:   NewPacer(cfg.GlobalMinInterval),
		logger:  logger,
		metrics: metrics,
	}
	q.lanes = process.NewLanes(ctx, process.Options{
		Logger: logger,
		OnWait: func(key string, waited time.Duration, queuedAhead int) {
			logger.Warn("delivery backlog", "chat", key, "waited", waited, "queued_ahead", queuedAhead)
		},
		OnError: func(key string, err error) {
			logger.Error("delivery task failed", "chat", key, "error", err)
		},
	})
	return q
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Pacer exposes the global pacer.
func (q *Queue) Pacer() *Pacer {
	return q.pacer
}

// Enqueue schedules task for chatKey and returns immediately.
func (q *Queue) Enqueue(chatKey string, task Task) error {
	if task == nil {
		return fmt.Errorf("delivery: nil task")
	}
	return q.lanes.Enqueue(chatKey, func(ctx context.Context) error {
		waited, err := q.pacer.Wait(ctx)
		if err != nil {
			q.metrics.RecordDelivery("failed", waited.Seconds())
			return fmt.Errorf("pacing: %w", err)
		}
		err = runTask(ctx, task)
		q.pacer.Mark()
		if err != nil {
			q.metrics.RecordDelivery("failed", waited.Seconds())
			return err
		}
		q.metrics.RecordDelivery("sent", waited.Seconds())
		return nil
	})
}

// Pending returns queued plus running tasks for chatKey.
func (q *Queue) Pending(chatKey string) int {
	return q.lanes.Pending(chatKey)
}

// Idle blocks until every queued task has run.
func (q *Queue) Idle(ctx context.Context) error {
	return q.lanes.Idle(ctx)
}

// Close stops accepting tasks and drains the backlog.
func (q *Queue) Close(ctx context.Context) error {
	return q.lanes.Close(ctx)
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}
