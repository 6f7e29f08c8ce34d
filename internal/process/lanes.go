// Package process provides keyed task lanes: tasks sharing a key run one at
// a time in arrival order, while different keys run in parallel.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultWarnAfter is the default threshold for warning about long waits.
const DefaultWarnAfter = 2 * time.Second

// ErrClosed is returned when enqueueing after Close.
var ErrClosed = errors.New("lanes closed")

// Task is a unit of work executed inside a lane.
type Task func(ctx context.Context) error

// queueEntry is a task waiting in a lane.
type queueEntry struct {
	task       Task
	enqueuedAt time.Time
}

// laneState holds the backlog of a single key. A lane exists only while it
// has queued or running work; its consumer goroutine exits when it drains.
type laneState struct {
	key     string
	queue   []*queueEntry
	running bool
}

// Options configures Lanes.
type Options struct {
	// WarnAfter is the wait time after which OnWait fires. Defaults to DefaultWarnAfter.
	WarnAfter time.Duration
	// OnWait is called when a task waited longer than WarnAfter.
	OnWait func(key string, waited time.Duration, queuedAhead int)
	// OnError is called when a task returns an error or panics. The error
	// never propagates further.
	OnError func(key string, err error)
	// Logger receives task failures when OnError is nil.
	Logger *slog.Logger
}

// Lanes runs tasks serialized per key.
type Lanes struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options

	mu      sync.Mutex
	lanes   map[string]*laneState
	pending int
	idleCh  chan struct{}
	closed  bool
}

// NewLanes creates lanes whose tasks run with a context derived from ctx.
func NewLanes(ctx context.Context, opts Options) *Lanes {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = DefaultWarnAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	idle := make(chan struct{})
	close(idle)
	return &Lanes{
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		lanes:  make(map[string]*laneState),
		idleCh: idle,
	}
}

// Enqueue appends task to the lane for key and returns immediately.
func (l *Lanes) Enqueue(key string, task Task) error {
	if task == nil {
		return fmt.Errorf("process: nil task")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if l.pending == 0 {
		l.idleCh = make(chan struct{})
	}
	l.pending++

	entry := &queueEntry{task: task, enqueuedAt: time.Now()}
	state, exists := l.lanes[key]
	if exists {
		state.queue = append(state.queue, entry)
		return nil
	}

	state = &laneState{key: key, queue: []*queueEntry{entry}}
	l.lanes[key] = state
	go l.pump(state)
	return nil
}

// pump is the single consumer for a lane.
func (l *Lanes) pump(state *laneState) {
	for {
		l.mu.Lock()
		if len(state.queue) == 0 {
			delete(l.lanes, state.key)
			l.mu.Unlock()
			return
		}
		entry := state.queue[0]
		state.queue[0] = nil
		state.queue = state.queue[1:]
		state.running = true
		queuedAhead := len(state.queue)
		l.mu.Unlock()

		if waited := time.Since(entry.enqueuedAt); waited >= l.opts.WarnAfter && l.opts.OnWait != nil {
			l.opts.OnWait(state.key, waited, queuedAhead)
		}

		l.execute(state.key, entry.task)

		l.mu.Lock()
		state.running = false
		l.pending--
		if l.pending == 0 {
			close(l.idleCh)
		}
		l.mu.Unlock()
	}
}

// execute runs a task, converting panics into errors.
func (l *Lanes) execute(key string, task Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
			}
		}()
		err = task(l.ctx)
	}()

	if err == nil {
		return
	}
	if l.opts.OnError != nil {
		l.opts.OnError(key, err)
		return
	}
	l.opts.Logger.Error("lane task failed", "key", key, "error", err)
}

// Pending returns queued plus running tasks for key.
func (l *Lanes) Pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.lanes[key]
	if !ok {
		return 0
	}
	n := len(state.queue)
	if state.running {
		n++
	}
	return n
}

// ActiveLanes returns the number of keys with outstanding work.
func (l *Lanes) ActiveLanes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Idle blocks until no task is queued or running, or ctx is done.
func (l *Lanes) Idle(ctx context.Context) error {
	l.mu.Lock()
	ch := l.idleCh
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued work to drain. If ctx
// expires first, the task context is cancelled and ctx.Err is returned.
func (l *Lanes) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	err := l.Idle(ctx)
	l.cancel()
	return err
}
