// Package jobs runs at most one background download per identity.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/observability"
)

// Request describes one download.
type Request struct {
	// ID is unique per job and appears in the output file name.
	ID   string
	URL  string
	Kind Kind
}

// Downloader fetches a URL into a local file.
type Downloader interface {
	Download(ctx context.Context, req Request) (Artifact, error)
}

// DownloaderFunc adapts a function to Downloader.
type DownloaderFunc func(ctx context.Context, req Request) (Artifact, error)

// Download implements Downloader.
func (f DownloaderFunc) Download(ctx context.Context, req Request) (Artifact, error) {
	return f(ctx, req)
}

// slot is the active-set entry for an identity. job is nil between TryStart and Run.
type slot struct {
	job    *Job
	cancel context.CancelFunc
}

// Manager tracks the active-download set.
type Manager struct {
	downloader  Downloader
	maxDuration time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	newID       func() string
	nowFunc     func() time.Time

	mu     sync.Mutex
	active map[string]*slot
	wg     sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records job counters and durations.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer wraps each job in a span.
func WithTracer(tracer *observability.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

// WithMaxDuration bounds every job. Zero disables the bound.
func WithMaxDuration(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxDuration = d }
}

// NewManager creates a manager backed by downloader.
func NewManager(downloader Downloader, opts ...ManagerOption) *Manager {
	m := &Manager{
		downloader:  downloader,
		maxDuration: DefaultMaxDuration,
		logger:      slog.Default(),
		newID:       uuid.NewString,
		nowFunc:     time.Now,
		active:      make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "jobs")
	return m
}

// TryStart atomically reserves the job slot for identity. It returns false
// if a job is already reserved or running.
func (m *Manager) TryStart(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[identity]; busy {
		return false
	}
	m.active[identity] = &slot{}
	return true
}

// Finish releases the slot for identity. Run calls it exactly once when the
// job resolves; callers only call it to release a reservation they will not run.
func (m *Manager) Finish(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, identity)
}

// Active reports whether identity has a reserved or running job.
func (m *Manager) Active(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[identity]
	return ok
}

// Len returns the number of reserved or running jobs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Start reserves the slot and runs the job, failing with ErrBusy if a job is
// already in flight for identity.
func (m *Manager) Start(ctx context.Context, identity, url string, kind Kind) (*Job, error) {
	if !m.TryStart(identity) {
		m.metrics.JobRejected(string(kind))
		return nil, ErrBusy
	}
	return m.Run(ctx, identity, url, kind)
}

// Run launches the download for a slot reserved with TryStart and returns
// immediately. The slot is released exactly once when the job resolves.
func (m *Manager) Run(ctx context.Context, identity, url string, kind Kind) (*Job, error) {
	job := &Job{
		ID:        m.newID(),
		Identity:  identity,
		URL:       url,
		Kind:      kind,
		StartedAt: m.nowFunc(),
		done:      make(chan struct{}),
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if m.maxDuration > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), m.maxDuration)
	} else {
		runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	m.mu.Lock()
	s, reserved := m.active[identity]
	if !reserved || s.job != nil {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrNotReserved, identity)
	}
	s.job = job
	s.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.JobStarted()
	m.logger.Info("download started", "identity", identity, "job_id", job.ID, "kind", kind)

	go m.execute(runCtx, cancel, job)
	return job, nil
}

func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, job *Job) {
	defer m.wg.Done()
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "jobs.download")
	defer span.End()

	var once sync.Once
	resolve := func(artifact Artifact, err error) {
		once.Do(func() {
			job.artifact = artifact
			job.err = err
			job.finishedAt = m.nowFunc()
			job.status = StatusSucceeded
			outcome := "success"
			if err != nil {
				job.status = StatusFailed
				outcome = "failed"
				if errors.Is(err, ErrTimeout) {
					outcome = "timeout"
				}
				observability.RecordError(span, err)
			}
			m.Finish(job.Identity)
			m.metrics.JobFinished(string(job.Kind), outcome, job.finishedAt.Sub(job.StartedAt).Seconds())
			close(job.done)
		})
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("download panicked", "identity", job.Identity, "job_id", job.ID, "panic", r)
			resolve(Artifact{}, fmt.Errorf("%w: panic: %v", ErrDownloadFailed, r))
		}
	}()

	artifact, err := m.downloader.Download(ctx, Request{ID: job.ID, URL: job.URL, Kind: job.Kind})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, m.maxDuration, err)
	}
	if err != nil {
		m.logger.Warn("download failed", "identity", job.Identity, "job_id", job.ID, "error", err)
	} else {
		m.logger.Info("download finished", "identity", job.Identity, "job_id", job.ID, "path", artifact.Path)
	}
	resolve(artifact, err)
}

// Shutdown cancels running jobs and waits for them to resolve.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, s := range m.active {
		if s.cancel != nil {
			s.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
