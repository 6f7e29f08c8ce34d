package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/parley/internal/observability"
)

// gatedDownloader blocks every download until release is closed.
type gatedDownloader struct {
	release  chan struct{}
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	err      error
}

func newGatedDownloader() *gatedDownloader {
	return &gatedDownloader{release: make(chan struct{})}
}

func (g *gatedDownloader) Download(ctx context.Context, req Request) (Artifact, error) {
	g.calls.Add(1)
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
	if g.err != nil {
		return Artifact{}, g.err
	}
	return Artifact{Path: "/tmp/" + req.ID + ".mp4", MIMEType: "video/mp4"}, nil
}

func waitJob(t *testing.T, job *Job) (Artifact, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	artifact, err := job.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("job never resolved")
	}
	return artifact, err
}

func TestManager_TryStartIsExclusive(t *testing.T) {
	m := NewManager(newGatedDownloader())

	if !m.TryStart("user") {
		t.Fatal("first TryStart should succeed")
	}
	if m.TryStart("user") {
		t.Fatal("second TryStart should fail while reserved")
	}
	if !m.TryStart("other") {
		t.Error("other identities are independent")
	}
	m.Finish("user")
	if !m.TryStart("user") {
		t.Error("TryStart should succeed immediately after Finish")
	}
}

func TestManager_RunReleasesSlotOnSuccess(t *testing.T) {
	d := newGatedDownloader()
	m := NewManager(d)

	job, err := m.Start(context.Background(), "user", "https://youtu.be/x", KindVideo)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m.TryStart("user") {
		t.Fatal("TryStart must fail while the job is unresolved")
	}
	if _, err := m.Start(context.Background(), "user", "https://youtu.be/y", KindAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("Start() while busy error = %v, want ErrBusy", err)
	}

	close(d.release)
	artifact, err := waitJob(t, job)
	if err != nil {
		t.Fatalf("job error = %v", err)
	}
	if artifact.MIMEType != "video/mp4" {
		t.Errorf("MIMEType = %q", artifact.MIMEType)
	}
	if job.Status() != StatusSucceeded {
		t.Errorf("Status() = %q, want succeeded", job.Status())
	}
	if m.Active("user") {
		t.Error("slot should be released after the job resolves")
	}
	if !m.TryStart("user") {
		t.Error("TryStart should succeed after the job resolves")
	}
}

func TestManager_RunReleasesSlotOnFailure(t *testing.T) {
	d := newGatedDownloader()
	d.err = ErrDownloadFailed
	close(d.release)
	m := NewManager(d)

	job, err := m.Start(context.Background(), "user", "https://example.com", KindVideo)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := waitJob(t, job); !errors.Is(err, ErrDownloadFailed) {
		t.Errorf("job error = %v, want ErrDownloadFailed", err)
	}
	if job.Status() != StatusFailed {
		t.Errorf("Status() = %q, want failed", job.Status())
	}
	if m.Active("user") {
		t.Error("slot should be released after failure")
	}
}

func TestManager_RunRequiresReservation(t *testing.T) {
	m := NewManager(newGatedDownloader())
	if _, err := m.Run(context.Background(), "user", "https://example.com", KindVideo); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Run() error = %v, want ErrNotReserved", err)
	}

	d := newGatedDownloader()
	m = NewManager(d)
	m.TryStart("user")
	if _, err := m.Run(context.Background(), "user", "https://example.com", KindVideo); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := m.Run(context.Background(), "user", "https://example.com", KindVideo); !errors.Is(err, ErrNotReserved) {
		t.Errorf("second Run() on one reservation error = %v, want ErrNotReserved", err)
	}
	close(d.release)
}

func TestManager_MaxDuration(t *testing.T) {
	d := newGatedDownloader()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	m := NewManager(d, WithMaxDuration(50*time.Millisecond), WithMetrics(metrics))

	job, err := m.Start(context.Background(), "user", "https://example.com", KindAudio)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := waitJob(t, job); !errors.Is(err, ErrTimeout) {
		t.Errorf("job error = %v, want ErrTimeout", err)
	}
	if m.Active("user") {
		t.Error("slot should be released after timeout")
	}
	if got := testutil.ToFloat64(metrics.JobCounter.WithLabelValues("audio", "timeout")); got != 1 {
		t.Errorf("timeout count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveJobs); got != 0 {
		t.Errorf("ActiveJobs = %v, want 0", got)
	}
}

func TestManager_CallerCancelDoesNotAbortJob(t *testing.T) {
	d := newGatedDownloader()
	m := NewManager(d)

	ctx, cancel := context.WithCancel(context.Background())
	job, err := m.Start(ctx, "user", "https://example.com", KindVideo)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-job.Done():
		t.Fatal("job resolved after the triggering context was cancelled")
	case <-time.After(50 * time.Millisecond):
	}
	close(d.release)
	if _, err := waitJob(t, job); err != nil {
		t.Errorf("job error = %v", err)
	}
}

func TestManager_PanicResolvesJob(t *testing.T) {
	m := NewManager(DownloaderFunc(func(ctx context.Context, req Request) (Artifact, error) {
		panic("boom")
	}))

	job, err := m.Start(context.Background(), "user", "https://example.com", KindVideo)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := waitJob(t, job); !errors.Is(err, ErrDownloadFailed) {
		t.Errorf("job error = %v, want ErrDownloadFailed", err)
	}
	if m.Active("user") {
		t.Error("slot should be released after panic")
	}
}

func TestManager_AtMostOnePerIdentity(t *testing.T) {
	d := newGatedDownloader()
	m := NewManager(d)

	var wg sync.WaitGroup
	var started atomic.Int32
	jobs := make(chan *Job, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if job, err := m.Start(context.Background(), "user", "https://example.com", KindVideo); err == nil {
				started.Add(1)
				jobs <- job
			}
		}()
	}
	wg.Wait()
	close(jobs)

	if started.Load() != 1 {
		t.Errorf("started %d jobs, want 1", started.Load())
	}
	close(d.release)
	for job := range jobs {
		waitJob(t, job)
	}
	if d.maxSeen.Load() != 1 {
		t.Errorf("max concurrent downloads = %d, want 1", d.maxSeen.Load())
	}
}

func TestManager_Shutdown(t *testing.T) {
	d := newGatedDownloader()
	m := NewManager(d)

	job, _ := m.Start(context.Background(), "user", "https://example.com", KindVideo)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := job.Result(); !errors.Is(err, context.Canceled) {
		t.Errorf("job error = %v, want context.Canceled", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}
