package jobs

import (
	"context"
	"errors"
	"time"
)

// Kind selects the download format.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Status represents the state of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	// ErrBusy is returned when the identity already has a job in flight.
	ErrBusy = errors.New("download already in progress")
	// ErrNotReserved is returned by Run when TryStart was not called first.
	ErrNotReserved = errors.New("job slot not reserved")
	// ErrDownloadFailed wraps a non-zero exit from the downloader.
	ErrDownloadFailed = errors.New("download failed")
	// ErrOutputMissing is returned when the downloader exits cleanly but no file is found.
	ErrOutputMissing = errors.New("download output not found")
	// ErrTimeout is returned when a job exceeds the maximum duration.
	ErrTimeout = errors.New("download timed out")
)

// Artifact is a locally produced media file.
type Artifact struct {
	Path     string
	MIMEType string
	Size     int64
}

// Job is a handle to a running download. Result is valid once Done is closed.
type Job struct {
	ID        string
	Identity  string
	URL       string
	Kind      Kind
	StartedAt time.Time

	done       chan struct{}
	status     Status
	artifact   Artifact
	err        error
	finishedAt time.Time
}

// Done is closed when the job resolves.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job resolves or ctx is done.
func (j *Job) Wait(ctx context.Context) (Artifact, error) {
	select {
	case <-j.done:
		return j.artifact, j.err
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
}

// Result returns the outcome. It must only be called after Done is closed.
func (j *Job) Result() (Artifact, error) {
	return j.artifact, j.err
}

// Status returns the job status. It must only be called after Done is closed
// to observe a terminal value.
func (j *Job) Status() Status {
	select {
	case <-j.done:
		return j.status
	default:
		return StatusRunning
	}
}

// Duration returns how long the job ran, or zero while it is running.
func (j *Job) Duration() time.Duration {
	select {
	case <-j.done:
		return j.finishedAt.Sub(j.StartedAt)
	default:
		return 0
	}
}
