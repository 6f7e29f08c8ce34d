package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrNotConfigured means no API key or no models are set.
	ErrNotConfigured = errors.New("ai gateway not configured")
	// ErrUnavailable means every configured model failed.
	ErrUnavailable = errors.New("all ai models failed")
	// ErrEmptyCompletion means a 2xx response carried no usable content.
	ErrEmptyCompletion = errors.New("empty completion")
)

// FailureReason categorizes why one model attempt failed.
type FailureReason string

const (
	ReasonTimeout        FailureReason = "timeout"
	ReasonRateLimit      FailureReason = "rate_limit"
	ReasonAuth           FailureReason = "auth"
	ReasonServerError    FailureReason = "server_error"
	ReasonInvalidRequest FailureReason = "invalid_request"
	ReasonEmpty          FailureReason = "empty"
	ReasonUnknown        FailureReason = "unknown"
)

// AttemptError is the failure of a single model attempt.
type AttemptError struct {
	Model  string
	Reason FailureReason
	Status int
	Cause  error
}

// Error implements the error interface.
func (e *AttemptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] model=%s", e.Reason, e.Model)
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Cause != nil {
		b.WriteString(" ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *AttemptError) Unwrap() error {
	return e.Cause
}

// newAttemptError classifies err from the openai client.
func newAttemptError(model string, err error) *AttemptError {
	ae := &AttemptError{Model: model, Reason: ReasonUnknown, Cause: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.Is(err, ErrEmptyCompletion):
		ae.Reason = ReasonEmpty
	case errors.Is(err, context.DeadlineExceeded):
		ae.Reason = ReasonTimeout
	case errors.As(err, &apiErr):
		ae.Status = apiErr.HTTPStatusCode
		ae.Reason = classifyStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		ae.Status = reqErr.HTTPStatusCode
		ae.Reason = classifyStatus(reqErr.HTTPStatusCode)
	}
	return ae
}

func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
