package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersOnRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.MessageReceived("whatsapp")
	m.SetActiveSessions(3)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}

	// A second registry must accept a fresh set without panicking.
	NewMetrics(prometheus.NewRegistry())
}

func TestRecordAdmission(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAdmission("allowed")
	m.RecordAdmission("allowed")
	m.RecordAdmission("cooldown")

	expected := `
		# HELP parley_admissions_total Rate limiter decisions by result
		# TYPE parley_admissions_total counter
		parley_admissions_total{result="allowed"} 2
		parley_admissions_total{result="cooldown"} 1
	`
	if err := testutil.CollectAndCompare(m.AdmissionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestJobLifecycleMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.JobStarted()
	m.JobStarted()
	if got := testutil.ToFloat64(m.ActiveJobs); got != 2 {
		t.Errorf("ActiveJobs = %v, want 2", got)
	}

	m.JobFinished("video", "success", 12)
	m.JobRejected("audio")
	if got := testutil.ToFloat64(m.ActiveJobs); got != 1 {
		t.Errorf("ActiveJobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobCounter.WithLabelValues("video", "success")); got != 1 {
		t.Errorf("video success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobCounter.WithLabelValues("audio", "busy")); got != 1 {
		t.Errorf("audio busy = %v, want 1", got)
	}
}

func TestRecordAIRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAIRequest("llama-3.1-8b-instant", "error", 15)
	m.RecordAIRequest("mixtral-8x7b-32768", "success", 0.8)

	if got := testutil.ToFloat64(m.AIRequestCounter.WithLabelValues("llama-3.1-8b-instant", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.AIRequestDuration); count != 2 {
		t.Errorf("expected 2 duration series, got %d", count)
	}
}

func TestSessionsEvicted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SessionsEvicted(0)
	m.SessionsEvicted(4)
	if got := testutil.ToFloat64(m.EvictedSessions); got != 4 {
		t.Errorf("EvictedSessions = %v, want 4", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageReceived("telegram")
	m.MessageSent("telegram")
	m.RecordAdmission("allowed")
	m.RecordTransition("none", "ai_chat")
	m.RecordDelivery("sent", 0.5)
	m.RecordAIRequest("model", "success", 1)
	m.JobStarted()
	m.JobFinished("video", "success", 1)
	m.JobRejected("video")
	m.SetActiveSessions(1)
	m.SessionsEvicted(1)
}
