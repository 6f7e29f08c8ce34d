package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/observability"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "config", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeConfig(t, `
channels:
  telegram:
    enabled: true
    token: "123:abc"
`)
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "telegram: enabled") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "whatsapp: disabled") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConfigValidateCommandReportsIssues(t *testing.T) {
	path := writeConfig(t, "rate_limit:\n  cooldown: -1s\n")
	cmd := buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "rate_limit.cooldown") || !strings.Contains(err.Error(), "at least one channel") {
		t.Errorf("error = %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "parley dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestBuildPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "123:abc"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p, err := buildPipeline(cfg, logger, metrics, nil)
	if err != nil {
		t.Fatalf("buildPipeline() error = %v", err)
	}
	if p.registry.Len() != 1 {
		t.Errorf("registry has %d adapters, want 1", p.registry.Len())
	}
	if p.whatsapp != nil {
		t.Error("whatsapp adapter should not be created when disabled")
	}
	p.shutdown(logger, nil, func(context.Context) error { return nil })
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.NewMetrics(reg).MessageReceived("telegram")

	srv := httptest.NewServer(newMetricsServer(config.MetricsConfig{Addr: ":0", Path: "/metrics"}, reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `parley_messages_total{channel="telegram",direction="inbound"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestRenderQR(t *testing.T) {
	var out bytes.Buffer
	if err := renderQR(&out, "2@abcdef,ghijkl,mnopqr"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Linked devices") || out.Len() < 100 {
		t.Errorf("unexpected QR output:\n%s", out.String())
	}
}

func TestPrintPairingCodesSkipsNonTerminal(t *testing.T) {
	codes := make(chan string, 1)
	codes <- "code"
	close(codes)

	var out bytes.Buffer
	printPairingCodes(&out, codes, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if out.Len() != 0 {
		t.Errorf("expected no output for a non-terminal writer, got %q", out.String())
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PARLEY_TEST_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PARLEY_TEST_TOKEN", "")
	os.Unsetenv("PARLEY_TEST_TOKEN")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}
	if got := os.Getenv("PARLEY_TEST_TOKEN"); got != "from-dotenv" {
		t.Errorf("PARLEY_TEST_TOKEN = %q", got)
	}
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
}

func TestConfigValidateUsesEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("PARLEY_TEST_TG=123:abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PARLEY_TEST_TG", "")
	os.Unsetenv("PARLEY_TEST_TG")
	path := writeConfig(t, "channels:\n  telegram:\n    enabled: true\n    token: ${PARLEY_TEST_TG}\n")

	cmd := buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", path, "--env-file", envPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}
