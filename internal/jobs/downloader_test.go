package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess stands in for the downloader binary. It is not a real test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}

	switch os.Getenv("HELPER_MODE") {
	case "fail":
		fmt.Fprintln(os.Stderr, "ERROR: Unsupported URL")
		os.Exit(1)
	case "nofile":
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}

	var template, ext string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-o":
			template = args[i+1]
		case "-f":
			ext = args[i+1]
		case "--audio-format":
			ext = args[i+1]
		}
	}
	path := strings.Replace(template, "%(ext)s", ext, 1)
	if err := os.WriteFile(path, []byte("media"), 0o600); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func helperDownloader(t *testing.T, mode string) *CommandDownloader {
	t.Helper()
	return NewCommandDownloader(Config{
		Binary:    os.Args[0],
		Args:      []string{"-test.run=TestHelperProcess", "--"},
		OutputDir: t.TempDir(),
		Env:       []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
	}, nil)
}

func TestCommandDownloader_Args(t *testing.T) {
	d := NewCommandDownloader(Config{OutputDir: "/tmp/out"}, nil)

	tests := []struct {
		name string
		kind Kind
		want []string
	}{
		{
			name: "video",
			kind: KindVideo,
			want: []string{"-f", "mp4", "-o", "/tmp/out/abc.%(ext)s", "https://youtu.be/x"},
		},
		{
			name: "audio",
			kind: KindAudio,
			want: []string{"-x", "--audio-format", "mp3", "-o", "/tmp/out/abc.%(ext)s", "https://youtu.be/x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Args(Request{ID: "abc", URL: "https://youtu.be/x", Kind: tt.kind})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandDownloader_Video(t *testing.T) {
	d := helperDownloader(t, "ok")

	artifact, err := d.Download(context.Background(), Request{ID: "job-1", URL: "https://youtu.be/x", Kind: KindVideo})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if filepath.Base(artifact.Path) != "job-1.mp4" {
		t.Errorf("Path = %q, want job-1.mp4", artifact.Path)
	}
	if artifact.MIMEType != "video/mp4" {
		t.Errorf("MIMEType = %q, want video/mp4", artifact.MIMEType)
	}
	if artifact.Size != int64(len("media")) {
		t.Errorf("Size = %d", artifact.Size)
	}

	if err := Remove(artifact); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(artifact.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact still present after Remove: %v", err)
	}
	if err := Remove(artifact); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestCommandDownloader_Audio(t *testing.T) {
	d := helperDownloader(t, "ok")

	artifact, err := d.Download(context.Background(), Request{ID: "job-2", URL: "https://youtu.be/x", Kind: KindAudio})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if artifact.MIMEType != "audio/mpeg" {
		t.Errorf("MIMEType = %q, want audio/mpeg", artifact.MIMEType)
	}
}

func TestCommandDownloader_Failures(t *testing.T) {
	tests := []struct {
		mode string
		want error
	}{
		{"fail", ErrDownloadFailed},
		{"nofile", ErrOutputMissing},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			d := helperDownloader(t, tt.mode)
			_, err := d.Download(context.Background(), Request{ID: "job-3", URL: "https://example.com", Kind: KindVideo})
			if !errors.Is(err, tt.want) {
				t.Errorf("Download() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCommandDownloader_FailureIncludesStderr(t *testing.T) {
	d := helperDownloader(t, "fail")
	_, err := d.Download(context.Background(), Request{ID: "job-4", URL: "https://example.com"})
	if err == nil || !strings.Contains(err.Error(), "Unsupported URL") {
		t.Errorf("error = %v, want stderr tail", err)
	}
}

func TestCommandDownloader_Timeout(t *testing.T) {
	d := helperDownloader(t, "hang")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Download(ctx, Request{ID: "job-5", URL: "https://example.com", Kind: KindVideo})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Download() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("hung downloader was not killed promptly: %v", elapsed)
	}
}

func TestMIMEType(t *testing.T) {
	tests := []struct {
		kind Kind
		ext  string
		want string
	}{
		{KindAudio, ".mp3", "audio/mpeg"},
		{KindAudio, ".m4a", "audio/mpeg"},
		{KindVideo, ".mp4", "video/mp4"},
		{KindVideo, ".WEBM", "video/webm"},
		{KindVideo, "", "video/mp4"},
	}
	for _, tt := range tests {
		if got := MIMEType(tt.kind, tt.ext); got != tt.want {
			t.Errorf("MIMEType(%q, %q) = %q, want %q", tt.kind, tt.ext, got, tt.want)
		}
	}
}
