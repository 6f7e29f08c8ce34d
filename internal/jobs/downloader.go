package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxDuration bounds a single download.
const DefaultMaxDuration = 10 * time.Minute

// Config configures the download subprocess.
type Config struct {
	// Binary is the downloader executable.
	Binary string `yaml:"binary"`
	// Args are prepended to every invocation.
	Args []string `yaml:"args"`
	// OutputDir receives downloaded files.
	OutputDir string `yaml:"output_dir"`
	// MaxDuration kills the subprocess after this long.
	MaxDuration time.Duration `yaml:"max_duration"`
	// VideoFormat is the container requested for video downloads.
	VideoFormat string `yaml:"video_format"`
	// AudioFormat is the codec requested for audio extraction.
	AudioFormat string `yaml:"audio_format"`
	// Env is appended to the inherited environment.
	Env []string `yaml:"-"`
}

// DefaultConfig returns the yt-dlp based defaults.
func DefaultConfig() Config {
	return Config{
		Binary:      "yt-dlp",
		OutputDir:   filepath.Join(os.TempDir(), "parley-downloads"),
		MaxDuration: DefaultMaxDuration,
		VideoFormat: "mp4",
		AudioFormat: "mp3",
	}
}

// waitDelay is how long to wait for pipes after the process is killed.
const waitDelay = 5 * time.Second

// CommandDownloader runs an external downloader and locates its output by job id.
type CommandDownloader struct {
	cfg    Config
	logger *slog.Logger
}

// NewCommandDownloader creates a downloader. Empty fields fall back to DefaultConfig.
func NewCommandDownloader(cfg Config, logger *slog.Logger) *CommandDownloader {
	defaults := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = defaults.Binary
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaults.OutputDir
	}
	if cfg.VideoFormat == "" {
		cfg.VideoFormat = defaults.VideoFormat
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = defaults.AudioFormat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandDownloader{cfg: cfg, logger: logger.With("component", "downloader")}
}

// Args returns the argument list for req.
func (d *CommandDownloader) Args(req Request) []string {
	template := filepath.Join(d.cfg.OutputDir, req.ID+".%(ext)s")
	args := append([]string{}, d.cfg.Args...)
	switch req.Kind {
	case KindAudio:
		args = append(args, "-x", "--audio-format", d.cfg.AudioFormat)
	default:
		args = append(args, "-f", d.cfg.VideoFormat)
	}
	return append(args, "-o", template, req.URL)
}

// Download implements Downloader.
func (d *CommandDownloader) Download(ctx context.Context, req Request) (Artifact, error) {
	if err := os.MkdirAll(d.cfg.OutputDir, 0o750); err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, d.cfg.Binary, d.Args(req)...) // #nosec G204 -- binary comes from operator config
	cmd.Env = append(os.Environ(), d.cfg.Env...)
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.logger.Debug("running downloader", "job_id", req.ID, "binary", d.cfg.Binary)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return Artifact{}, fmt.Errorf("%w: %s", ErrTimeout, req.URL)
			}
			return Artifact{}, ctxErr
		}
		return Artifact{}, fmt.Errorf("%w: %v: %s", ErrDownloadFailed, err, tail(stderr.String(), 512))
	}

	return d.locate(req)
}

// locate finds the file whose name contains the job id.
func (d *CommandDownloader) locate(req Request) (Artifact, error) {
	entries, err := os.ReadDir(d.cfg.OutputDir)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrOutputMissing, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.Contains(name, req.ID) || strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		return Artifact{
			Path:     filepath.Join(d.cfg.OutputDir, name),
			MIMEType: MIMEType(req.Kind, filepath.Ext(name)),
			Size:     info.Size(),
		}, nil
	}
	return Artifact{}, fmt.Errorf("%w: job %s", ErrOutputMissing, req.ID)
}

// MIMEType returns audio/mpeg for audio and video/<ext> for video.
func MIMEType(kind Kind, ext string) string {
	if kind == KindAudio {
		return "audio/mpeg"
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "mp4"
	}
	return "video/" + ext
}

// Remove deletes a delivered artifact.
func Remove(artifact Artifact) error {
	if artifact.Path == "" {
		return nil
	}
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
