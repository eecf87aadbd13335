package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rehearsekit/backend/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Mode != model.StorageModeLocal {
		t.Errorf("storage mode = %q, want local", cfg.Storage.Mode)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Errorf("worker concurrency = %d, want 1", cfg.Worker.Concurrency)
	}
	if cfg.Worker.Queue != "audio" {
		t.Errorf("worker queue = %q, want audio", cfg.Worker.Queue)
	}
	if cfg.Worker.TaskTimeout != 3*time.Hour {
		t.Errorf("task timeout = %v, want 3h", cfg.Worker.TaskTimeout)
	}
	if cfg.Tools.FFmpeg != "ffmpeg" {
		t.Errorf("ffmpeg = %q", cfg.Tools.FFmpeg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORAGE_MODE", "s3")
	t.Setenv("S3_BUCKET", "packages")
	t.Setenv("WORKER_MAX_RETRY", "0")
	t.Setenv("WORKER_TASK_TIMEOUT", "90m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Mode != model.StorageModeS3 {
		t.Errorf("storage mode = %q, want s3", cfg.Storage.Mode)
	}
	if cfg.Storage.S3.Bucket != "packages" {
		t.Errorf("bucket = %q", cfg.Storage.S3.Bucket)
	}
	if cfg.Worker.MaxRetry != 0 {
		t.Errorf("max retry = %d, want 0", cfg.Worker.MaxRetry)
	}
	if cfg.Worker.TaskTimeout != 90*time.Minute {
		t.Errorf("task timeout = %v, want 90m", cfg.Worker.TaskTimeout)
	}
}

func TestLoadRejectsUnknownStorageMode(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORAGE_MODE", "gcs")

	_, err := Load()
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestReadSecretFromFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("s3cr3t\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.JWT.Secret != "s3cr3t" {
		t.Errorf("jwt secret = %q", cfg.JWT.Secret)
	}
}
