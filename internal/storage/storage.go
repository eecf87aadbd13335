package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/rehearsekit/backend/internal/config"
	"github.com/rehearsekit/backend/internal/model"
)

var (
	// ErrStorage wraps every backend failure
	ErrStorage = errors.New("storage error")
	// ErrNotFound means the reference points at nothing
	ErrNotFound = errors.New("storage object not found")
)

// Storage moves pipeline artifacts between a worker's scratch directory and
// durable blob storage. References returned by Save are portable: they stay
// valid across workers sharing the same backend.
type Storage interface {
	Save(ctx context.Context, localPath, key string) (string, error)
	SaveReader(ctx context.Context, r io.Reader, key, contentType string) (string, error)
	SaveDir(ctx context.Context, localDir, prefix string) (string, error)
	Resolve(ctx context.Context, ref, workDir string) (string, error)
	Exists(ctx context.Context, ref string) (bool, error)
	DownloadURL(ctx context.Context, ref string) (string, error)
	// Delete removes an object, or every object under a prefix
	Delete(ctx context.Context, ref string) error
}

// New selects the backend configured in storage.mode.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Mode {
	case model.StorageModeLocal:
		return NewLocal(cfg.LocalPath)
	case model.StorageModeS3:
		return NewS3(ctx, cfg.S3)
	}
	return nil, &model.ConfigurationError{Field: "storage.mode", Value: string(cfg.Mode)}
}

// Keys for the artifacts the pipeline persists
func SourceKey(jobID, ext string) string {
	return path.Join("uploads", jobID+"_source"+ext)
}

func StemsPrefix(jobID string) string {
	return path.Join("stems", jobID)
}

func PackageKey(jobID string) string {
	return path.Join("packages", jobID+".zip")
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".mp3":
		return "audio/mpeg"
	case ".zip":
		return "application/zip"
	}
	return "application/octet-stream"
}
