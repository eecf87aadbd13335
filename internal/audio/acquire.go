package audio

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Profile is one client negotiation strategy for the downloader.
type Profile struct {
	Name          string
	ExtractorArgs string
}

// DefaultProfiles are tried in order. The embedded clients get past most
// sign-in and bot checks that reject the default web client.
var DefaultProfiles = []Profile{
	{Name: "default", ExtractorArgs: "youtube:player_client=android,web;skip=dash,hls"},
	{Name: "embedded", ExtractorArgs: "youtube:player_client=android_embedded,android,ios"},
}

const sourcePrefix = "source."

type AcquireRequest struct {
	URL     string
	WorkDir string
}

// Acquire downloads the best audio stream of req.URL into req.WorkDir and
// returns the local file path. Each profile is tried once, in order; when all
// fail the last attempt's error is returned.
func (t *Toolkit) Acquire(ctx context.Context, req AcquireRequest) (string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return "", stageErr(StageAcquire, ErrAcquisition, nil, "no input url")
	}

	var last *StageError
	for _, p := range t.profiles {
		if err := ctx.Err(); err != nil {
			return "", stageErr(StageAcquire, ErrAcquisition, err, "download interrupted")
		}
		log, err := t.runner.Run(ctx, t.ytdlp, buildDownloadArgs(req.URL, req.WorkDir, p)...)
		if err != nil {
			last = &StageError{
				Stage:      StageAcquire,
				Kind:       ErrAcquisition,
				Message:    "download failed with profile " + p.Name,
				CommandLog: &log,
				Err:        err,
			}
			continue
		}

		path, err := findSource(req.WorkDir)
		if err != nil {
			return "", stageErr(StageAcquire, ErrResourceNotFound, err, "downloaded audio file not found in %s", req.WorkDir)
		}
		return path, nil
	}
	if last == nil {
		return "", stageErr(StageAcquire, ErrAcquisition, nil, "no download profiles configured")
	}
	return "", last
}

func buildDownloadArgs(url, workDir string, p Profile) []string {
	return []string{
		"-f", "bestaudio/best",
		"--no-playlist",
		"--no-progress",
		"--retries", "3",
		"--fragment-retries", "3",
		"--extractor-args", p.ExtractorArgs,
		"-o", filepath.Join(workDir, sourcePrefix+"%(ext)s"),
		url,
	}
}

func findSource(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, sourcePrefix) || strings.HasSuffix(name, ".part") {
			continue
		}
		return filepath.Join(dir, name), nil
	}
	return "", os.ErrNotExist
}
