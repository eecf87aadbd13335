package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rehearsekit/backend/internal/config"
	"github.com/rehearsekit/backend/internal/model"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	return l
}

func TestLocalPathRoundTrip(t *testing.T) {
	l := newLocal(t)

	rel := "stems/abc/vocals.wav"
	abs := l.ToAbsolutePath(rel)
	if abs != filepath.Join(l.Root(), "stems", "abc", "vocals.wav") {
		t.Fatalf("ToAbsolutePath(%q) = %q", rel, abs)
	}
	if got := l.ToRelativePath(abs); got != rel {
		t.Errorf("ToRelativePath(ToAbsolutePath(%q)) = %q", rel, got)
	}
}

func TestLocalAbsoluteAndRelativeNoOps(t *testing.T) {
	l := newLocal(t)

	outside := filepath.Join(t.TempDir(), "elsewhere.wav")
	if got := l.ToAbsolutePath(outside); got != outside {
		t.Errorf("ToAbsolutePath(absolute) = %q, want unchanged", got)
	}
	if got := l.ToRelativePath(outside); got != outside {
		t.Errorf("ToRelativePath(outside root) = %q, want unchanged", got)
	}
	if got := l.ToRelativePath("packages/./x.zip"); got != "packages/x.zip" {
		t.Errorf("ToRelativePath(relative) = %q, want cleaned", got)
	}
}

func TestLocalSaveResolveExists(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	src := filepath.Join(t.TempDir(), "pkg.zip")
	if err := os.WriteFile(src, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}

	ref, err := l.Save(ctx, src, PackageKey("job-1"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ref != "packages/job-1.zip" {
		t.Errorf("ref = %q", ref)
	}

	ok, err := l.Exists(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}

	p, err := l.Resolve(ctx, ref, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "zip" {
		t.Errorf("resolved content = %q", data)
	}

	url, _ := l.DownloadURL(ctx, ref)
	if url != "/downloads/packages/job-1.zip" {
		t.Errorf("DownloadURL() = %q", url)
	}
}

func TestLocalResolveMissing(t *testing.T) {
	l := newLocal(t)
	_, err := l.Resolve(context.Background(), "uploads/missing.wav", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := l.Exists(context.Background(), "uploads/missing.wav")
	if err != nil || ok {
		t.Errorf("Exists() = %v, %v", ok, err)
	}
	if ok, _ := l.Exists(context.Background(), ""); ok {
		t.Error("empty ref reported as existing")
	}
}

func TestLocalSaveReaderAndDir(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	ref, err := l.SaveReader(ctx, strings.NewReader("audio"), SourceKey("job-2", ".mp3"), "audio/mpeg")
	if err != nil {
		t.Fatalf("SaveReader() error = %v", err)
	}
	if ref != "uploads/job-2_source.mp3" {
		t.Errorf("ref = %q", ref)
	}

	dir := t.TempDir()
	for _, name := range []string{"vocals.wav", "drums.wav"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	prefix, err := l.SaveDir(ctx, dir, StemsPrefix("job-2"))
	if err != nil {
		t.Fatalf("SaveDir() error = %v", err)
	}
	if prefix != "stems/job-2" {
		t.Errorf("prefix = %q", prefix)
	}
	if ok, _ := l.Exists(ctx, prefix+"/drums.wav"); !ok {
		t.Error("drums.wav not persisted")
	}
}

func TestLocalRejectsRefsOutsideRoot(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	secret := filepath.Join(filepath.Dir(l.Root()), "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{"../secret.txt", "uploads/../../secret.txt", secret} {
		if _, err := l.Resolve(ctx, ref, ""); !errors.Is(err, ErrStorage) {
			t.Errorf("Resolve(%q) error = %v, want ErrStorage", ref, err)
		}
		if _, err := l.Exists(ctx, ref); !errors.Is(err, ErrStorage) {
			t.Errorf("Exists(%q) error = %v, want ErrStorage", ref, err)
		}
		if _, err := l.DownloadURL(ctx, ref); !errors.Is(err, ErrStorage) {
			t.Errorf("DownloadURL(%q) error = %v, want ErrStorage", ref, err)
		}
		if err := l.Delete(ctx, ref); !errors.Is(err, ErrStorage) {
			t.Errorf("Delete(%q) error = %v, want ErrStorage", ref, err)
		}
	}
	if _, err := l.SaveReader(ctx, strings.NewReader("x"), "../escape.wav", ""); !errors.Is(err, ErrStorage) {
		t.Errorf("SaveReader() error = %v, want ErrStorage", err)
	}
	if _, err := os.Stat(secret); err != nil {
		t.Errorf("file outside root touched: %v", err)
	}

	// dot segments that stay inside the root are fine
	if _, err := l.SaveReader(ctx, strings.NewReader("x"), "uploads/../packages/a.zip", ""); err != nil {
		t.Errorf("SaveReader() inside root error = %v", err)
	}
}

func TestLocalDelete(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	pkg, _ := l.SaveReader(ctx, strings.NewReader("zip"), PackageKey("job-3"), "")
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bass.wav"), []byte("bass"), 0o644)
	stems, _ := l.SaveDir(ctx, dir, StemsPrefix("job-3"))

	for _, ref := range []string{pkg, stems} {
		if err := l.Delete(ctx, ref); err != nil {
			t.Fatalf("Delete(%q) error = %v", ref, err)
		}
		if ok, _ := l.Exists(ctx, ref); ok {
			t.Errorf("%q still exists", ref)
		}
	}
	if err := l.Delete(ctx, "packages/never.zip"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
	if err := l.Delete(ctx, "."); !errors.Is(err, ErrStorage) {
		t.Errorf("Delete(root) error = %v", err)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Mode: "ftp"})
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestS3ParseRef(t *testing.T) {
	c := &S3{bucket: "rk"}
	cases := []struct {
		ref, bucket, key string
	}{
		{"s3://rk/packages/a.zip", "rk", "packages/a.zip"},
		{"s3://other/x/y.wav", "other", "x/y.wav"},
		{"uploads/a_source.mp3", "rk", "uploads/a_source.mp3"},
	}
	for _, tc := range cases {
		b, k, err := c.parseRef(tc.ref)
		if err != nil || b != tc.bucket || k != tc.key {
			t.Errorf("parseRef(%q) = %q, %q, %v", tc.ref, b, k, err)
		}
	}
	if _, _, err := c.parseRef("s3://rk"); !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage for malformed ref, got %v", err)
	}
	if got := c.ref("packages/a.zip"); got != "s3://rk/packages/a.zip" {
		t.Errorf("ref() = %q", got)
	}
}
