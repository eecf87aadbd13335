package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local keeps artifacts under a single root directory. References are paths
// relative to the root using forward slashes.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve root %q: %w", ErrStorage, root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root %q: %w", ErrStorage, abs, err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute storage root
func (l *Local) Root() string {
	return l.root
}

// ToAbsolutePath joins a relative reference with the root. Absolute paths are
// returned unchanged.
func (l *Local) ToAbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.root, filepath.FromSlash(p))
}

// ToRelativePath strips the root from an absolute path. Relative paths come
// back cleaned, and absolute paths outside the root are returned unchanged.
func (l *Local) ToRelativePath(p string) string {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(filepath.Clean(p))
	}
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.ToSlash(rel)
}

// within maps a reference onto a path under the root. References that
// escape the root are rejected.
func (l *Local) within(ref string) (string, error) {
	abs := filepath.Clean(l.ToAbsolutePath(ref))
	rel, err := filepath.Rel(l.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the storage root", ErrStorage, ref)
	}
	return abs, nil
}

func (l *Local) Save(ctx context.Context, localPath, key string) (string, error) {
	dst, err := l.within(key)
	if err != nil {
		return "", err
	}
	if filepath.Clean(localPath) == dst {
		return l.ToRelativePath(dst), nil
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", fmt.Errorf("%w: save %s: %w", ErrStorage, key, err)
	}
	return l.ToRelativePath(dst), nil
}

func (l *Local) SaveReader(ctx context.Context, r io.Reader, key, contentType string) (string, error) {
	dst, err := l.within(key)
	if err != nil {
		return "", err
	}
	if err := writeFile(r, dst); err != nil {
		return "", fmt.Errorf("%w: save %s: %w", ErrStorage, key, err)
	}
	return l.ToRelativePath(dst), nil
}

func (l *Local) SaveDir(ctx context.Context, localDir, prefix string) (string, error) {
	root, err := l.within(prefix)
	if err != nil {
		return "", err
	}
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return copyFile(p, filepath.Join(root, rel))
	})
	if err != nil {
		return "", fmt.Errorf("%w: save dir %s: %w", ErrStorage, prefix, err)
	}
	return l.ToRelativePath(root), nil
}

// Resolve returns the absolute path of a stored artifact. Local references
// never need copying so workDir is unused.
func (l *Local) Resolve(ctx context.Context, ref, workDir string) (string, error) {
	abs, err := l.within(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("%w: stat %s: %w", ErrStorage, ref, err)
	}
	return abs, nil
}

func (l *Local) Exists(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	abs, err := l.within(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %w", ErrStorage, ref, err)
}

func (l *Local) DownloadURL(ctx context.Context, ref string) (string, error) {
	abs, err := l.within(ref)
	if err != nil {
		return "", err
	}
	return "/downloads/" + l.ToRelativePath(abs), nil
}

// Delete removes a file or a whole prefix. Missing references are not an error.
func (l *Local) Delete(ctx context.Context, ref string) error {
	abs, err := l.within(ref)
	if err != nil {
		return err
	}
	if abs == l.root {
		return fmt.Errorf("%w: refusing to delete the storage root", ErrStorage)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStorage, ref, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(in, dst)
}

func writeFile(r io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
