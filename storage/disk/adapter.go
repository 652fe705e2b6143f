package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Tutortoise/object-detection-lambda/storage"
)

// Adapter implements storage.Store on a local directory, mapping object
// keys onto relative paths. Used for local runs without S3.
type Adapter struct {
	rootPath string
}

func NewAdapter(root string) (*Adapter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

func (s *Adapter) layout(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.rootPath, clean), nil
}

func (s *Adapter) Size(_ context.Context, key string) (int64, error) {
	target, err := s.layout(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Adapter) Download(_ context.Context, key, dst string) (int64, error) {
	target, err := s.layout(key)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(target)
	if os.IsNotExist(err) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return copyAtomic(dst, f)
}

func (s *Adapter) Upload(_ context.Context, src, key, _ string) error {
	target, err := s.layout(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = copyAtomic(target, f)
	return err
}

// copyAtomic writes to a temp file and renames it into place, so dst is
// either absent or complete.
func copyAtomic(dst string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tempFile.Name())

	n, err := io.Copy(tempFile, r)
	if err != nil {
		tempFile.Close()
		return n, err
	}
	if err := tempFile.Close(); err != nil {
		return n, err
	}
	return n, os.Rename(tempFile.Name(), dst)
}
