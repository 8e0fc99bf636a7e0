package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

// Storage keeps objects as files under one directory. All access goes
// through an os.Root, so keys cannot reach outside it even via symlinks.
type Storage struct {
	root *os.Root
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	root, err := os.OpenRoot(basePath)
	if err != nil {
		return nil, fmt.Errorf("open storage root: %w", err)
	}
	return &Storage{root: root}, nil
}

func (s *Storage) Close() error {
	return s.root.Close()
}

// Save stages the object under a sibling name and renames it into place.
func (s *Storage) Save(_ context.Context, key string, data io.Reader) error {
	name, err := objectName(key)
	if err != nil {
		return err
	}
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create object dir: %w", err)
		}
	}

	staged := path.Join(path.Dir(name), ".partial-"+uuid.NewString())
	f, err := s.root.OpenFile(staged, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("stage object: %w", err)
	}
	_, copyErr := io.Copy(f, data)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.root.Remove(staged)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := s.root.Rename(staged, name); err != nil {
		_ = s.root.Remove(staged)
		return fmt.Errorf("commit object %s: %w", key, err)
	}
	return nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	name, err := objectName(key)
	if err != nil {
		return nil, err
	}
	f, err := s.root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.WrapError(domain.ErrObjectNotFound, "open "+key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, nil
}

func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	name, err := objectName(key)
	if err != nil {
		return false, err
	}
	info, err := s.root.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

// DeletePrefix removes the directory subtree named by prefix. The root
// itself is never a valid prefix.
func (s *Storage) DeletePrefix(_ context.Context, prefix string) error {
	name, err := objectName(prefix)
	if err != nil {
		return err
	}
	if err := s.root.RemoveAll(name); err != nil {
		return fmt.Errorf("remove objects under %s: %w", prefix, err)
	}
	return nil
}

// objectName turns a slash-separated object key into a root-relative name.
func objectName(key string) (string, error) {
	name := path.Clean(strings.TrimPrefix(key, "/"))
	if name == "." || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", domain.WrapError(domain.ErrInvalidInput, "object key", fmt.Errorf("key %q is outside the storage root", key))
	}
	return name, nil
}
