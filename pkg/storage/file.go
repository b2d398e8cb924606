package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned for object keys that escape the store root.
var ErrPathTraversal = errors.New("object key contains path traversal")

// FileBlobStore keeps artifact bytes under a local directory.
type FileBlobStore struct {
	root string
}

// NewFileBlobStore creates the root directory if needed.
func NewFileBlobStore(root string) (*FileBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileBlobStore{root: root}, nil
}

func (s *FileBlobStore) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) {
		return "", ErrPathTraversal
	}
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}
	return filepath.Join(s.root, cleaned), nil
}

// Get reads the object at key.
func (s *FileBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Put writes data to key atomically: temp file in the same directory, then
// rename.
func (s *FileBlobStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("rename temp blob: %w", err)
	}
	tmpName = ""
	return nil
}
