package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps objects as files under a base directory. Used in local
// mode and in tests.
type FSStore struct {
	dir string
}

// NewFSStore creates a filesystem-backed object store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Put writes an object, creating intermediate directories for keys
// with path separators.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for object %s: %w", key, err)
	}

	// Write-then-rename so readers never observe a partial object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	return nil
}

// Get reads an object. Missing keys map to ErrNotFound.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// resolve maps a key onto the base directory, rejecting traversal.
func (s *FSStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key: %s", key)
	}
	return filepath.Join(s.dir, clean), nil
}
