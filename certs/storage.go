package certs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound indicates a requested storage entry does not exist.
	ErrNotFound = errors.New("certs: entry not found")
)

// Storage persists certificate material keyed by an opaque identifier. The
// platform injects its own implementation (e.g. a secure keystore); the
// manager never assumes anything beyond these three operations.
type Storage interface {
	Store(key string, data []byte) error
	Load(key string) ([]byte, error)
	Remove(key string) error
}

// FileStorage keeps entries as 0600 files under a single directory.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed and returns a FileStorage.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate storage directory %q: %w", dir, err)
	}
	return &FileStorage{dir: dir}, nil
}

// Store writes an entry, replacing any previous value.
func (s *FileStorage) Store(key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write storage entry %q: %w", key, err)
	}
	return nil
}

// Load reads an entry, returning ErrNotFound when absent.
func (s *FileStorage) Load(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read storage entry %q: %w", key, err)
	}
	return data, nil
}

// Remove deletes an entry; removing a missing entry is not an error.
func (s *FileStorage) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove storage entry %q: %w", key, err)
	}
	return nil
}

func (s *FileStorage) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// MemoryStorage is an in-memory Storage for tests and embedders without a
// durable keystore.
type MemoryStorage struct {
	entries map[string][]byte
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string][]byte)}
}

// Store replaces the entry for key.
func (s *MemoryStorage) Store(key string, data []byte) error {
	s.entries[key] = append([]byte(nil), data...)
	return nil
}

// Load returns the entry for key or ErrNotFound.
func (s *MemoryStorage) Load(key string) ([]byte, error) {
	data, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Remove deletes the entry for key.
func (s *MemoryStorage) Remove(key string) error {
	delete(s.entries, key)
	return nil
}
