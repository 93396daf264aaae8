package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements Store using a local JSON file.
type FileStore struct {
	Path string
	mu   sync.Mutex
}

// NewFileStore opens path, creating it with the defaults if it does not exist.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{Path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(Defaults()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadAll reads the file. A missing or unreadable JSON document yields the
// defaults rather than an error.
func (s *FileStore) LoadAll(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(), nil
}

func (s *FileStore) load() map[string]string {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Defaults()
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return Defaults()
	}
	return withDefaults(m)
}

// Get returns the prompt for name.
func (s *FileStore) Get(ctx context.Context, name string) (string, error) {
	m, err := s.LoadAll(ctx)
	if err != nil {
		return "", err
	}
	return lookup(m, name), nil
}

// Save updates one prompt and rewrites the file.
func (s *FileStore) Save(_ context.Context, name, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	m[Key(name)] = prompt
	return s.write(m)
}

// SaveAll replaces the file contents with m.
func (s *FileStore) SaveAll(_ context.Context, m map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(m)
}

// write replaces the file through a temp file and rename, so readers and
// watchers never see a partial document.
func (s *FileStore) write(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
