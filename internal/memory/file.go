package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataDir is where file records live when no directory is configured.
const DefaultDataDir = "data/contexts"

// FileStore keeps one JSON file per user under a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultDataDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create context data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(_ context.Context, userID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(userID)) // #nosec G304 - name is escaped and rooted in the configured directory
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	return data, nil
}

// Save writes to a temp file and renames it over the record.
func (s *FileStore) Save(_ context.Context, userID string, snapshot []byte) error {
	target := s.path(userID)
	tmp, err := os.CreateTemp(s.dir, ".ctx-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp context file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(snapshot); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write context file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close context file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace context file: %w", err)
	}
	return nil
}

func (s *FileStore) Mode() string { return "file" }

func (s *FileStore) Close() error { return nil }

// Dir returns the directory records are written to.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, fileName(userID))
}

// fileName escapes separators so a user ID can never leave the directory.
func fileName(userID string) string {
	name := url.PathEscape(userID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name + ".json"
}
