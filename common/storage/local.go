package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// LocalStorage stores result payloads on a filesystem shared between workers
// and the merge stage (local disk or a network mount). Writes go through a
// temp file and rename so concurrent writers for the same name cannot
// interleave; last writer wins with a complete payload.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the storage directory if needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

// Store writes the payload atomically and returns its absolute path.
func (s *LocalStorage) Store(ctx context.Context, name string, payload []byte) (string, error) {
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename into place: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	log.Debug().Str("location", abs).Int("bytes", len(payload)).Msg("Stored result payload")
	return abs, nil
}

// Load reads a payload back from a location returned by Store.
func (s *LocalStorage) Load(ctx context.Context, location string) ([]byte, error) {
	return os.ReadFile(location)
}

// Delete removes a stored payload.
func (s *LocalStorage) Delete(ctx context.Context, location string) error {
	return os.Remove(location)
}
