// Package cache persists raw input payloads keyed by exact geographic
// extent, with checksum verification on every read. It enables fetch-once
// process-many workflows: one machine downloads, any machine processes.
// Entries live until an operator removes them; there is no implicit expiry.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/geo"
	"github.com/geoforge/chunk-processing-service/common/logger"
)

const (
	payloadFile  = "payload.json"
	metadataFile = "metadata.json"
)

// Metadata describes one cached payload.
type Metadata struct {
	Extent      geo.BoundingRegion `json:"extent"`
	Timestamp   int64              `json:"timestamp"`
	PayloadFile string             `json:"payload_file"`
	Checksum    string             `json:"checksum"`
	Size        int64              `json:"size"`
	Method      string             `json:"method"`
}

// Store is a directory-backed cache. One subdirectory per canonical extent
// key, holding the payload and its metadata record.
type Store struct {
	dir string
	log zerolog.Logger
}

// New opens (and creates if needed) a cache rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{dir: dir, log: logger.Component("cache")}, nil
}

// Dir returns the cache root directory.
func (s *Store) Dir() string { return s.dir }

// Put stores a payload for the extent, replacing any previous entry. The
// payload lands via a temp file and rename so concurrent readers never see a
// truncated write; last writer wins.
func (s *Store) Put(extent geo.BoundingRegion, payload []byte, method string) (Metadata, error) {
	key := extent.CacheKey()
	entryDir := filepath.Join(s.dir, key)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("create cache entry dir: %w", err)
	}

	if err := writeAtomic(filepath.Join(entryDir, payloadFile), payload); err != nil {
		return Metadata{}, fmt.Errorf("write payload: %w", err)
	}

	meta := Metadata{
		Extent:      extent,
		Timestamp:   time.Now().Unix(),
		PayloadFile: payloadFile,
		Checksum:    checksum(payload),
		Size:        int64(len(payload)),
		Method:      method,
	}

	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Metadata{}, fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(entryDir, metadataFile), encoded); err != nil {
		return Metadata{}, fmt.Errorf("write metadata: %w", err)
	}

	s.log.Info().
		Str("key", key).
		Int64("size", meta.Size).
		Str("method", method).
		Msg("Cached payload")

	return meta, nil
}

// Get loads the payload for the extent and re-verifies its checksum,
// returning ErrIntegrity on mismatch rather than partial data. Matching is
// exact on the canonical key; there is no nearest-extent lookup.
func (s *Store) Get(extent geo.BoundingRegion) ([]byte, error) {
	key := extent.CacheKey()
	entryDir := filepath.Join(s.dir, key)

	meta, err := s.readMetadata(entryDir)
	if err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(filepath.Join(entryDir, meta.PayloadFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: extent %s", common.ErrNotFound, extent)
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}

	if sum := checksum(payload); sum != meta.Checksum {
		return nil, fmt.Errorf("%w: extent %s (stored %s, computed %s)", common.ErrIntegrity, extent, meta.Checksum, sum)
	}

	return payload, nil
}

// Has reports whether a complete entry exists for the extent.
func (s *Store) Has(extent geo.BoundingRegion) bool {
	entryDir := filepath.Join(s.dir, extent.CacheKey())
	if _, err := os.Stat(filepath.Join(entryDir, payloadFile)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(entryDir, metadataFile))
	return err == nil
}

// GetMetadata returns the metadata record for the extent.
func (s *Store) GetMetadata(extent geo.BoundingRegion) (Metadata, error) {
	return s.readMetadata(filepath.Join(s.dir, extent.CacheKey()))
}

// List returns metadata for every cached extent.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache dir: %w", err)
	}

	var all []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetadata(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			// Half-written or foreign directories are skipped, not fatal.
			continue
		}
		all = append(all, meta)
	}
	return all, nil
}

// Remove deletes the entry for the extent. Explicit operator action only.
func (s *Store) Remove(extent geo.BoundingRegion) error {
	return s.RemoveKey(extent.CacheKey())
}

// RemoveKey deletes the entry with the given canonical key.
func (s *Store) RemoveKey(key string) error {
	entryDir := filepath.Join(s.dir, key)
	if _, err := os.Stat(entryDir); os.IsNotExist(err) {
		return fmt.Errorf("%w: key %s", common.ErrNotFound, key)
	}
	return os.RemoveAll(entryDir)
}

// Clear deletes every entry, keeping the cache root itself.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// Size returns the total stored payload bytes, from metadata records.
func (s *Store) Size() (int64, error) {
	all, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, meta := range all {
		total += meta.Size
	}
	return total, nil
}

func (s *Store) readMetadata(entryDir string) (Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(entryDir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, fmt.Errorf("%w: no metadata in %s", common.ErrNotFound, entryDir)
		}
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: corrupt metadata in %s", common.ErrIntegrity, entryDir)
	}
	return meta, nil
}

func checksum(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// writeAtomic writes via a temp file in the same directory and renames it
// into place, so a crash or concurrent reader never observes partial data.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
