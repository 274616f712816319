package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/maxphoton/PiggyBank/internal/feed"
)

// Store persists the last-seen asset list between polling cycles.
type Store interface {
	// Load returns the previous snapshot, or (nil, nil) when none exists yet.
	Load(ctx context.Context) ([]feed.AssetRecord, error)
	// Save atomically replaces the snapshot with the given records.
	Save(ctx context.Context, records []feed.AssetRecord) error
}

// FileStore keeps the snapshot as a pretty-printed JSON array on disk.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore constructs a file-backed snapshot store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger.With().Str("component", "snapshot").Logger()}
}

// Load reads the snapshot file. A missing file means first run; a
// malformed file is logged and also treated as first run so a corrupt
// snapshot never wedges the poller.
func (s *FileStore) Load(ctx context.Context) ([]feed.AssetRecord, error) {
	body, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("path", s.path).Msg("no snapshot yet, first run")
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}

	var records []feed.AssetRecord
	if err := json.Unmarshal(body, &records); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("snapshot is malformed, treating as first run")
		return nil, nil
	}
	if records == nil {
		s.logger.Error().Str("path", s.path).Msg("snapshot is not a list, treating as first run")
		return nil, nil
	}
	return records, nil
}

// Save writes the snapshot via a temp file and rename so a crash mid-write
// never leaves a half-written snapshot behind.
func (s *FileStore) Save(ctx context.Context, records []feed.AssetRecord) error {
	if records == nil {
		records = []feed.AssetRecord{}
	}

	body, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	s.logger.Debug().Int("assets", len(records)).Str("path", s.path).Msg("snapshot saved")
	return nil
}

var _ Store = (*FileStore)(nil)
