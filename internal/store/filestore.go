// Package store persists engine snapshots: a JSON file for restart
// recovery and an optional Postgres archive for history. Persistence is
// best-effort; failures are reported to the caller but never touch
// in-memory state.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
)

// FileStore reads and writes the snapshot file.
type FileStore struct {
	path string
	log  *zap.Logger
}

// NewFileStore creates a file store targeting the given path. The parent
// directory is created on first save.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path: path,
		log:  logger.Named("filestore"),
	}
}

// Save writes the snapshot atomically: marshal to a temp file in the same
// directory, then rename over the target so a crash never leaves a torn
// snapshot behind.
func (f *FileStore) Save(ctx context.Context, snap schemas.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	f.log.Debug("Snapshot written",
		zap.String("path", f.path),
		zap.Int("patterns", len(snap.Patterns)),
		zap.Int("proxies", len(snap.Proxies)),
	)
	return nil
}

// Load reads and unmarshals the snapshot file.
func (f *FileStore) Load(ctx context.Context) (schemas.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Snapshot{}, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap schemas.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}
