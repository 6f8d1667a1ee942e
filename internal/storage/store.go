// Package storage persists strategy instance snapshots to disk so the
// engine can recover its full set of running instances across a
// process restart (spec.md §4.9). Every write is atomic: a temp file
// is written, fsynced, then renamed over the target, so a crash mid-
// write never leaves a torn snapshot on disk — the same durability
// shape the teacher's internal/data.Store aims for with SaveOHLCV,
// upgraded here with the fsync/rename step the teacher's plain
// os.WriteFile skipped.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// snapshotVersion is bumped whenever the on-disk StrategyInstance
// envelope changes shape; FileStore.Load migrates older versions
// forward before handing instances to callers.
const snapshotVersion = 1

// envelope is the versioned on-disk wrapper around a StrategyInstance.
type envelope struct {
	Version  int                    `json:"version"`
	SavedAt  time.Time              `json:"savedAt"`
	Instance types.StrategyInstance `json:"instance"`
}

// indexEntry is one row of index.json, letting LoadAll and IDs
// enumerate instance IDs without scanning the data directory.
type indexEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileStore is a directory of one JSON snapshot file per instance,
// plus an index.json listing them all.
type FileStore struct {
	logger  *zap.Logger
	dataDir string

	mu    sync.Mutex
	index map[string]indexEntry
}

// NewFileStore creates dataDir if needed and loads any existing index.
func NewFileStore(logger *zap.Logger, dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	s := &FileStore{
		logger:  logger,
		dataDir: dataDir,
		index:   make(map[string]indexEntry),
	}
	if err := s.loadIndex(); err != nil {
		logger.Warn("failed to load storage index, starting empty", zap.Error(err))
	}
	return s, nil
}

func (s *FileStore) instancePath(id string) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("instance_%s.json", id))
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dataDir, "index.json")
}

// Save atomically persists inst's current state.
func (s *FileStore) Save(inst *types.StrategyInstance) error {
	env := envelope{Version: snapshotVersion, SavedAt: time.Now(), Instance: *inst}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal instance snapshot: %w", err)
	}

	if err := writeFileAtomic(s.instancePath(inst.ID), data); err != nil {
		return fmt.Errorf("write instance snapshot: %w", err)
	}

	s.mu.Lock()
	s.index[inst.ID] = indexEntry{ID: inst.ID, Type: string(inst.Type), UpdatedAt: env.SavedAt}
	s.mu.Unlock()
	return s.saveIndex()
}

// Load reads back a single instance's last saved snapshot, migrating
// it to the current snapshotVersion if it was written by an older
// build.
func (s *FileStore) Load(id string) (*types.StrategyInstance, error) {
	data, err := os.ReadFile(s.instancePath(id))
	if err != nil {
		return nil, fmt.Errorf("read instance snapshot: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal instance snapshot: %w", err)
	}
	migrate(&env)
	inst := env.Instance
	return &inst, nil
}

// LoadAll reconstructs every instance listed in the index, for
// crash-recovery reconciliation at process startup. Snapshots that
// fail to load are logged and skipped rather than aborting recovery
// of the rest.
func (s *FileStore) LoadAll() ([]*types.StrategyInstance, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	instances := make([]*types.StrategyInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Load(id)
		if err != nil {
			s.logger.Error("skipping unreadable instance snapshot during recovery",
				zap.String("instanceId", id), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Delete removes an instance's snapshot and index entry, once it has
// reached a terminal status and no longer needs recovery.
func (s *FileStore) Delete(id string) error {
	if err := os.Remove(s.instancePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove instance snapshot: %w", err)
	}
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	return s.saveIndex()
}

// IDs returns every instance ID currently tracked by the index.
func (s *FileStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]indexEntry, len(entries))
	for _, e := range entries {
		s.index[e.ID] = e
	}
	return nil
}

func (s *FileStore) saveIndex() error {
	s.mu.Lock()
	entries := make([]indexEntry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal storage index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data)
}

// migrate upgrades an older-version envelope in place. There is
// currently only one version; this is the seam future migrations hang
// off of.
func migrate(env *envelope) {
	if env.Version == snapshotVersion {
		return
	}
	env.Version = snapshotVersion
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, fsyncs it, then renames it over path — renames are atomic on
// the same filesystem, so readers never observe a partially written
// file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
