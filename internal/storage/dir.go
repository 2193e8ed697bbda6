package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"latentcal/internal/model"
)

const (
	checkpointPrefix = "epoch_"
	checkpointSuffix = ".ckpt"
	lossHistoryFile  = "loss_history.json"
)

// DirStore keeps one directory per run under root. A run directory holds a
// single epoch_<n>.ckpt file in the binary checkpoint format plus the loss
// history as JSON.
type DirStore struct {
	root string

	mu          sync.RWMutex
	initialized bool
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(s.root) == "" {
		return errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	s.initialized = true
	return nil
}

// CheckpointPath is where the snapshot of runID at epoch is written.
func (s *DirStore) CheckpointPath(runID string, epoch int) string {
	return filepath.Join(s.root, runID, fmt.Sprintf("%s%d%s", checkpointPrefix, epoch, checkpointSuffix))
}

// SaveSnapshot writes the new checkpoint next to the old one, then removes
// every other checkpoint of the run.
func (s *DirStore) SaveSnapshot(ctx context.Context, snapshot model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if err := validRunID(snapshot.RunID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runDir := filepath.Join(s.root, snapshot.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	path := s.CheckpointPath(snapshot.RunID, snapshot.Epoch)
	if err := writeFileAtomic(path, MarshalSnapshotBinary(snapshot)); err != nil {
		return err
	}

	existing, err := listCheckpoints(runDir)
	if err != nil {
		return err
	}
	for epoch, old := range existing {
		if epoch == snapshot.Epoch {
			continue
		}
		if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale checkpoint: %w", err)
		}
	}
	return nil
}

func (s *DirStore) LatestSnapshot(_ context.Context, runID string) (model.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.Snapshot{}, false, errors.New("store is not initialized")
	}
	if err := validRunID(runID); err != nil {
		return model.Snapshot{}, false, err
	}
	existing, err := listCheckpoints(filepath.Join(s.root, runID))
	if err != nil {
		return model.Snapshot{}, false, err
	}
	latest := -1
	for epoch := range existing {
		latest = max(latest, epoch)
	}
	if latest < 0 {
		return model.Snapshot{}, false, nil
	}

	data, err := os.ReadFile(existing[latest])
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	snapshot, err := UnmarshalSnapshotBinary(data)
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("decode checkpoint %s: %w", existing[latest], err)
	}
	return snapshot, true, nil
}

func (s *DirStore) SaveLossHistory(_ context.Context, history model.LossHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if err := validRunID(history.RunID); err != nil {
		return err
	}
	payload, err := EncodeLossHistory(history)
	if err != nil {
		return err
	}
	runDir := filepath.Join(s.root, history.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	return writeFileAtomic(filepath.Join(runDir, lossHistoryFile), payload)
}

func (s *DirStore) GetLossHistory(_ context.Context, runID string) (model.LossHistory, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.LossHistory{}, false, errors.New("store is not initialized")
	}
	if err := validRunID(runID); err != nil {
		return model.LossHistory{}, false, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, runID, lossHistoryFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.LossHistory{}, false, nil
		}
		return model.LossHistory{}, false, err
	}
	history, err := DecodeLossHistory(data)
	if err != nil {
		return model.LossHistory{}, false, fmt.Errorf("decode loss history %s: %w", runID, err)
	}
	return history, true, nil
}

// listCheckpoints maps epoch to file path. A missing directory is empty.
func listCheckpoints(dir string) (map[int]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		epoch, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix))
		if err != nil || epoch < 0 {
			continue
		}
		out[epoch] = filepath.Join(dir, name)
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func validRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("run id %q is not a valid directory name", runID)
	}
	return nil
}
