package storage

import (
	"context"
	"errors"
	"sync"

	"latentcal/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	snapshots   map[string]model.Snapshot
	history     map[string]model.LossHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.snapshots = make(map[string]model.Snapshot)
	s.history = make(map[string]model.LossHistory)
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.snapshots[snapshot.RunID] = CloneSnapshot(snapshot)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, runID string) (model.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[runID]
	if !ok {
		return model.Snapshot{}, false, nil
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.Snapshot{}, false, err
	}
	return CloneSnapshot(snapshot), true, nil
}

func (s *MemoryStore) SaveLossHistory(_ context.Context, history model.LossHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	history.Rows = append([]model.IterationLoss(nil), history.Rows...)
	s.history[history.RunID] = history
	return nil
}

func (s *MemoryStore) GetLossHistory(_ context.Context, runID string) (model.LossHistory, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return model.LossHistory{}, false, nil
	}
	history.Rows = append([]model.IterationLoss(nil), history.Rows...)
	return history, true, nil
}
