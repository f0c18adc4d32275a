package storage

import (
	"context"
	"sync"

	"mopa/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string][]model.Checkpoint
	summaries   map[string]model.RunSummary
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
	s.checkpoints = make(map[string][]model.Checkpoint)
	s.summaries = make(map[string]model.RunSummary)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, ckpt model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[ckpt.RunID] = append(s.checkpoints[ckpt.RunID], ckpt)
	return nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ckpts := s.checkpoints[runID]
	if len(ckpts) == 0 {
		return model.Checkpoint{}, false, nil
	}
	best := ckpts[0]
	for _, c := range ckpts[1:] {
		if c.GlobalStep >= best.GlobalStep {
			best = c
		}
	}
	return best, true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Checkpoint, len(s.checkpoints[runID]))
	copy(out, s.checkpoints[runID])
	return out, nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[runID]
	return summary, ok, nil
}
