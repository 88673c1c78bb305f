// Package runlog keeps a history of pipeline iterations for operators.
package runlog

import (
	"context"
	"sync"
	"time"
)

// Run is one orchestrator iteration that fetched a work item.
type Run struct {
	ID           string    `json:"id"`
	BusinessID   string    `json:"business_id"`
	AudioLocator string    `json:"audio_locator"`
	State        string    `json:"state"`
	FailedStage  string    `json:"failed_stage,omitempty"`
	Error        string    `json:"error,omitempty"`
	Revision     string    `json:"revision,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Store persists runs. Record failures are logged by the caller and never
// fail the iteration.
type Store interface {
	Record(ctx context.Context, run Run) error
}

// MemoryStore keeps the most recent runs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  []Run
	limit int
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Record(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	if over := len(s.runs) - s.limit; over > 0 {
		s.runs = append([]Run(nil), s.runs[over:]...)
	}
	return nil
}

// Runs returns a copy, oldest first.
func (s *MemoryStore) Runs() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, len(s.runs))
	copy(out, s.runs)
	return out
}
