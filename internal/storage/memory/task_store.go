// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// TaskStore keeps task records in a map. The CAS and counter semantics match
// the Postgres implementation so the pipeline behaves identically in tests.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]linkcheck.Task
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]linkcheck.Task)}
}

// CreateTask stores a new task record.
func (s *TaskStore) CreateTask(_ context.Context, task linkcheck.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (linkcheck.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return linkcheck.Task{}, linkcheck.ErrTaskNotFound
	}
	return task, nil
}

// UpdateTaskStatus applies from->to when the current status matches from.
func (s *TaskStore) UpdateTaskStatus(_ context.Context, taskID string, from, to linkcheck.TaskStatus, errText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return false, linkcheck.ErrTaskNotFound
	}
	if task.Status != from {
		return false, nil
	}
	task.Status = to
	task.ErrorText = errText
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return true, nil
}

// IncrementProcessed adds one to the processed counter, never past total.
func (s *TaskStore) IncrementProcessed(_ context.Context, taskID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return 0, 0, linkcheck.ErrTaskNotFound
	}
	if task.ProcessedLinks < task.TotalLinks {
		task.ProcessedLinks++
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return task.ProcessedLinks, task.TotalLinks, nil
}

// UpdateProgress records derived progress fields.
func (s *TaskStore) UpdateProgress(_ context.Context, taskID string, percent float64, etaSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return linkcheck.ErrTaskNotFound
	}
	task.ProgressPercent = percent
	task.EstimatedRemaining = etaSeconds
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return nil
}
