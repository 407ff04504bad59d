// Package memory provides in-memory stores used by tests and single-process
// deployments.
package memory

import (
	"context"
	"sync"

	"github.com/mangamark/mangamark/internal/bookmarks"
)

// TaskStore keeps task lifecycle state in a map. Safe for concurrent use.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]bookmarks.Task
	clock bookmarks.Clock
}

// NewTaskStore builds an empty task store.
func NewTaskStore(clock bookmarks.Clock) *TaskStore {
	return &TaskStore{
		tasks: make(map[string]bookmarks.Task),
		clock: clock,
	}
}

// CreateTask registers a freshly submitted task.
func (s *TaskStore) CreateTask(_ context.Context, task bookmarks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// UpdateTaskStatus transitions a task, stamping Started on the move to running
// and Finished on terminal states.
func (s *TaskStore) UpdateTaskStatus(_ context.Context, taskID string, status bookmarks.TaskStatus, outcome *bookmarks.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return bookmarks.ErrTaskNotFound
	}
	now := s.clock.Now()
	task.Status = status
	switch status {
	case bookmarks.TaskStatusRunning:
		task.Started = &now
	case bookmarks.TaskStatusSucceeded, bookmarks.TaskStatusFailed:
		task.Finished = &now
	}
	if outcome != nil {
		task.Outcome = outcome
	}
	s.tasks[taskID] = task
	return nil
}

// GetTask returns the task by id.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (bookmarks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return bookmarks.Task{}, bookmarks.ErrTaskNotFound
	}
	return task, nil
}
