package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agentex/internal/domain"
)

var ErrTaskNotFound = errors.New("task not found")

// TransitionError reports a status change the task state machine forbids.
type TransitionError struct {
	From domain.TaskState
	To   domain.TaskState
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}

var allowedTransitions = map[domain.TaskState][]domain.TaskState{
	domain.TaskSubmitted:     {domain.TaskWorking, domain.TaskFailed, domain.TaskCanceled},
	domain.TaskWorking:       {domain.TaskWorking, domain.TaskInputRequired, domain.TaskCompleted, domain.TaskFailed, domain.TaskCanceled},
	domain.TaskInputRequired: {domain.TaskWorking, domain.TaskFailed, domain.TaskCanceled},
}

// ensureTransition guards every status change except cancellation.
func ensureTransition(from, to domain.TaskState) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

// TaskStore holds the tasks of one engine. Snapshots handed out are deep copies.
type TaskStore struct {
	mu      sync.RWMutex
	tasks   map[string]*domain.Task
	order   []string
	cancels map[string]context.CancelFunc
}

func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:   map[string]*domain.Task{},
		cancels: map[string]context.CancelFunc{},
	}
}

func (s *TaskStore) create(task domain.Task) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task.Clone()
	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
	return t.Clone()
}

// Get returns a snapshot of the task.
func (s *TaskStore) Get(id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// List returns snapshots in creation order.
func (s *TaskStore) List() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// update applies fn to the stored task under the lock. fn must not block.
func (s *TaskStore) update(id string, fn func(t *domain.Task) error) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := fn(t); err != nil {
		return t.Clone(), err
	}
	return t.Clone(), nil
}

func (s *TaskStore) setCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *TaskStore) clearCancel(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

func (s *TaskStore) cancelFunc(id string) context.CancelFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancels[id]
}
