package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/statera-io/statera/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for tests and
// single-node deployments.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: make(map[string]model.WorkflowInstance)}
}

// Create persists a new workflow instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	s.instances[inst.ID] = clone(inst)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return clone(inst), nil
}

// Update persists an updated instance with a version fence.
func (s *MemoryInstanceStore) Update(_ context.Context, inst *model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)",
				inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = clone(*inst)
	return nil
}

// ListPending returns paused instances, oldest first.
func (s *MemoryInstanceStore) ListPending(_ context.Context) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.WorkflowStatusPaused {
			pending = append(pending, clone(inst))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// FindExpired returns paused instances past their deadline, most overdue
// first.
func (s *MemoryInstanceStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != model.WorkflowStatusPaused {
			continue
		}
		if inst.CurrentStepDeadline == nil || !inst.CurrentStepDeadline.Before(cutoff) {
			continue
		}
		expired = append(expired, clone(inst))
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CurrentStepDeadline.Before(*expired[j].CurrentStepDeadline)
	})
	return expired, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// clone copies an instance deeply enough that callers cannot alias the
// stored history or context.
func clone(inst model.WorkflowInstance) model.WorkflowInstance {
	out := inst
	if inst.Context != nil {
		out.Context = make(map[string]any, len(inst.Context))
		for k, v := range inst.Context {
			out.Context[k] = v
		}
	}
	if inst.History != nil {
		out.History = make([]model.HistoryEntry, len(inst.History))
		copy(out.History, inst.History)
	}
	if inst.CurrentStepDeadline != nil {
		d := *inst.CurrentStepDeadline
		out.CurrentStepDeadline = &d
	}
	return out
}
