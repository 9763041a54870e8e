package workflow

import (
	"context"
	"time"

	"github.com/statera-io/statera/model"
)

// InstanceStore persists workflow instances. Each tenant has its own store;
// tenancy is isolation by construction, not by filtering.
type InstanceStore interface {
	// Create persists a new workflow instance.
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated instance, fenced on the version read at
	// load time. A stale write, one whose stored version has moved on, returns
	// CONFLICT, which is how concurrent duplicate approve/reject calls are
	// rejected. On success the stored version is incremented and the passed
	// instance's Version is bumped to match.
	Update(ctx context.Context, inst *model.WorkflowInstance) error

	// ListPending returns instances paused awaiting approval, oldest first.
	ListPending(ctx context.Context) ([]model.WorkflowInstance, error)

	// FindExpired returns paused instances whose deadline is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)
}
