package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statera-io/statera/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. Each
// tenant's store points at that tenant's database.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new workflow instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	historyJSON, err := json.Marshal(inst.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, workflow_id, workflow_name, status, current_step,
			current_step_deadline, context, history, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.WorkflowID, inst.WorkflowName, inst.Status, inst.CurrentStep,
		inst.CurrentStepDeadline, contextJSON, historyJSON, inst.Version,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_name, status, current_step,
		       current_step_deadline, context, history, version,
		       created_at, updated_at
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with a version fence. The WHERE
// clause carries the version read at load time: a concurrent update makes
// RowsAffected zero, which surfaces as CONFLICT.
func (s *PgInstanceStore) Update(ctx context.Context, inst *model.WorkflowInstance) error {
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	historyJSON, err := json.Marshal(inst.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step = $2,
			current_step_deadline = $3,
			context = $4,
			history = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		inst.Status, inst.CurrentStep, inst.CurrentStepDeadline,
		contextJSON, historyJSON, inst.Version+1, now,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// ListPending returns paused instances, oldest first.
func (s *PgInstanceStore) ListPending(ctx context.Context) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT id, workflow_id, workflow_name, status, current_step,
		       current_step_deadline, context, history, version,
		       created_at, updated_at
		FROM workflow_instances
		WHERE status = 'paused'
		ORDER BY created_at ASC`)
}

// FindExpired returns paused instances past their deadline.
func (s *PgInstanceStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT id, workflow_id, workflow_name, status, current_step,
		       current_step_deadline, context, history, version,
		       created_at, updated_at
		FROM workflow_instances
		WHERE status = 'paused'
		  AND current_step_deadline IS NOT NULL
		  AND current_step_deadline < $1
		ORDER BY current_step_deadline ASC`,
		cutoff)
}

func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var contextJSON, historyJSON []byte

	err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.WorkflowName, &inst.Status, &inst.CurrentStep,
		&inst.CurrentStepDeadline, &contextJSON, &historyJSON, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &inst.History); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return inst, nil
}
