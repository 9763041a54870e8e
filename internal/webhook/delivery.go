package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/statera-io/statera/model"
)

// Delivery status constants.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryExhausted = "exhausted"
)

// Delivery is one tracked webhook delivery attempt series. A delivery is
// retry-eligible while NextRetryAt <= now and Attempt < MaxAttempts.
type Delivery struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	Status      string            `json:"status"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	NextRetryAt time.Time         `json:"next_retry_at"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// DeliveryStore persists webhook deliveries for retry tracking.
type DeliveryStore interface {
	// Enqueue records a new pending delivery.
	Enqueue(ctx context.Context, d Delivery) error

	// Due returns pending deliveries with next_retry_at <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Delivery, error)

	// Update persists the delivery's attempt state.
	Update(ctx context.Context, d Delivery) error
}

// MemoryDeliveryStore is an in-memory DeliveryStore for tests and
// single-node deployments.
type MemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]Delivery
}

// NewMemoryDeliveryStore creates an empty in-memory delivery store.
func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{deliveries: make(map[string]Delivery)}
}

// Enqueue records a new pending delivery.
func (s *MemoryDeliveryStore) Enqueue(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("delivery %q already exists", d.ID))
	}
	s.deliveries[d.ID] = d
	return nil
}

// Due returns pending deliveries eligible for retry, oldest first.
func (s *MemoryDeliveryStore) Due(_ context.Context, now time.Time, limit int) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Delivery
	for _, d := range s.deliveries {
		if d.Status != DeliveryPending {
			continue
		}
		if d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

// Update persists the delivery's attempt state.
func (s *MemoryDeliveryStore) Update(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("delivery %q not found", d.ID))
	}
	d.UpdatedAt = time.Now().UTC()
	s.deliveries[d.ID] = d
	return nil
}

// Get returns a delivery by ID. For testing.
func (s *MemoryDeliveryStore) Get(id string) (Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	return d, ok
}
