package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/observability"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 30 * time.Second
)

// RetryScheduler re-drives failed webhook deliveries. Each attempt doubles
// the backoff: base, 2*base, 4*base, and so on. A delivery whose attempts
// are exhausted is marked and never retried again.
type RetryScheduler struct {
	store       DeliveryStore
	dispatcher  Dispatcher
	log         *zap.Logger
	baseBackoff time.Duration
	maxAttempts int
	metrics     *observability.Metrics
	now         func() time.Time
}

// SetMetrics records delivery outcomes on the given instruments.
func (s *RetryScheduler) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// NewRetryScheduler creates a RetryScheduler. Zero values for baseBackoff
// and maxAttempts select the defaults.
func NewRetryScheduler(store DeliveryStore, dispatcher Dispatcher, log *zap.Logger, baseBackoff time.Duration, maxAttempts int) *RetryScheduler {
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &RetryScheduler{
		store:       store,
		dispatcher:  dispatcher,
		log:         log,
		baseBackoff: baseBackoff,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Record enqueues a failed delivery for later retry. The first retry is
// scheduled one base-backoff interval from now.
func (s *RetryScheduler) Record(ctx context.Context, url, method string, headers map[string]string, body []byte, lastErr error) error {
	now := s.now()
	d := Delivery{
		ID:          uuid.New().String(),
		URL:         url,
		Method:      method,
		Headers:     headers,
		Body:        body,
		Status:      DeliveryPending,
		Attempt:     1,
		MaxAttempts: s.maxAttempts,
		NextRetryAt: now.Add(s.baseBackoff),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if lastErr != nil {
		d.LastError = lastErr.Error()
	}
	return s.store.Enqueue(ctx, d)
}

// Process performs one retry pass: every due delivery is re-dispatched, and
// its attempt state updated. Failures are contained per delivery.
func (s *RetryScheduler) Process(ctx context.Context) error {
	now := s.now()
	due, err := s.store.Due(ctx, now, 0)
	if err != nil {
		return err
	}

	for _, d := range due {
		status, err := s.dispatcher.Dispatch(ctx, d.URL, d.Method, d.Headers, d.Body)
		if err == nil {
			d.Status = DeliveryDelivered
			d.LastError = ""
			if s.metrics != nil {
				s.metrics.RecordWebhookDelivery("delivered")
			}
			if uerr := s.store.Update(ctx, d); uerr != nil {
				s.log.Error("webhook delivery update failed",
					zap.String("delivery_id", d.ID), zap.Error(uerr))
			}
			continue
		}

		d.Attempt++
		d.LastError = err.Error()
		if d.Attempt >= d.MaxAttempts {
			d.Status = DeliveryExhausted
			if s.metrics != nil {
				s.metrics.RecordWebhookDelivery("exhausted")
			}
			s.log.Warn("webhook delivery exhausted",
				zap.String("delivery_id", d.ID),
				zap.String("url", d.URL),
				zap.Int("attempts", d.Attempt),
				zap.Int("status", status),
			)
		} else {
			if s.metrics != nil {
				s.metrics.RecordWebhookDelivery("retried")
			}
			// Exponential backoff: base doubles per completed attempt.
			backoff := s.baseBackoff << (d.Attempt - 1)
			d.NextRetryAt = now.Add(backoff)
			s.log.Info("webhook delivery retry scheduled",
				zap.String("delivery_id", d.ID),
				zap.String("url", d.URL),
				zap.Int("attempt", d.Attempt),
				zap.Duration("backoff", backoff),
			)
		}
		if uerr := s.store.Update(ctx, d); uerr != nil {
			s.log.Error("webhook delivery update failed",
				zap.String("delivery_id", d.ID), zap.Error(uerr))
		}
	}

	return nil
}
