// Package notify posts committed loan events to an external webhook. Delivery
// happens after commit, off the caller's goroutine, and never affects the
// transaction that produced the event.
package notify

import (
	"assetloans/pkg/circuitbreaker"
	"assetloans/pkg/queue"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultQueueSize = 256

// Envelope is the JSON body posted for every event.
type Envelope struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

type Webhook struct {
	url        string
	client     *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	retries    *queue.Queue
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
	tracer     trace.Tracer
	wake       chan struct{}
}

type Option func(*Webhook)

func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) { w.client = c }
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(w *Webhook) { w.breaker = cb }
}

// WithRetries sets how many redeliveries a failed event gets and the base
// delay, doubled on every attempt.
func WithRetries(max int, backoff time.Duration) Option {
	return func(w *Webhook) {
		w.maxRetries = max
		w.backoff = backoff
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Webhook) { w.now = now }
}

func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		breaker:    circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		retries:    queue.NewQueue(defaultQueueSize),
		maxRetries: 3,
		backoff:    time.Second,
		now:        time.Now,
		tracer:     otel.Tracer("assetloans/notify"),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send queues one event for immediate delivery by Run (or the next Flush) and
// returns without waiting on the webhook. Only encoding errors are reported.
func (w *Webhook) Send(_ context.Context, kind string, payload any) error {
	now := w.now()
	id := uuid.NewString()
	body, err := json.Marshal(Envelope{
		ID:         id,
		Kind:       kind,
		OccurredAt: now.UTC(),
		Data:       payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", kind, err)
	}
	w.enqueue(&queue.Delivery{ID: id, Kind: kind, Body: body, NextAttempt: now})

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush delivers every queued event that is due and reports how many succeeded.
func (w *Webhook) Flush(ctx context.Context) int {
	delivered := 0
	for _, d := range w.retries.DequeueDue(w.now()) {
		if err := w.deliver(ctx, d); err != nil {
			w.requeue(d, err)
			continue
		}
		if d.Attempts > 0 {
			log.Printf("notification %s (%s) delivered after %d retries", d.ID, d.Kind, d.Attempts)
		}
		delivered++
	}
	return delivered
}

// Run flushes the queue whenever Send adds an event and every interval for
// retries, until ctx is done.
func (w *Webhook) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.Flush(ctx)
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Pending is the number of events waiting for delivery.
func (w *Webhook) Pending() int {
	return w.retries.Size()
}

func (w *Webhook) deliver(ctx context.Context, d *queue.Delivery) error {
	ctx, span := w.tracer.Start(ctx, "notify.deliver",
		trace.WithAttributes(
			attribute.String("notify.kind", d.Kind),
			attribute.Int("notify.attempts", d.Attempts),
		),
	)
	defer span.End()

	err := w.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(d.Body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Delivery-Id", d.ID)
		req.Header.Set("X-Event-Kind", d.Kind)

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// requeue schedules d again with exponential backoff. Calls rejected by an
// open breaker do not count as attempts.
func (w *Webhook) requeue(d *queue.Delivery, cause error) {
	if !errors.Is(cause, circuitbreaker.ErrOpen) {
		d.Attempts++
	}
	if d.Attempts > w.maxRetries {
		log.Printf("dropping notification %s (%s) after %d attempts: %v", d.ID, d.Kind, d.Attempts, cause)
		return
	}

	delay := w.backoff
	for i := 1; i < d.Attempts; i++ {
		delay *= 2
	}
	d.NextAttempt = w.now().Add(delay)
	log.Printf("notification %s (%s) failed, retrying at %s: %v", d.ID, d.Kind, d.NextAttempt.Format(time.RFC3339), cause)
	w.enqueue(d)
}

func (w *Webhook) enqueue(d *queue.Delivery) {
	if evicted := w.retries.Enqueue(d); evicted != nil {
		log.Printf("notification queue full, dropping %s (%s)", evicted.ID, evicted.Kind)
	}
}
