// Package outbox relays audit rows written by the Postgres audit store to a
// message broker and marks them processed.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"veritas/pkg/platform/circuit"
	txcontext "veritas/pkg/platform/tx"
)

// Message is one outbox row ready for publishing.
type Message struct {
	ID        string
	Key       string
	EventType string
	Value     []byte
}

// Publisher delivers messages to the broker. It must only return nil once
// every message is durably accepted.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Recorder observes relay outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	AddOutboxRelayed(n int)
	IncrementOutboxFailures()
}

type Relay struct {
	db        *sql.DB
	publisher Publisher
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	recorder  Recorder
	breaker   *circuit.Breaker
}

type Option func(*Relay)

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		r.recorder = rec
	}
}

// WithBreaker stops publish attempts while the broker keeps failing. Pending
// rows stay in the outbox until a probe succeeds.
func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Relay) {
		r.breaker = b
	}
}

func NewRelay(db *sql.DB, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		db:        db,
		publisher: publisher,
		batchSize: 100,
		interval:  time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays batches every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain relays batches until the outbox is empty or a batch fails.
func (r *Relay) Drain(ctx context.Context) {
	if r.breaker != nil && !r.breaker.Allow() {
		return
	}
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "audit outbox relay failed", "error", err)
			r.recordFailure(ctx)
			return
		}
		if n > 0 {
			r.recordSuccess(ctx)
		}
		if n < r.batchSize {
			return
		}
	}
}

func (r *Relay) recordFailure(ctx context.Context) {
	if r.breaker == nil {
		return
	}
	if _, change := r.breaker.RecordFailure(); change.Opened {
		r.logger.WarnContext(ctx, "audit outbox relay paused", "breaker", r.breaker.Name())
	}
}

func (r *Relay) recordSuccess(ctx context.Context) {
	if r.breaker == nil {
		return
	}
	if _, change := r.breaker.RecordSuccess(); change.Closed {
		r.logger.InfoContext(ctx, "audit outbox relay resumed", "breaker", r.breaker.Name())
	}
}

// RelayOnce publishes one batch of pending rows and returns how many were
// relayed. Rows are locked with SKIP LOCKED so several relays can run; on a
// publish failure the transaction rolls back and the rows stay pending.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var relayed int
	err := txcontext.Run(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, aggregate_id, event_type, payload
			FROM outbox
			WHERE processed_at IS NULL
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, r.batchSize)
		if err != nil {
			return fmt.Errorf("select pending outbox rows: %w", err)
		}
		var msgs []Message
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.Key, &m.EventType, &m.Value); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox row: %w", err)
			}
			msgs = append(msgs, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate outbox rows: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}

		if err := r.publisher.Publish(ctx, msgs); err != nil {
			if r.recorder != nil {
				r.recorder.IncrementOutboxFailures()
			}
			return fmt.Errorf("publish outbox batch: %w", err)
		}

		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET processed_at = $1 WHERE id = ANY($2::uuid[])`,
			time.Now(), pq.Array(ids),
		); err != nil {
			return fmt.Errorf("mark outbox rows processed: %w", err)
		}
		relayed = len(msgs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if r.recorder != nil {
		r.recorder.AddOutboxRelayed(relayed)
	}
	return relayed, nil
}
