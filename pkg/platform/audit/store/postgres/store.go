package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	audit "veritas/pkg/platform/audit"
	txcontext "veritas/pkg/platform/tx"
)

// Store implements audit.Store using the transactional outbox pattern.
// Events are written to the outbox table and published to Kafka by the
// outbox relay. When the caller's context carries a transaction the row is
// written through it, so the event commits or rolls back with the change it
// describes.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Payload is the JSON document stored in the outbox and published to Kafka.
type Payload struct {
	ID              string `json:"id"`
	Category        string `json:"category"`
	Timestamp       string `json:"timestamp"`
	ArtifactID      string `json:"artifact_id,omitempty"`
	Subject         string `json:"subject,omitempty"`
	Action          string `json:"action"`
	RequestingParty string `json:"requesting_party,omitempty"`
	Decision        string `json:"decision,omitempty"`
	Reason          string `json:"reason,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

// PayloadFrom renders event as an outbox payload.
func PayloadFrom(event audit.Event) Payload {
	eventID := event.ID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}
	return Payload{
		ID:              eventID,
		Category:        string(category),
		Timestamp:       event.Timestamp.UTC().Format(time.RFC3339Nano),
		ArtifactID:      event.ArtifactID,
		Subject:         event.Subject,
		Action:          event.Action,
		RequestingParty: event.RequestingParty,
		Decision:        event.Decision,
		Reason:          event.Reason,
		RequestID:       event.RequestID,
	}
}

// Event converts a payload back into an audit event.
func (p Payload) Event() audit.Event {
	ts, _ := time.Parse(time.RFC3339Nano, p.Timestamp)
	return audit.Event{
		ID:              p.ID,
		Category:        audit.EventCategory(p.Category),
		Timestamp:       ts,
		ArtifactID:      p.ArtifactID,
		Subject:         p.Subject,
		Action:          p.Action,
		RequestingParty: p.RequestingParty,
		Decision:        p.Decision,
		Reason:          p.Reason,
		RequestID:       p.RequestID,
	}
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload := PayloadFrom(event)
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	aggregateType := "audit"
	aggregateID := payload.ID
	if event.ArtifactID != "" {
		aggregateType = "artifact"
		aggregateID = event.ArtifactID
	}

	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.New(),
		aggregateType,
		aggregateID,
		event.Action,
		payloadBytes,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ListByArtifact returns the events recorded for artifactID, oldest first.
func (s *Store) ListByArtifact(ctx context.Context, artifactID string) ([]audit.Event, error) {
	query := `
		SELECT payload
		FROM outbox
		WHERE aggregate_type = 'artifact' AND aggregate_id = $1
		ORDER BY created_at ASC
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var payload Payload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		events = append(events, payload.Event())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
