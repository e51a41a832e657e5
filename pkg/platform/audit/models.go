package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing downstream.
type EventCategory string

const (
	// CategoryCompliance covers events with evidential significance: what was
	// sealed, and what was disclosed to whom. Long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers refused disclosures and revocations, which feed
	// alerting on token misuse.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID              string
	Category        EventCategory
	Timestamp       time.Time
	ArtifactID      string
	Subject         string
	Action          string
	RequestingParty string
	Decision        string
	Reason          string
	// RequestID is the correlation id from the request context.
	RequestID string
}

type AuditEvent string

const (
	// Integrity events
	EventArtifactSealed   AuditEvent = "artifact_sealed"
	EventArtifactVerified AuditEvent = "artifact_verified"

	// Provenance events
	EventProvenanceLinked AuditEvent = "provenance_linked"

	// Disclosure events
	EventDisclosureIssued   AuditEvent = "disclosure_issued"
	EventDisclosureRedeemed AuditEvent = "disclosure_redeemed"
	EventDisclosureDenied   AuditEvent = "disclosure_denied"
	EventDisclosureRevoked  AuditEvent = "disclosure_revoked"
	EventDisclosuresPurged  AuditEvent = "disclosures_purged"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventArtifactSealed:     CategoryCompliance,
	EventProvenanceLinked:   CategoryCompliance,
	EventDisclosureIssued:   CategoryCompliance,
	EventDisclosureRedeemed: CategoryCompliance,

	EventDisclosureDenied:  CategorySecurity,
	EventDisclosureRevoked: CategorySecurity,

	EventArtifactVerified:  CategoryOperations,
	EventDisclosuresPurged: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByArtifact(ctx context.Context, artifactID string) ([]Event, error)
}
