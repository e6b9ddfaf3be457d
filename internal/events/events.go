package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents is the JetStream stream holding audit events.
const StreamEvents = "REELSCRIPT_EVENTS"

// SubjectPrefix is the root subject for audit events. Individual event
// types are published under it, e.g. reelscript.events.quota.denied.
const SubjectPrefix = "reelscript.events"

// Event types emitted by the generation pipeline.
const (
	TypeGenerationCompleted = "generation.completed"
	TypeGenerationFailed    = "generation.failed"
	TypeQuotaDenied         = "quota.denied"
	TypeProviderFailover    = "provider.failover"
)

// Severity levels.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event is a single audit trail entry. It matches the audit_events table
// schema and the JetStream payload.
type Event struct {
	ID           uuid.UUID `json:"id"`
	SubscriberID uuid.UUID `json:"subscriber_id"`
	Type         string    `json:"type"`
	Severity     string    `json:"severity"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// New builds an Event with a fresh ID and timestamp.
func New(subscriberID uuid.UUID, eventType, severity, detail string) Event {
	return Event{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		Type:         eventType,
		Severity:     severity,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	}
}

// SubjectFor returns the JetStream subject for an event type.
func SubjectFor(eventType string) string {
	return SubjectPrefix + "." + eventType
}

// Publisher emits audit events. Implementations must be safe for
// concurrent use. Publish failures are the caller's to log; the
// generation path never fails a request over a lost event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards all events. Used in tests and when NATS is
// not configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// ListParams holds pagination and filtering parameters for event queries.
type ListParams struct {
	Type     string
	Severity string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
