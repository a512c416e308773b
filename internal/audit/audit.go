package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of audited lifecycle event.
type EventType string

const (
	EventActivated        EventType = "activated"
	EventDeactivated      EventType = "deactivated"
	EventStartupFailed    EventType = "startup-failed"
	EventProcessFailed    EventType = "process-failed"
	EventRefreshExhausted EventType = "refresh-exhausted"
	EventCredentialPurged EventType = "credential-purged"
)

// Event is one audit entry exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	Service    string    `json:"service,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New builds an event with a fresh ID and UTC timestamp.
func New(t EventType, instanceID, service, detail string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		InstanceID: instanceID,
		Service:    service,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for audit events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SlogSink writes audit events to the structured log. It is the default sink
// when no external destination is configured.
type SlogSink struct {
	Log *slog.Logger
}

func (s SlogSink) Send(_ context.Context, e Event) error {
	l := s.Log
	if l == nil {
		l = slog.Default()
	}
	l.Info("audit",
		"event", string(e.Type),
		"instance", e.InstanceID,
		"service", e.Service,
		"detail", e.Detail)
	return nil
}

// Emit sends e to every sink, logging (not propagating) individual failures.
func Emit(ctx context.Context, sinks []Sink, e Event) {
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("audit sink send failed", "event", string(e.Type), "error", err)
		}
	}
}
