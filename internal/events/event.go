package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/jia-app/eventbilling/internal/domain"
)

const (
	// DefaultSource tags events emitted by this system
	DefaultSource = "jia-platform"
	// DefaultSchemaVersion is the event schema version stamped by NewEvent
	DefaultSchemaVersion = "1.0"
)

// EventOption customises an event built by NewEvent
type EventOption func(*domain.Event)

// WithContext attaches optional context to the event data
func WithContext(c map[string]interface{}) EventOption {
	return func(e *domain.Event) { e.Data.Context = c }
}

// WithMetadata sets free-form metadata
func WithMetadata(m map[string]interface{}) EventOption {
	return func(e *domain.Event) { e.Metadata = m }
}

// WithSource overrides the source tag
func WithSource(source string) EventOption {
	return func(e *domain.Event) { e.Source = source }
}

// WithVersion overrides the schema version
func WithVersion(version string) EventOption {
	return func(e *domain.Event) { e.Version = version }
}

// WithTimestamp overrides the creation time
func WithTimestamp(ts time.Time) EventOption {
	return func(e *domain.Event) { e.Timestamp = ts.UTC() }
}

// NewEvent stamps a fresh id and timestamp on a new event
func NewEvent(eventType domain.EventType, current map[string]interface{}, opts ...EventOption) domain.Event {
	if current == nil {
		current = map[string]interface{}{}
	}
	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    DefaultSource,
		Version:   DefaultSchemaVersion,
		Data:      domain.EventData{Current: current},
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// Factory builds events with a configured source and schema version
type Factory struct {
	Source  string
	Version string
}

// New builds an event stamped with the factory's source and version
func (f Factory) New(eventType domain.EventType, current map[string]interface{}, opts ...EventOption) domain.Event {
	base := make([]EventOption, 0, len(opts)+2)
	if f.Source != "" {
		base = append(base, WithSource(f.Source))
	}
	if f.Version != "" {
		base = append(base, WithVersion(f.Version))
	}
	return NewEvent(eventType, current, append(base, opts...)...)
}
