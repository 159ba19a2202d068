// Package bus provides event bus implementations for catalog change events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "corpus.created").
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(eventType, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// Catalog mutation topics. Each is published once its transaction commits.
const (
	TopicCorpusCreated  = "corpus.created"
	TopicCorpusRemoved  = "corpus.removed"
	TopicDatasetCreated = "dataset.created"
	TopicDatasetRemoved = "dataset.removed"
	TopicQueriesAdded   = "queries.added"
	TopicDocumentsAdded = "documents.added"
	TopicQRelsAdded     = "qrels.added"
)

// MutationTopics lists every catalog mutation topic.
var MutationTopics = []string{
	TopicCorpusCreated,
	TopicCorpusRemoved,
	TopicDatasetCreated,
	TopicDatasetRemoved,
	TopicQueriesAdded,
	TopicDocumentsAdded,
	TopicQRelsAdded,
}

// SubscribeAll registers handler on every topic in topics.
func SubscribeAll(ctx context.Context, b Bus, topics []string, handler Handler) error {
	for _, topic := range topics {
		if err := b.Subscribe(ctx, topic, handler); err != nil {
			return err
		}
	}
	return nil
}
