package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/pagestore/internal/page"
)

// Publisher sends one payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublishSink forwards every event as its own message.
type PublishSink struct {
	publisher Publisher
	topic     string
	closer    func() error
}

// NewPublishSink builds a sink over publisher. closer, when non-nil, runs on
// Close so the sink can own the publisher's lifetime.
func NewPublishSink(publisher Publisher, topic string, closer func() error) (*PublishSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	return &PublishSink{publisher: publisher, topic: topic, closer: closer}, nil
}

// Consume publishes each event under the trace context of the request that
// produced it; it keeps going after a failure and returns every error joined.
func (s *PublishSink) Consume(ctx context.Context, batch []page.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(evt.Context(ctx), s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish event %s: %w", evt.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the publisher when the sink owns it.
func (s *PublishSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
