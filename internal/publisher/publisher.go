/*
Package publisher sends opaque payloads to a topic and reports the broker's
verdict to the caller.

A Publish call blocks until the broker acknowledges the message or the
transport fails. Failed publishes are returned, never retried.
*/
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/agbruneau/apibus/internal/metrics"
	"go.uber.org/zap"
)

// PublishError wraps a transport failure for one topic.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher is safe for concurrent use when the underlying bus.Publisher is.
type Publisher struct {
	client  bus.Publisher
	logger  *zap.Logger
	timeout time.Duration
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTimeout bounds each Publish call. Zero leaves the caller's context alone.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// New returns a Publisher writing through client.
func New(client bus.Publisher, logger *zap.Logger, opts ...Option) *Publisher {
	p := &Publisher{client: client, logger: logging.OrNop(logger)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends payload to topic unchanged. No partition key is set.
//
// Returns:
//   - error: a *PublishError on transport failure, nil once acknowledged.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.client.Publish(ctx, &bus.Message{Topic: topic, Value: payload})
	if err != nil {
		metrics.PublishFailures.WithLabelValues(topic).Inc()
		return &PublishError{Topic: topic, Err: err}
	}

	metrics.MessagesPublished.WithLabelValues(topic).Inc()
	p.logger.Debug("Message published",
		zap.String("topic", topic),
		zap.Int("size", len(payload)),
		zap.Duration("latency", time.Since(start)))
	return nil
}

// PublishJSON serializes v and publishes it to topic.
func (p *Publisher) PublishJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize message for %s: %w", topic, err)
	}
	return p.Publish(ctx, topic, payload)
}
