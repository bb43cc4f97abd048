/*
Package subscriber delivers the messages of a topic to a handler.

Each subscription runs its own consume loop until the context passed to
Subscribe is cancelled. Handler failures and panics are caught at dispatch:
they are logged, journaled and, when configured, retried and forwarded to a
dead-letter topic. The loop always moves on to the next message.
*/
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/agbruneau/apibus/internal/metrics"
	"github.com/agbruneau/apibus/internal/retry"
	"github.com/agbruneau/apibus/pkg/models"
	"go.uber.org/zap"
)

// Handler processes one message.
type Handler = bus.Handler

// ErrAlreadySubscribed is returned when a topic already has a handler.
var ErrAlreadySubscribed = errors.New("subscriber: topic already has a handler")

// HandlerError describes a message whose handler gave up.
type HandlerError struct {
	Topic     string
	Partition int32
	Offset    int64
	Attempts  int
	Panicked  bool
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed on %s[%d]@%d after %d attempts: %v", e.Topic, e.Partition, e.Offset, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Subscriber owns the consume loops of one service instance.
type Subscriber struct {
	consumer        bus.Consumer
	logger          *zap.Logger
	journal         *Journal
	dlq             *retry.DeadLetterQueue
	retryCfg        retry.Config
	metricsInterval time.Duration

	mu       sync.Mutex
	topics   map[string]struct{}
	errs     []error
	wg       sync.WaitGroup
	metrics  sync.Once
	stats    *stats
	failed   chan struct{}
	failOnce sync.Once
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithJournal records every delivered message in j.
func WithJournal(j *Journal) Option {
	return func(s *Subscriber) { s.journal = j }
}

// WithRetry retries failing handlers under cfg. The default is one attempt.
func WithRetry(cfg retry.Config) Option {
	return func(s *Subscriber) { s.retryCfg = cfg }
}

// WithDeadLetterQueue forwards messages whose handler gave up.
func WithDeadLetterQueue(dlq *retry.DeadLetterQueue) Option {
	return func(s *Subscriber) { s.dlq = dlq }
}

// WithMetricsInterval logs consumer counters every d. Zero disables it.
func WithMetricsInterval(d time.Duration) Option {
	return func(s *Subscriber) { s.metricsInterval = d }
}

// New returns a Subscriber reading through consumer.
func New(consumer bus.Consumer, logger *zap.Logger, opts ...Option) *Subscriber {
	s := &Subscriber{
		consumer: consumer,
		logger:   logging.OrNop(logger),
		retryCfg: retry.Config{MaxAttempts: 1},
		topics:   make(map[string]struct{}),
		stats:    newStats(),
		failed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers handler for topic and starts its consume loop in the
// background. The loop stops when ctx is cancelled; use Wait to join it.
//
// Returns:
//   - error: ErrAlreadySubscribed if topic already has a handler.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handler Handler) error {
	s.mu.Lock()
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()

	s.metrics.Do(func() {
		if s.metricsInterval > 0 {
			s.wg.Add(1)
			go s.logPeriodicMetrics(ctx)
		}
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Consumer started", zap.String("topic", topic))
		err := s.consumer.Consume(ctx, topic, s.dispatch(handler))
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Consume loop stopped", zap.String("topic", topic), zap.Error(err))
			s.mu.Lock()
			s.errs = append(s.errs, fmt.Errorf("consume %s: %w", topic, err))
			s.mu.Unlock()
			s.failOnce.Do(func() { close(s.failed) })
			return
		}
		s.logger.Info("Consumer stopped", zap.String("topic", topic))
	}()
	return nil
}

// Wait blocks until every consume loop has returned, in-flight handlers
// included. It returns the transport errors that ended loops early.
func (s *Subscriber) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Failed is closed as soon as one consume loop ends on a transport error.
// The subscription of that topic is not restarted.
func (s *Subscriber) Failed() <-chan struct{} {
	return s.failed
}

// Stats returns a snapshot of the consumer counters.
func (s *Subscriber) Stats() Stats {
	return s.stats.snapshot()
}

// dispatch wraps handler with retry, panic recovery, journaling and
// dead-lettering. The returned bus.Handler only fails when the handler
// failed, so drivers keep consuming either way.
func (s *Subscriber) dispatch(handler Handler) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) error {
		// In-flight handlers finish even when the subscription is cancelled.
		hctx := context.WithoutCancel(ctx)
		metrics.MessagesConsumed.WithLabelValues(msg.Topic).Inc()

		attempts := 0
		res := retry.DoWithCallback(hctx, s.retryCfg, func() error {
			attempts++
			return invoke(hctx, handler, msg)
		}, func(attempt int, err error, next time.Duration) {
			s.logger.Warn("Handler failed, retrying",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err))
		})

		if res.Err == nil {
			s.stats.record(true)
			s.journalRecord(models.EventMessageReceived, msg, attempts, nil)
			return nil
		}

		var perr *panicError
		panicked := errors.As(res.Err, &perr)
		herr := &HandlerError{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Attempts:  attempts,
			Panicked:  panicked,
			Err:       res.Err,
		}
		s.stats.record(false)
		metrics.HandlerFailures.WithLabelValues(msg.Topic).Inc()
		s.logger.Error("Message handler failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempts", attempts),
			zap.Bool("panicked", panicked),
			zap.Error(res.Err))
		s.journalRecord(models.EventHandlerFailed, msg, attempts, res.Err)
		s.deadLetter(hctx, msg, attempts, res.Err)
		return herr
	}
}

func (s *Subscriber) deadLetter(ctx context.Context, msg *bus.Message, attempts int, cause error) {
	if s.dlq == nil || !s.dlq.IsEnabled() {
		return
	}
	if err := s.dlq.Send(ctx, msg, attempts, cause); err != nil {
		s.logger.Error("Dead-letter publish failed",
			zap.String("topic", msg.Topic),
			zap.String("dlq_topic", s.dlq.Topic()),
			zap.Error(err))
		return
	}
	s.stats.recordDeadLettered()
	metrics.DeadLettered.WithLabelValues(msg.Topic).Inc()
	s.journalRecord(models.EventDeadLettered, msg, attempts, cause)
}

func (s *Subscriber) journalRecord(eventType string, msg *bus.Message, attempts int, cause error) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(eventType, msg, attempts, cause); err != nil {
		s.logger.Warn("Journal write failed", zap.Error(err))
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// invoke calls handler and turns a panic into a *panicError.
func invoke(ctx context.Context, handler Handler, msg *bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return handler(ctx, msg)
}

func (s *Subscriber) logPeriodicMetrics(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			st := s.Stats()
			fields := []zap.Field{
				zap.Float64("uptime_seconds", st.Uptime.Seconds()),
				zap.Int64("total_messages_received", st.MessagesReceived),
				zap.Int64("total_messages_processed", st.MessagesProcessed),
				zap.Int64("total_messages_failed", st.MessagesFailed),
			}
			if s.dlq != nil && s.dlq.IsEnabled() {
				ds := s.dlq.GetStats()
				fields = append(fields,
					zap.Int64("dlq_messages_sent", ds.MessagesSent),
					zap.Int64("dlq_send_errors", ds.SendErrors))
			}
			s.logger.Info("Consumer stopped properly", fields...)
			return
		case <-ticker.C:
			st := s.Stats()
			s.logger.Info("Periodic consumer metrics",
				zap.Float64("uptime_seconds", st.Uptime.Seconds()),
				zap.Int64("messages_received", st.MessagesReceived),
				zap.Int64("messages_processed", st.MessagesProcessed),
				zap.Int64("messages_failed", st.MessagesFailed),
				zap.Int64("messages_dead_lettered", st.MessagesDeadLettered),
				zap.String("success_rate_percent", fmt.Sprintf("%.2f", st.SuccessRate())),
				zap.String("messages_per_second", fmt.Sprintf("%.2f", st.Throughput())))
		}
	}
}

// PrintHandler writes "Received: <payload>" to w for every message.
func PrintHandler(w io.Writer) Handler {
	var mu sync.Mutex
	return func(_ context.Context, msg *bus.Message) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintf(w, "Received: %s\n", msg.Value)
		return err
	}
}
