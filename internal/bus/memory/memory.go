// Package memory is an in-process bus.Client. Topics are append-only logs
// kept in memory; every Consume call reads its topic from the first record.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
)

type topicLog struct {
	spec    bus.TopicSpec
	records []*bus.Message
	// notify is closed and replaced on every append.
	notify chan struct{}
}

// Broker implements bus.Client in memory. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topicLog
	closed bool
	done   chan struct{}

	autoCreate   bool
	pingFailures int
	pingErr      error
	pings        int
	adminsOpened int
	adminsClosed int
}

// Option configures a Broker.
type Option func(*Broker)

// WithoutAutoCreate makes Publish and Consume fail on undeclared topics.
func WithoutAutoCreate() Option {
	return func(b *Broker) { b.autoCreate = false }
}

// WithPingFailures makes the first n Ping calls fail with err.
func WithPingFailures(n int, err error) Option {
	return func(b *Broker) {
		b.pingFailures = n
		b.pingErr = err
	}
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:     make(map[string]*topicLog),
		done:       make(chan struct{}),
		autoCreate: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ bus.Client = (*Broker)(nil)

// Ping succeeds unless the broker is closed or a configured failure is pending.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pings++
	if b.closed {
		return bus.ErrClosed
	}
	if b.pings <= b.pingFailures {
		return fmt.Errorf("memory ping %d: %w", b.pings, b.pingErr)
	}
	return nil
}

// Pings returns how many times Ping was called.
func (b *Broker) Pings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pings
}

// OpenAdmin opens an administrative session.
func (b *Broker) OpenAdmin(ctx context.Context) (bus.Admin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	b.adminsOpened++
	return &admin{b: b}, nil
}

// AdminSessions reports how many admin sessions were opened and closed.
func (b *Broker) AdminSessions() (opened, closed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adminsOpened, b.adminsClosed
}

// Topics returns the declared specs keyed by name.
func (b *Broker) Topics() map[string]bus.TopicSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bus.TopicSpec, len(b.topics))
	for name, tl := range b.topics {
		out[name] = tl.spec
	}
	return out
}

// Len returns the number of records stored for topic.
func (b *Broker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tl, ok := b.topics[topic]; ok {
		return len(tl.records)
	}
	return 0
}

type admin struct {
	b      *Broker
	once   sync.Once
	closed bool
}

func (a *admin) CreateTopics(ctx context.Context, specs []bus.TopicSpec) ([]bus.TopicResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if a.closed || a.b.closed {
		return nil, bus.ErrClosed
	}

	results := make([]bus.TopicResult, 0, len(specs))
	for _, s := range specs {
		if _, ok := a.b.topics[s.Name]; ok {
			results = append(results, bus.TopicResult{
				Topic: s.Name,
				Err:   fmt.Errorf("%w: %s", bus.ErrTopicExists, s.Name),
			})
			continue
		}
		a.b.topics[s.Name] = newTopicLog(s)
		results = append(results, bus.TopicResult{Topic: s.Name})
	}
	return results, nil
}

func (a *admin) Close() error {
	a.once.Do(func() {
		a.b.mu.Lock()
		a.closed = true
		a.b.adminsClosed++
		a.b.mu.Unlock()
	})
	return nil
}

func newTopicLog(spec bus.TopicSpec) *topicLog {
	return &topicLog{spec: spec, notify: make(chan struct{})}
}

// topic returns the log for name. Callers hold b.mu.
func (b *Broker) topic(name string) (*topicLog, error) {
	if tl, ok := b.topics[name]; ok {
		return tl, nil
	}
	if !b.autoCreate {
		return nil, fmt.Errorf("memory: unknown topic %q", name)
	}
	tl := newTopicLog(bus.TopicSpec{Name: name, Partitions: 1, ReplicationFactor: 1})
	b.topics[name] = tl
	return tl, nil
}

// Publish appends a copy of msg to its topic and wakes consumers.
func (b *Broker) Publish(ctx context.Context, msg *bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}

	tl, err := b.topic(msg.Topic)
	if err != nil {
		return err
	}

	rec := cloneMessage(msg)
	rec.Offset = int64(len(tl.records))
	if tl.spec.Partitions > 0 {
		rec.Partition = int32(rec.Offset % int64(tl.spec.Partitions))
	}
	rec.Timestamp = time.Now()
	tl.records = append(tl.records, rec)

	close(tl.notify)
	tl.notify = make(chan struct{})
	return nil
}

// Consume delivers every record of topic, from the first one, until ctx is
// cancelled or the broker is closed.
func (b *Broker) Consume(ctx context.Context, topic string, h bus.Handler) error {
	var next int
	for {
		if ctx.Err() != nil {
			return nil
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return bus.ErrClosed
		}
		tl, err := b.topic(topic)
		if err != nil {
			b.mu.Unlock()
			return err
		}

		if next < len(tl.records) {
			msg := cloneMessage(tl.records[next])
			next++
			b.mu.Unlock()
			_ = h(ctx, msg)
			continue
		}

		wait := tl.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return bus.ErrClosed
		case <-wait:
		}
	}
}

// Close stops all consumers. It is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func cloneMessage(m *bus.Message) *bus.Message {
	c := *m
	if m.Key != nil {
		c.Key = append([]byte(nil), m.Key...)
	}
	if m.Value != nil {
		c.Value = append([]byte(nil), m.Value...)
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}
