/*
Package natsjs implements bus.Client on NATS JetStream.

A topic maps to a stream of the same (sanitized) name capturing the subject
of the topic name. Partitions have no JetStream equivalent and are ignored;
the replication factor becomes the stream replica count.

The NATS connection of Publish and Consume is opened on first use and shared;
nats.Conn is safe for concurrent use. Each admin session dials its own
connection and closes it on Close.
*/
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Config contains the connection settings of the client.
type Config struct {
	URL          string
	Name         string        // Connection name shown by the server.
	GroupID      string        // Durable consumer prefix.
	FetchWait    time.Duration // Longest wait of one fetch.
	AdminTimeout time.Duration // Connect timeout of probes.
}

// Client is a bus.Client backed by JetStream.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	js     jetstream.JetStream
	closed bool

	dial        func(ctx context.Context) (*nats.Conn, error)
	newStreamer func(nc *nats.Conn) (jetstream.JetStream, error)
	closeConn   func(nc *nats.Conn)
}

var _ bus.Client = (*Client)(nil)

// New validates cfg. The connection is opened lazily.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", bus.ErrNoBrokers)
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = time.Second
	}
	if cfg.AdminTimeout <= 0 {
		cfg.AdminTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		logger: logging.OrNop(logger).With(zap.String("driver", "nats")),
	}
	c.dial = func(ctx context.Context) (*nats.Conn, error) {
		timeout := cfg.AdminTimeout
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
			timeout = time.Until(dl)
		}
		opts := []nats.Option{nats.Timeout(timeout)}
		if cfg.Name != "" {
			opts = append(opts, nats.Name(cfg.Name))
		}
		return nats.Connect(cfg.URL, opts...)
	}
	c.newStreamer = func(nc *nats.Conn) (jetstream.JetStream, error) {
		return jetstream.New(nc)
	}
	c.closeConn = func(nc *nats.Conn) {
		if nc != nil {
			nc.Close()
		}
	}
	return c, nil
}

// Ping opens a connection and closes it at once.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	nc, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	c.closeConn(nc)
	return nil
}

// connect dials a connection and builds its JetStream context.
func (c *Client) connect(ctx context.Context) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := c.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := c.newStreamer(nc)
	if err != nil {
		c.closeConn(nc)
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// jetStream returns the shared JetStream context, connecting if needed.
func (c *Client) jetStream(ctx context.Context) (jetstream.JetStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, bus.ErrClosed
	}
	if c.js != nil {
		return c.js, nil
	}

	nc, js, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.nc, c.js = nc, js
	return js, nil
}

// OpenAdmin dials a connection owned by the returned session. The shared
// connection is left untouched.
func (c *Client) OpenAdmin(ctx context.Context) (bus.Admin, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, bus.ErrClosed
	}

	nc, js, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &adminSession{js: js, nc: nc, closeConn: c.closeConn}, nil
}

type adminSession struct {
	js        jetstream.JetStream
	nc        *nats.Conn
	closeConn func(nc *nats.Conn)
	once      sync.Once
}

// CreateTopics creates one stream per spec. JetStream has no batch call,
// so per-topic errors are reported and the request never fails as a whole.
func (a *adminSession) CreateTopics(ctx context.Context, specs []bus.TopicSpec) ([]bus.TopicResult, error) {
	out := make([]bus.TopicResult, 0, len(specs))
	for _, s := range specs {
		_, err := a.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     StreamName(s.Name),
			Subjects: []string{s.Name},
			Replicas: int(s.ReplicationFactor),
			Storage:  jetstream.FileStorage,
		})
		if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			err = fmt.Errorf("%w: %s", bus.ErrTopicExists, s.Name)
		}
		out = append(out, bus.TopicResult{Topic: s.Name, Err: err})
	}
	return out, nil
}

// Close closes the session connection. It is idempotent.
func (a *adminSession) Close() error {
	a.once.Do(func() { a.closeConn(a.nc) })
	return nil
}

// Publish publishes msg on the subject of its topic and waits for the
// stream acknowledgement.
func (c *Client) Publish(ctx context.Context, msg *bus.Message) error {
	js, err := c.jetStream(ctx)
	if err != nil {
		return err
	}

	nm := &nats.Msg{Subject: msg.Topic, Data: msg.Value}
	if len(msg.Headers) > 0 {
		nm.Header = nats.Header{}
		for k, v := range msg.Headers {
			nm.Header.Set(k, v)
		}
	}

	ack, err := js.PublishMsg(ctx, nm)
	if err != nil {
		return err
	}
	msg.Offset = int64(ack.Sequence)
	return nil
}

// Consume pulls from a durable consumer named after the group and topic.
// Messages are acknowledged after the handler returns, whatever its result.
func (c *Client) Consume(ctx context.Context, topic string, h bus.Handler) error {
	js, err := c.jetStream(ctx)
	if err != nil {
		return err
	}
	stream, err := js.Stream(ctx, StreamName(topic))
	if err != nil {
		return fmt.Errorf("stream %s: %w", topic, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       StreamName(c.cfg.GroupID + "-" + topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: topic,
	})
	if err != nil {
		return fmt.Errorf("consumer %s: %w", topic, err)
	}

	for ctx.Err() == nil {
		batch, err := cons.Fetch(10, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return bus.ErrClosed
			}
			c.logger.Warn("Fetch failed", zap.String("topic", topic), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.FetchWait):
			}
			continue
		}
		for m := range batch.Messages() {
			if herr := h(ctx, fromNATS(topic, m)); herr != nil {
				c.logger.Debug("Handler reported an error", zap.String("topic", topic), zap.Error(herr))
			}
			if err := m.Ack(); err != nil {
				c.logger.Warn("Ack failed", zap.String("topic", topic), zap.Error(err))
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return bus.ErrClosed
			}
			c.logger.Warn("Fetch batch error", zap.String("topic", topic), zap.Error(err))
		}
	}
	return nil
}

func fromNATS(topic string, m jetstream.Msg) *bus.Message {
	msg := &bus.Message{Topic: topic, Value: m.Data()}
	if md, err := m.Metadata(); err == nil && md != nil {
		msg.Offset = int64(md.Sequence.Stream)
		msg.Timestamp = md.Timestamp
	}
	if hdr := m.Headers(); len(hdr) > 0 {
		msg.Headers = make(map[string]string, len(hdr))
		for k := range hdr {
			msg.Headers[k] = hdr.Get(k)
		}
	}
	return msg
}

// StreamName maps a topic to a valid JetStream stream or durable name.
func StreamName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, topic)
}

// Close drains and closes the shared connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.nc != nil && !c.nc.IsClosed() {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	return nil
}
