/*
Package franz implements bus.Client with the pure-Go franz-go client.

One kgo client is shared by publishers. Probes, admin sessions and consume
loops each build and close their own client.
*/
package franz

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// Config contains the connection settings of the client.
type Config struct {
	Brokers      []string
	ClientID     string
	GroupID      string
	AdminTimeout time.Duration
}

// kgoClient is the part of *kgo.Client used here.
type kgoClient interface {
	Ping(ctx context.Context) error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollFetches(ctx context.Context) kgo.Fetches
	Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
	Close()
}

var _ kgoClient = (*kgo.Client)(nil)

// Client is a bus.Client backed by franz-go.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	producer kgoClient
	closed   atomic.Bool

	// dial builds a client with the base options plus extra.
	dial func(extra ...kgo.Opt) (kgoClient, error)
}

var _ bus.Client = (*Client)(nil)

// New builds the shared producing client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, bus.ErrNoBrokers
	}
	base := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...), kgo.RequiredAcks(kgo.AllISRAcks())}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}
	dial := func(extra ...kgo.Opt) (kgoClient, error) {
		opts := append(append([]kgo.Opt(nil), base...), extra...)
		cl, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}

	producer, err := dial()
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", err)
	}
	return newClient(cfg, logger, producer, dial), nil
}

func newClient(cfg Config, logger *zap.Logger, producer kgoClient, dial func(...kgo.Opt) (kgoClient, error)) *Client {
	if cfg.AdminTimeout <= 0 {
		cfg.AdminTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logging.OrNop(logger).With(zap.String("driver", "franz")),
		producer: producer,
		dial:     dial,
	}
}

// Ping dials a fresh client, pings one broker and closes the client.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	cl, err := c.dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AdminTimeout)
	defer cancel()
	return cl.Ping(ctx)
}

// OpenAdmin returns a session owning a dedicated client.
func (c *Client) OpenAdmin(ctx context.Context) (bus.Admin, error) {
	if c.closed.Load() {
		return nil, bus.ErrClosed
	}
	cl, err := c.dial()
	if err != nil {
		return nil, err
	}
	return &adminSession{cl: cl, timeout: c.cfg.AdminTimeout}, nil
}

type adminSession struct {
	cl      kgoClient
	timeout time.Duration
}

func (a *adminSession) CreateTopics(ctx context.Context, specs []bus.TopicSpec) ([]bus.TopicResult, error) {
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = int32(a.timeout / time.Millisecond)
	for _, s := range specs {
		t := kmsg.NewCreateTopicsRequestTopic()
		t.Topic = s.Name
		t.NumPartitions = s.Partitions
		t.ReplicationFactor = s.ReplicationFactor
		req.Topics = append(req.Topics, t)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := req.RequestWith(ctx, a.cl)
	if err != nil {
		return nil, err
	}

	out := make([]bus.TopicResult, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		out = append(out, bus.TopicResult{Topic: t.Topic, Err: topicError(t)})
	}
	return out, nil
}

func (a *adminSession) Close() error {
	a.cl.Close()
	return nil
}

func topicError(t kmsg.CreateTopicsResponseTopic) error {
	err := kerr.ErrorForCode(t.ErrorCode)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kerr.TopicAlreadyExists):
		return fmt.Errorf("%w: %s", bus.ErrTopicExists, t.Topic)
	case t.ErrorMessage != nil:
		return fmt.Errorf("%w: %s", err, *t.ErrorMessage)
	default:
		return err
	}
}

// Publish produces msg synchronously on the shared client.
func (c *Client) Publish(ctx context.Context, msg *bus.Message) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	rec := &kgo.Record{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	res := c.producer.ProduceSync(ctx, rec)
	if err := res.FirstErr(); err != nil {
		return err
	}
	msg.Partition = rec.Partition
	msg.Offset = rec.Offset
	return nil
}

// Consume joins the configured group on topic, starting from the earliest
// offset when the group has none. Offsets are autocommitted.
func (c *Client) Consume(ctx context.Context, topic string, h bus.Handler) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	cl, err := c.dial(
		kgo.ConsumerGroup(c.cfg.GroupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return fmt.Errorf("consumer init: %w", err)
	}
	defer cl.Close()

	for {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fetches.IsClientClosed() || c.closed.Load() {
			return bus.ErrClosed
		}
		fetches.EachError(func(t string, p int32, err error) {
			c.logger.Warn("Fetch error", zap.String("topic", t), zap.Int32("partition", p), zap.Error(err))
		})
		fetches.EachRecord(func(r *kgo.Record) {
			if herr := h(ctx, fromRecord(r)); herr != nil {
				c.logger.Debug("Handler reported an error", zap.String("topic", topic), zap.Error(herr))
			}
		})
	}
}

func fromRecord(r *kgo.Record) *bus.Message {
	msg := &bus.Message{
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		msg.Headers = make(map[string]string, len(r.Headers))
		for _, hdr := range r.Headers {
			msg.Headers[hdr.Key] = string(hdr.Value)
		}
	}
	return msg
}

// Close closes the shared client. It is idempotent.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.producer.Close()
	}
	return nil
}
