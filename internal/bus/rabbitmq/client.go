/*
Package rabbitmq implements bus.Client on RabbitMQ.

A topic is a durable queue of the same name published through the default
exchange. Partitions are ignored. Admin sessions dial their own connection;
publishing and consuming share another. Publishing uses publisher confirms on
one shared channel; amqp channels are not safe for concurrent publishing, so
Publish calls are serialized.
*/
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrNacked is returned when the broker negatively acknowledges a publish.
var ErrNacked = errors.New("rabbitmq: publish nacked")

// Config contains the connection settings of the client.
type Config struct {
	URL         string
	Name        string // Connection name shown in the management UI.
	ConnTimeout time.Duration
	Prefetch    int
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// channel is the part of *amqp.Channel used here.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	publishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

type connection interface {
	channel() (channel, error)
	IsClosed() bool
	Close() error
}

type amqpChannel struct{ *amqp.Channel }

func (c amqpChannel) publishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) channel() (channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

// Client is a bus.Client backed by RabbitMQ.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	conn   connection
	closed bool

	pubMu sync.Mutex
	pubCh channel

	dial func() (connection, error)
}

var _ bus.Client = (*Client)(nil)

// New validates cfg. The connection is opened lazily.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: amqp url required", bus.ErrNoBrokers)
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 10 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	c := &Client{
		cfg:    cfg,
		logger: logging.OrNop(logger).With(zap.String("driver", "rabbitmq")),
	}
	c.dial = func() (connection, error) {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": cfg.Name},
			Dial:       amqp.DefaultDial(cfg.ConnTimeout),
		})
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
	return c, nil
}

// Ping dials the broker and closes the connection at once.
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

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	return conn.Close()
}

// connection returns the shared connection, redialing when it was lost.
func (c *Client) connection() (connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, bus.ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// OpenAdmin dials a connection owned by the returned session. The shared
// connection is left untouched.
func (c *Client) OpenAdmin(ctx context.Context) (bus.Admin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, bus.ErrClosed
	}

	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return &adminSession{conn: conn}, nil
}

type adminSession struct {
	conn connection
	once sync.Once
	err  error
}

// CreateTopics declares one durable queue per spec. A passive declare first
// tells existing queues apart; the broker closes the channel when it fails,
// so every spec gets fresh channels.
func (a *adminSession) CreateTopics(_ context.Context, specs []bus.TopicSpec) ([]bus.TopicResult, error) {
	out := make([]bus.TopicResult, 0, len(specs))
	for _, s := range specs {
		err := a.declare(s.Name)
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
			err = fmt.Errorf("%w: %s: %s", bus.ErrTopicExists, s.Name, amqpErr.Reason)
		}
		out = append(out, bus.TopicResult{Topic: s.Name, Err: err})
	}
	return out, nil
}

func (a *adminSession) declare(name string) error {
	ch, err := a.conn.channel()
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
	_ = ch.Close()
	if err == nil {
		return fmt.Errorf("%w: %s", bus.ErrTopicExists, name)
	}
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.NotFound {
		return err
	}

	ch, err = a.conn.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// Close closes the session connection. It is idempotent.
func (a *adminSession) Close() error {
	a.once.Do(func() { a.err = a.conn.Close() })
	return a.err
}

// Publish sends msg to the queue named by its topic and waits for the
// broker confirm.
func (c *Client) Publish(ctx context.Context, msg *bus.Message) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	ch, err := c.publishChannel()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/octet-stream",
		Timestamp:    time.Now(),
		Body:         msg.Value,
	}
	if len(msg.Headers) > 0 {
		pub.Headers = amqp.Table{}
		for k, v := range msg.Headers {
			pub.Headers[k] = v
		}
	}

	conf, err := ch.publishConfirmed(ctx, msg.Topic, pub)
	if err != nil {
		c.resetPublishChannel()
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// publishChannel must be called with pubMu held.
func (c *Client) publishChannel() (channel, error) {
	if c.pubCh != nil {
		return c.pubCh, nil
	}
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	c.pubCh = ch
	return ch, nil
}

func (c *Client) resetPublishChannel() {
	if c.pubCh != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
}

// Consume reads the queue named topic on a dedicated channel, acknowledging
// each delivery after the handler returns.
func (c *Client) Consume(ctx context.Context, topic string, h bus.Handler) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	ch, err := conn.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	tag := c.cfg.Name + "-" + uuid.NewString()
	deliveries, err := ch.ConsumeWithContext(ctx, topic, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return bus.ErrClosed
			}
			if herr := h(ctx, fromDelivery(topic, d)); herr != nil {
				c.logger.Debug("Handler reported an error", zap.String("topic", topic), zap.Error(herr))
			}
			if err := d.Ack(false); err != nil {
				c.logger.Warn("Ack failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

func fromDelivery(topic string, d amqp.Delivery) *bus.Message {
	msg := &bus.Message{
		Topic:     topic,
		Value:     d.Body,
		Offset:    int64(d.DeliveryTag),
		Timestamp: d.Timestamp,
	}
	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			msg.Headers[k] = fmt.Sprint(v)
		}
	}
	return msg
}

// Close closes the publish channel and the shared connection. It is
// idempotent.
func (c *Client) Close() error {
	c.pubMu.Lock()
	c.resetPublishChannel()
	c.pubMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
