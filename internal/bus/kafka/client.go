/*
Package kafka implements bus.Client on top of confluent-kafka-go.

The producer is shared by all publishers; librdkafka serializes access
internally. Each Consume call owns its consumer, and each Ping or admin
session owns a short-lived AdminClient.
*/
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Config contains the connection settings of the client.
type Config struct {
	Brokers              []string      // Bootstrap servers, host:port.
	ClientID             string        // client.id sent to the brokers.
	GroupID              string        // Consumer group of Consume.
	ReadTimeout          time.Duration // Poll timeout of the consume loop.
	AdminTimeout         time.Duration // Bound of probes and admin requests.
	FlushTimeout         time.Duration // Bound of the final flush on Close.
	MaxConsecutiveErrors int           // Read errors tolerated in a row.
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.AdminTimeout <= 0 {
		c.AdminTimeout = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 15 * time.Second
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 3
	}
	return c
}

func (c Config) bootstrap() string {
	return strings.Join(c.Brokers, ",")
}

// Client is a bus.Client backed by librdkafka.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	producer producerAPI
	closed   atomic.Bool

	newAdmin    func() (adminAPI, error)
	newConsumer func() (consumerAPI, error)
}

var _ bus.Client = (*Client)(nil)

// New creates the shared producer. No broker round-trip happens here.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, bus.ErrNoBrokers
	}
	cfg = cfg.withDefaults()

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.bootstrap(),
		"client.id":         cfg.ClientID,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create producer: %w", err)
	}

	c := newClient(cfg, logger, producer)
	c.newAdmin = func() (adminAPI, error) {
		admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
			"bootstrap.servers": cfg.bootstrap(),
			"client.id":         cfg.ClientID,
		})
		if err != nil {
			return nil, err
		}
		return admin, nil
	}
	c.newConsumer = func() (consumerAPI, error) {
		consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
			"bootstrap.servers": cfg.bootstrap(),
			"client.id":         cfg.ClientID,
			"group.id":          cfg.GroupID,
			"auto.offset.reset": "earliest",
		})
		if err != nil {
			return nil, err
		}
		return consumer, nil
	}
	return c, nil
}

func newClient(cfg Config, logger *zap.Logger, producer producerAPI) *Client {
	return &Client{
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger).With(zap.String("driver", "kafka")),
		producer: producer,
	}
}

// Ping opens an AdminClient, asks for the cluster id and closes it.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	admin, err := c.newAdmin()
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AdminTimeout)
	defer cancel()
	if _, err := admin.ClusterID(ctx); err != nil {
		return fmt.Errorf("cluster id: %w", err)
	}
	return nil
}

// OpenAdmin returns a session backed by a fresh AdminClient.
func (c *Client) OpenAdmin(ctx context.Context) (bus.Admin, error) {
	if c.closed.Load() {
		return nil, bus.ErrClosed
	}
	admin, err := c.newAdmin()
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &adminSession{admin: admin, timeout: c.cfg.AdminTimeout}, nil
}

type adminSession struct {
	admin   adminAPI
	timeout time.Duration
}

func (a *adminSession) CreateTopics(ctx context.Context, specs []bus.TopicSpec) ([]bus.TopicResult, error) {
	topics := make([]kafka.TopicSpecification, 0, len(specs))
	for _, s := range specs {
		topics = append(topics, kafka.TopicSpecification{
			Topic:             s.Name,
			NumPartitions:     int(s.Partitions),
			ReplicationFactor: int(s.ReplicationFactor),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	results, err := a.admin.CreateTopics(ctx, topics, kafka.SetAdminOperationTimeout(a.timeout))
	if err != nil {
		return nil, err
	}

	out := make([]bus.TopicResult, 0, len(results))
	for _, r := range results {
		out = append(out, bus.TopicResult{Topic: r.Topic, Err: topicError(r)})
	}
	return out, nil
}

func (a *adminSession) Close() error {
	a.admin.Close()
	return nil
}

func topicError(r kafka.TopicResult) error {
	switch r.Error.Code() {
	case kafka.ErrNoError:
		return nil
	case kafka.ErrTopicAlreadyExists:
		return fmt.Errorf("%w: %s", bus.ErrTopicExists, r.Topic)
	default:
		return r.Error
	}
}

// Publish produces msg and waits for its delivery report.
func (c *Client) Publish(ctx context.Context, msg *bus.Message) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}

	topic := msg.Topic
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := c.producer.Produce(km, deliveryChan); err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				return fmt.Errorf("delivery: %w", ev.TopicPartition.Error)
			}
			msg.Partition = ev.TopicPartition.Partition
			msg.Offset = int64(ev.TopicPartition.Offset)
			return nil
		case kafka.Error:
			return fmt.Errorf("delivery: %w", ev)
		default:
			return fmt.Errorf("unexpected delivery event %v", e)
		}
	}
}

// Consume subscribes a dedicated consumer of the configured group to topic.
// Offsets are committed automatically, handler outcome notwithstanding.
func (c *Client) Consume(ctx context.Context, topic string, h bus.Handler) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	consumer, err := c.newConsumer()
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			c.logger.Warn("Consumer close failed", zap.String("topic", topic), zap.Error(err))
		}
	}()

	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	consecutiveErrors := 0
	for ctx.Err() == nil {
		if c.closed.Load() {
			return bus.ErrClosed
		}
		km, err := consumer.ReadMessage(c.cfg.ReadTimeout)
		if err != nil {
			if stop := c.handleReadError(topic, err, &consecutiveErrors); stop != nil {
				return stop
			}
			continue
		}
		consecutiveErrors = 0

		if herr := h(ctx, fromKafka(km)); herr != nil {
			c.logger.Debug("Handler reported an error", zap.String("topic", topic), zap.Error(herr))
		}
	}
	return nil
}

// handleReadError returns a non-nil error when the loop must stop.
func (c *Client) handleReadError(topic string, err error, consecutiveErrors *int) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
		*consecutiveErrors = 0
		return nil
	}

	*consecutiveErrors++
	c.logger.Warn("Read error",
		zap.String("topic", topic),
		zap.Int("consecutive_errors", *consecutiveErrors),
		zap.Error(err))
	if *consecutiveErrors >= c.cfg.MaxConsecutiveErrors {
		return fmt.Errorf("too many consecutive read errors on %s: %w", topic, err)
	}
	return nil
}

func fromKafka(km *kafka.Message) *bus.Message {
	msg := &bus.Message{
		Key:       km.Key,
		Value:     km.Value,
		Partition: km.TopicPartition.Partition,
		Offset:    int64(km.TopicPartition.Offset),
		Timestamp: km.Timestamp,
	}
	if km.TopicPartition.Topic != nil {
		msg.Topic = *km.TopicPartition.Topic
	}
	if len(km.Headers) > 0 {
		msg.Headers = make(map[string]string, len(km.Headers))
		for _, hdr := range km.Headers {
			msg.Headers[hdr.Key] = string(hdr.Value)
		}
	}
	return msg
}

// Close flushes pending messages and closes the producer. It is idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if remaining := c.producer.Flush(int(c.cfg.FlushTimeout / time.Millisecond)); remaining > 0 {
		c.logger.Warn("Messages not delivered before close", zap.Int("remaining", remaining))
	}
	c.producer.Close()
	return nil
}
