/*
Package bus defines the broker capability the service depends on.

The gate, the provisioner and the publish/subscribe façades only see the
interfaces declared here. Each transport (Kafka via confluent-kafka-go or
franz-go, NATS JetStream, RabbitMQ, in-memory) lives in its own subpackage
and implements Client.
*/
package bus

import (
	"context"
	"time"
)

// TopicSpec declares the desired state of a topic.
type TopicSpec struct {
	Name              string `yaml:"name"`
	Partitions        int32  `yaml:"partitions"`
	ReplicationFactor int16  `yaml:"replication_factor"`
}

// Message is a record handed to or received from the broker.
// Value is opaque to this package.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one delivered message. A returned error is reported
// by the caller of Consume but never stops consumption.
type Handler func(ctx context.Context, msg *Message) error

// Prober checks that the broker set accepts connections.
// Ping opens a lightweight connection and closes it before returning.
type Prober interface {
	Ping(ctx context.Context) error
}

// Admin is an administrative session. It must be closed by its opener.
type Admin interface {
	// CreateTopics requests creation of all specs in one batch and returns
	// one result per spec. An error is returned only when the request as a
	// whole failed.
	CreateTopics(ctx context.Context, specs []TopicSpec) ([]TopicResult, error)
	Close() error
}

// TopicResult is the per-topic outcome of a CreateTopics request.
// Err wraps ErrTopicExists when the topic was already present.
type TopicResult struct {
	Topic string
	Err   error
}

// Administrator opens administrative sessions.
type Administrator interface {
	OpenAdmin(ctx context.Context) (Admin, error)
}

// Publisher hands a message to the broker and waits for the transport
// acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Consumer delivers messages of one topic to a handler.
// Consume blocks until ctx is cancelled (returning nil) or the transport
// fails; the handler is invoked sequentially, so no invocation is in flight
// once Consume returns.
type Consumer interface {
	Consume(ctx context.Context, topic string, h Handler) error
}

// Client is the full broker capability.
type Client interface {
	Prober
	Administrator
	Publisher
	Consumer
	Close() error
}
