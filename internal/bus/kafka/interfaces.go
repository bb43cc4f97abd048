package kafka

import (
	"context"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// producerAPI is the part of *kafka.Producer the client uses.
type producerAPI interface {
	// Produce enqueues msg; the delivery report arrives on deliveryChan.
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	// Flush waits up to timeoutMs for queued messages and returns how many remain.
	Flush(timeoutMs int) int
	Close()
}

// consumerAPI is the part of *kafka.Consumer a consume loop uses.
type consumerAPI interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// adminAPI is the part of *kafka.AdminClient used by probes and admin sessions.
type adminAPI interface {
	// ClusterID only succeeds when a broker answers, which makes it the probe.
	ClusterID(ctx context.Context) (string, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	Close()
}

var (
	_ producerAPI = (*kafka.Producer)(nil)
	_ consumerAPI = (*kafka.Consumer)(nil)
	_ adminAPI    = (*kafka.AdminClient)(nil)
)
