package kafka

import (
	"context"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
)

// mockProducer answers every accepted Produce with a delivery report on
// partition 2, offset 42, failed with deliveryErr. noReport suppresses it.
type mockProducer struct {
	mock.Mock
	deliveryErr error
	noReport    bool
}

func (m *mockProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	err := m.Called(msg, deliveryChan).Error(0)
	if err != nil || deliveryChan == nil || m.noReport {
		return err
	}
	report := &kafka.Message{TopicPartition: kafka.TopicPartition{
		Topic:     msg.TopicPartition.Topic,
		Partition: 2,
		Offset:    42,
		Error:     m.deliveryErr,
	}}
	go func() { deliveryChan <- report }()
	return nil
}

func (m *mockProducer) Flush(timeoutMs int) int {
	return m.Called(timeoutMs).Int(0)
}

func (m *mockProducer) Close() {
	m.Called()
}

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) SubscribeTopics(topics []string, cb kafka.RebalanceCb) error {
	return m.Called(topics, cb).Error(0)
}

func (m *mockConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	args := m.Called(timeout)
	msg, _ := args.Get(0).(*kafka.Message)
	return msg, args.Error(1)
}

func (m *mockConsumer) Close() error {
	return m.Called().Error(0)
}

type mockAdmin struct {
	mock.Mock
}

func (m *mockAdmin) ClusterID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockAdmin) CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, _ ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error) {
	args := m.Called(ctx, topics)
	results, _ := args.Get(0).([]kafka.TopicResult)
	return results, args.Error(1)
}

func (m *mockAdmin) Close() {
	m.Called()
}
