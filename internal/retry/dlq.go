package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
)

// FailedMessage is the envelope published to the dead-letter topic.
type FailedMessage struct {
	OriginalTopic     string          `json:"original_topic"`
	OriginalPartition int32           `json:"original_partition"`
	OriginalOffset    int64           `json:"original_offset"`
	OriginalTimestamp time.Time       `json:"original_timestamp"`
	FailedAt          time.Time       `json:"failed_at"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RawPayload        string          `json:"raw_payload,omitempty"` // set when the payload is not JSON
}

// DeadLetterQueue forwards messages whose handler gave up to a dedicated topic.
type DeadLetterQueue struct {
	publisher bus.Publisher
	topic     string
	enabled   bool
	mu        sync.Mutex
	stats     DLQStats
}

// DLQStats counts dead-letter publications.
type DLQStats struct {
	MessagesSent  int64
	SendErrors    int64
	LastSentTime  time.Time
	LastErrorTime time.Time
}

// NewDeadLetterQueue returns a queue publishing to topic through pub.
// A disabled queue accepts Send calls and drops them.
func NewDeadLetterQueue(pub bus.Publisher, topic string, enabled bool) *DeadLetterQueue {
	if pub == nil || topic == "" {
		enabled = false
	}
	return &DeadLetterQueue{publisher: pub, topic: topic, enabled: enabled}
}

// Send publishes the failure envelope of original and waits for the broker
// acknowledgement.
//
// Parameters:
//   - original: the message the handler failed on.
//   - attempts: handler attempts made before giving up.
//   - lastErr: the last handler error.
//
// Returns:
//   - error: a serialization or transport error.
func (d *DeadLetterQueue) Send(ctx context.Context, original *bus.Message, attempts int, lastErr error) error {
	if !d.enabled {
		return nil
	}

	failed := FailedMessage{
		OriginalTopic:     original.Topic,
		OriginalPartition: original.Partition,
		OriginalOffset:    original.Offset,
		OriginalTimestamp: original.Timestamp,
		FailedAt:          time.Now().UTC(),
		Attempts:          attempts,
	}
	if lastErr != nil {
		failed.LastError = lastErr.Error()
	}
	if json.Valid(original.Value) {
		failed.Payload = json.RawMessage(original.Value)
	} else {
		failed.RawPayload = string(original.Value)
	}

	payload, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("dead-letter serialization: %w", err)
	}

	err = d.publisher.Publish(ctx, &bus.Message{
		Topic: d.topic,
		Key:   original.Key,
		Value: payload,
		Headers: map[string]string{
			"original-topic": failed.OriginalTopic,
			"error":          failed.LastError,
			"attempts":       strconv.Itoa(attempts),
		},
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.stats.SendErrors++
		d.stats.LastErrorTime = time.Now()
		return fmt.Errorf("dead-letter publish to %s: %w", d.topic, err)
	}
	d.stats.MessagesSent++
	d.stats.LastSentTime = time.Now()
	return nil
}

// GetStats returns a snapshot of the counters.
func (d *DeadLetterQueue) GetStats() DLQStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// IsEnabled reports whether Send publishes anything.
func (d *DeadLetterQueue) IsEnabled() bool {
	return d.enabled
}

// Topic returns the dead-letter topic name.
func (d *DeadLetterQueue) Topic() string {
	return d.topic
}
