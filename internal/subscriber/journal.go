package subscriber

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/pkg/models"
)

// Journal appends one models.EventEntry per consumed message to a JSONL
// stream. It is safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	closer  io.Closer
	encoder *json.Encoder
}

// OpenJournal opens filename for appending, creating it if needed.
func OpenJournal(filename string) (*Journal, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open journal %s: %w", filename, err)
	}
	return &Journal{closer: file, encoder: json.NewEncoder(file)}, nil
}

// NewJournal writes to w. Close does not close w.
func NewJournal(w io.Writer) *Journal {
	return &Journal{encoder: json.NewEncoder(w)}
}

// Record writes the outcome of handling msg.
func (j *Journal) Record(eventType string, msg *bus.Message, attempts int, handlerErr error) error {
	entry := models.EventEntry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		EventType:   eventType,
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		RawMessage:  string(msg.Value),
		MessageSize: len(msg.Value),
		Attempts:    attempts,
	}
	if handlerErr != nil {
		entry.HandlerError = handlerErr.Error()
	}
	if _, ok := models.ParseLogEvent(msg.Value); ok {
		entry.LogEvent = json.RawMessage(msg.Value)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.encoder.Encode(entry); err != nil {
		return fmt.Errorf("journal encoding: %w", err)
	}
	return nil
}

// Close closes the underlying file, if the journal owns one.
func (j *Journal) Close() error {
	if j == nil || j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
