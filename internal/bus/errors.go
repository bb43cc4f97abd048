package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrTopicExists reports that a topic is already provisioned.
	ErrTopicExists = errors.New("bus: topic already exists")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("bus: client is closed")
	// ErrInvalidTopicSpec reports a TopicSpec that cannot be provisioned.
	ErrInvalidTopicSpec = errors.New("bus: invalid topic spec")
	// ErrNoBrokers is returned by drivers constructed without endpoints.
	ErrNoBrokers = errors.New("bus: no broker endpoints configured")
)

// ValidateTopicSpecs checks that every spec has a name, positive counts and
// that names are unique within the set.
func ValidateTopicSpecs(specs []TopicSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("%w: spec %d has no name", ErrInvalidTopicSpec, i)
		}
		if s.Partitions <= 0 {
			return fmt.Errorf("%w: %s: partitions must be positive, got %d", ErrInvalidTopicSpec, s.Name, s.Partitions)
		}
		if s.ReplicationFactor <= 0 {
			return fmt.Errorf("%w: %s: replication factor must be positive, got %d", ErrInvalidTopicSpec, s.Name, s.ReplicationFactor)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: %s declared twice", ErrInvalidTopicSpec, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// TopicNames returns the names of specs in declaration order.
func TopicNames(specs []TopicSpec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}
