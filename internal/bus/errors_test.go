package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTopicSpecs(t *testing.T) {
	tests := []struct {
		name    string
		specs   []TopicSpec
		wantErr bool
	}{
		{"empty set", nil, false},
		{"valid", []TopicSpec{{Name: "t1", Partitions: 3, ReplicationFactor: 1}}, false},
		{"missing name", []TopicSpec{{Partitions: 1, ReplicationFactor: 1}}, true},
		{"zero partitions", []TopicSpec{{Name: "t1", ReplicationFactor: 1}}, true},
		{"negative replication", []TopicSpec{{Name: "t1", Partitions: 1, ReplicationFactor: -1}}, true},
		{"duplicate", []TopicSpec{
			{Name: "t1", Partitions: 1, ReplicationFactor: 1},
			{Name: "t1", Partitions: 2, ReplicationFactor: 1},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicSpecs(tt.specs)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidTopicSpec), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopicNames(t *testing.T) {
	specs := []TopicSpec{{Name: "b"}, {Name: "a"}}
	assert.Equal(t, []string{"b", "a"}, TopicNames(specs))
}
