package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/bus/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBusPublisher struct {
	mock.Mock
}

func (m *mockBusPublisher) Publish(ctx context.Context, msg *bus.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func TestPublishPassesPayloadUnchanged(t *testing.T) {
	payload := []byte(`{"requestId":"abc"}`)
	client := new(mockBusPublisher)
	client.On("Publish", mock.Anything, mock.MatchedBy(func(m *bus.Message) bool {
		return m.Topic == "api-logs" && string(m.Value) == string(payload) && m.Key == nil
	})).Return(nil).Once()

	require.NoError(t, New(client, nil).Publish(t.Context(), "api-logs", payload))
	client.AssertExpectations(t)
}

func TestPublishTransportFailure(t *testing.T) {
	boom := errors.New("broker unreachable")
	client := new(mockBusPublisher)
	client.On("Publish", mock.Anything, mock.Anything).Return(boom).Once()

	err := New(client, nil).Publish(t.Context(), "api-logs", []byte("x"))

	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "api-logs", perr.Topic)
	assert.ErrorIs(t, err, boom)
	client.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPublishTimeout(t *testing.T) {
	client := new(mockBusPublisher)
	client.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded)

	start := time.Now()
	err := New(client, nil, WithTimeout(20*time.Millisecond)).Publish(t.Context(), "t", nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPublishJSON(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := New(b, nil)

	require.NoError(t, p.PublishJSON(t.Context(), "api-logs", map[string]string{"requestId": "abc"}))
	assert.Equal(t, 1, b.Len("api-logs"))

	err := p.PublishJSON(t.Context(), "api-logs", make(chan int))
	assert.Error(t, err)
	var perr *PublishError
	assert.False(t, errors.As(err, &perr), "serialization errors are not transport errors")
}

func TestPublishConcurrent(t *testing.T) {
	b := memory.New()
	defer b.Close()
	p := New(b, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Publish(t.Context(), "api-logs", []byte("m")))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Len("api-logs"))
}
