package subscriber

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/bus/memory"
	"github.com/agbruneau/apibus/internal/retry"
	"github.com/agbruneau/apibus/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// collector records delivered payloads.
type collector struct {
	mu   sync.Mutex
	seen []string
	ch   chan string
}

func newCollector() *collector {
	return &collector{ch: make(chan string, 100)}
}

func (c *collector) handle(_ context.Context, msg *bus.Message) error {
	c.mu.Lock()
	c.seen = append(c.seen, string(msg.Value))
	c.mu.Unlock()
	c.ch <- string(msg.Value)
	return nil
}

func (c *collector) next(t *testing.T) string {
	t.Helper()
	select {
	case v := <-c.ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return ""
	}
}

func publish(t *testing.T, b *memory.Broker, topic string, values ...string) {
	t.Helper()
	for _, v := range values {
		require.NoError(t, b.Publish(t.Context(), &bus.Message{Topic: topic, Value: []byte(v)}))
	}
}

func TestPublishThenSubscribeDeliversExactBytes(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	sub := New(b, nil)
	c := newCollector()
	require.NoError(t, sub.Subscribe(ctx, "api-logs", c.handle))

	publish(t, b, "api-logs", `{"requestId":"abc"}`)
	assert.Equal(t, `{"requestId":"abc"}`, c.next(t))

	cancel()
	require.NoError(t, sub.Wait())
}

func TestHandlerFailureDoesNotStopLoop(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	core, logs := observer.New(zap.ErrorLevel)
	sub := New(b, zap.New(core))

	got := make(chan string, 10)
	require.NoError(t, sub.Subscribe(ctx, "t", func(_ context.Context, msg *bus.Message) error {
		got <- string(msg.Value)
		if string(msg.Value) == "M" {
			return errors.New("cannot handle M")
		}
		return nil
	}))

	publish(t, b, "t", "M", "M+1")
	assert.Equal(t, "M", <-got)
	select {
	case v := <-got:
		assert.Equal(t, "M+1", v)
	case <-time.After(2 * time.Second):
		t.Fatal("message after the failing one was not delivered")
	}

	cancel()
	require.NoError(t, sub.Wait())

	entries := logs.FilterMessage("Message handler failed").All()
	require.Len(t, entries, 1)
	st := sub.Stats()
	assert.Equal(t, int64(2), st.MessagesReceived)
	assert.Equal(t, int64(1), st.MessagesFailed)
	assert.InDelta(t, 50.0, st.SuccessRate(), 0.001)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	sub := New(b, nil)
	c := newCollector()
	require.NoError(t, sub.Subscribe(ctx, "t", func(ctx context.Context, msg *bus.Message) error {
		if string(msg.Value) == "boom" {
			panic("handler bug")
		}
		return c.handle(ctx, msg)
	}))

	publish(t, b, "t", "boom", "after")
	assert.Equal(t, "after", c.next(t))

	cancel()
	require.NoError(t, sub.Wait())
	assert.Equal(t, int64(1), sub.Stats().MessagesFailed)
}

func TestDispatchReturnsHandlerError(t *testing.T) {
	sub := New(nil, nil, WithRetry(retry.Config{MaxAttempts: 3}))

	calls := 0
	h := sub.dispatch(func(context.Context, *bus.Message) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		panic("persistent")
	})

	err := h(t.Context(), &bus.Message{Topic: "t", Partition: 1, Offset: 7})

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 3, herr.Attempts)
	assert.True(t, herr.Panicked)
	assert.Equal(t, int64(7), herr.Offset)
	assert.Contains(t, herr.Error(), "handler panic: persistent")
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	sub := New(nil, nil, WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}))

	calls := 0
	h := sub.dispatch(func(context.Context, *bus.Message) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, h(t.Context(), &bus.Message{Topic: "t"}))
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(1), sub.Stats().MessagesProcessed)
}

func TestHandlerRunsWithDetachedContext(t *testing.T) {
	sub := New(nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var handlerErr error
	h := sub.dispatch(func(ctx context.Context, _ *bus.Message) error {
		handlerErr = ctx.Err()
		return nil
	})
	require.NoError(t, h(ctx, &bus.Message{Topic: "t"}))
	assert.NoError(t, handlerErr)
}

func TestSubscribeTwiceIsRejected(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	sub := New(b, nil)
	noop := func(context.Context, *bus.Message) error { return nil }
	require.NoError(t, sub.Subscribe(ctx, "t", noop))
	assert.ErrorIs(t, sub.Subscribe(ctx, "t", noop), ErrAlreadySubscribed)
	require.NoError(t, sub.Subscribe(ctx, "other", noop))

	cancel()
	require.NoError(t, sub.Wait())
}

func TestWaitWaitsForInFlightHandler(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx, cancel := context.WithCancel(t.Context())

	sub := New(b, nil)
	started := make(chan struct{})
	var finished bool
	require.NoError(t, sub.Subscribe(ctx, "t", func(context.Context, *bus.Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished = true
		return nil
	}))

	publish(t, b, "t", "slow")
	<-started
	cancel()
	require.NoError(t, sub.Wait())
	assert.True(t, finished)
}

func TestWaitReportsTransportError(t *testing.T) {
	b := memory.New()
	sub := New(b, nil)
	require.NoError(t, sub.Subscribe(t.Context(), "t", func(context.Context, *bus.Message) error { return nil }))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, sub.Wait(), bus.ErrClosed)
}

func TestFailedSignalsDeadLoop(t *testing.T) {
	b := memory.New()
	sub := New(b, nil)
	ok := func(context.Context, *bus.Message) error { return nil }
	require.NoError(t, sub.Subscribe(t.Context(), "a", ok))
	require.NoError(t, sub.Subscribe(t.Context(), "b", ok))

	select {
	case <-sub.Failed():
		t.Fatal("Failed closed while loops are healthy")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Close())
	select {
	case <-sub.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("Failed not closed after the loops died")
	}
	assert.ErrorIs(t, sub.Wait(), bus.ErrClosed)
}

func TestFailedStaysOpenOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	sub := New(memory.New(), nil)
	require.NoError(t, sub.Subscribe(ctx, "a", func(context.Context, *bus.Message) error { return nil }))

	cancel()
	require.NoError(t, sub.Wait())
	select {
	case <-sub.Failed():
		t.Fatal("cancellation is not a failure")
	default:
	}
}

func TestDeadLetterForwarding(t *testing.T) {
	b := memory.New()
	defer b.Close()

	dlq := retry.NewDeadLetterQueue(b, "api-logs-dlq", true)
	sub := New(b, nil, WithDeadLetterQueue(dlq))
	h := sub.dispatch(func(context.Context, *bus.Message) error { return errors.New("rejected") })

	err := h(t.Context(), &bus.Message{Topic: "api-logs", Offset: 3, Value: []byte(`{"requestId":"abc"}`)})
	require.Error(t, err)

	assert.Equal(t, 1, b.Len("api-logs-dlq"))
	assert.Equal(t, int64(1), sub.Stats().MessagesDeadLettered)
}

func TestJournalRecordsOutcomes(t *testing.T) {
	var buf bytes.Buffer
	sub := New(nil, nil, WithJournal(NewJournal(&buf)))

	ok := sub.dispatch(func(context.Context, *bus.Message) error { return nil })
	fail := sub.dispatch(func(context.Context, *bus.Message) error { return errors.New("nope") })

	require.NoError(t, ok(t.Context(), &bus.Message{Topic: "api-logs", Partition: 2, Offset: 5, Value: []byte(`{"requestId":"abc","statusCode":200}`)}))
	require.Error(t, fail(t.Context(), &bus.Message{Topic: "test-topic", Value: []byte("Hello from the API!")}))

	var entries []models.EventEntry
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var e models.EventEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)

	assert.Equal(t, models.EventMessageReceived, entries[0].EventType)
	assert.Equal(t, "api-logs", entries[0].Topic)
	assert.Equal(t, int32(2), entries[0].Partition)
	assert.Equal(t, int64(5), entries[0].Offset)
	assert.True(t, entries[0].Succeeded())
	assert.NotEmpty(t, entries[0].LogEvent)

	assert.Equal(t, models.EventHandlerFailed, entries[1].EventType)
	assert.Equal(t, "nope", entries[1].HandlerError)
	assert.Equal(t, "Hello from the API!", entries[1].RawMessage)
	assert.Empty(t, entries[1].LogEvent)
}

func TestOpenJournalAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apibus.events")

	for i := 0; i < 2; i++ {
		j, err := OpenJournal(path)
		require.NoError(t, err)
		require.NoError(t, j.Record(models.EventMessageReceived, &bus.Message{Topic: "t", Value: []byte("x")}, 1, nil))
		require.NoError(t, j.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestPrintHandler(t *testing.T) {
	var buf bytes.Buffer
	h := PrintHandler(&buf)

	require.NoError(t, h(t.Context(), &bus.Message{Value: []byte("Hello from the API!")}))
	assert.Equal(t, "Received: Hello from the API!\n", buf.String())
}

func TestPeriodicMetricsAreLogged(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx, cancel := context.WithCancel(t.Context())

	core, logs := observer.New(zap.InfoLevel)
	sub := New(b, zap.New(core), WithMetricsInterval(10*time.Millisecond))
	require.NoError(t, sub.Subscribe(ctx, "t", func(context.Context, *bus.Message) error { return nil }))

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("Periodic consumer metrics").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, sub.Wait())
	stopped := logs.FilterMessage("Consumer stopped properly").All()
	require.Len(t, stopped, 1)
	assert.NotContains(t, stopped[0].ContextMap(), "dlq_messages_sent")
}

func TestShutdownSummaryIncludesDeadLetters(t *testing.T) {
	b := memory.New()
	defer b.Close()
	ctx, cancel := context.WithCancel(t.Context())

	core, logs := observer.New(zap.InfoLevel)
	dlq := retry.NewDeadLetterQueue(b, "api-logs-dlq", true)
	sub := New(b, zap.New(core), WithDeadLetterQueue(dlq), WithMetricsInterval(time.Hour))
	require.NoError(t, sub.Subscribe(ctx, "api-logs", func(context.Context, *bus.Message) error {
		return errors.New("rejected")
	}))
	publish(t, b, "api-logs", `{"requestId":"abc"}`)

	assert.Eventually(t, func() bool { return dlq.GetStats().MessagesSent == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, sub.Wait())

	stopped := logs.FilterMessage("Consumer stopped properly").All()
	require.Len(t, stopped, 1)
	assert.Equal(t, int64(1), stopped[0].ContextMap()["dlq_messages_sent"])
	assert.Equal(t, int64(0), stopped[0].ContextMap()["dlq_send_errors"])
}
