package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/bus/franz"
	"github.com/agbruneau/apibus/internal/bus/memory"
	"github.com/agbruneau/apibus/internal/bus/natsjs"
	"github.com/agbruneau/apibus/internal/bus/rabbitmq"
	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/internal/gate"
	"github.com/agbruneau/apibus/internal/httpapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// adminlessBroker refuses admin sessions.
type adminlessBroker struct {
	*memory.Broker
}

func (adminlessBroker) OpenAdmin(context.Context) (bus.Admin, error) {
	return nil, errors.New("not authorized")
}

// brokenConsumeBroker ends every consume loop at once.
type brokenConsumeBroker struct {
	*memory.Broker
}

func (brokenConsumeBroker) Consume(context.Context, string, bus.Handler) error {
	return errors.New("too many consecutive read errors")
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Bus.Driver = config.DriverMemory
	cfg.Gate.MaxRetries = 3
	cfg.Gate.RetryIntervalMs = 1
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Subscriber.EventsFile = filepath.Join(t.TempDir(), "apibus.events")
	cfg.Subscriber.MetricsIntervalSeconds = 0
	return cfg
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "NotStarted", NotStarted.String())
	assert.Equal(t, "WaitingForBroker", WaitingForBroker.String())
	assert.Equal(t, "ProvisioningTopics", ProvisioningTopics.String())
	assert.Equal(t, "Ready", Ready.String())
	assert.Equal(t, "Failed", Failed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestStartReachesReady(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	broker := memory.New()
	svc, err := New(testConfig(t), broker, zap.New(core))
	require.NoError(t, err)
	defer svc.Close()
	assert.Equal(t, NotStarted, svc.State())

	require.NoError(t, svc.Start(t.Context()))

	assert.Equal(t, Ready, svc.State())
	topics := broker.Topics()
	assert.Equal(t, int32(1), topics["test-topic"].Partitions)
	assert.Equal(t, int32(3), topics["api-logs"].Partitions)
	opened, closed := broker.AdminSessions()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)

	var transitions []string
	for _, e := range logs.FilterMessage("Bootstrap state changed").All() {
		transitions = append(transitions, e.ContextMap()["to"].(string))
	}
	assert.Equal(t, []string{"WaitingForBroker", "ProvisioningTopics", "Ready"}, transitions)

	assert.ErrorIs(t, svc.Start(t.Context()), ErrAlreadyStarted)
}

func TestStartFailsWhenBrokerNeverReady(t *testing.T) {
	broker := memory.New(memory.WithPingFailures(100, errors.New("connection refused")))
	svc, err := New(testConfig(t), broker, nil)
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Start(t.Context())

	require.ErrorIs(t, err, gate.ErrTimeout)
	assert.Equal(t, Failed, svc.State())
	assert.Equal(t, 3, broker.Pings())
	assert.Empty(t, broker.Topics())
}

func TestRunDoesNotListenWhenGateFails(t *testing.T) {
	broker := memory.New(memory.WithPingFailures(100, errors.New("connection refused")))
	svc, err := New(testConfig(t), broker, nil)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Run(t.Context()), gate.ErrTimeout)
	select {
	case <-svc.Listening():
		t.Fatal("listener opened without a ready broker")
	default:
	}
	assert.Empty(t, svc.Addr())
	assert.ErrorIs(t, broker.Publish(t.Context(), &bus.Message{Topic: "t"}), bus.ErrClosed)
}

func TestStartContinuesAfterProvisioningFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	svc, err := New(testConfig(t), adminlessBroker{memory.New()}, zap.New(core))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Start(t.Context()))
	assert.Equal(t, Ready, svc.State())
	assert.Equal(t, 1, logs.FilterMessage("Topic provisioning incomplete, continuing").Len())
}

func TestTopicSpecsAddsDeadLetterTopic(t *testing.T) {
	cfg := testConfig(t)
	cfg.DLQ.Enabled = true
	cfg.DLQ.Topic = "api-logs-dlq"
	broker := memory.New()
	svc, err := New(cfg, broker, nil)
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Start(t.Context()))
	assert.Contains(t, broker.Topics(), "api-logs-dlq")

	cfg.Topics = append(cfg.Topics, bus.TopicSpec{Name: "api-logs-dlq", Partitions: 2, ReplicationFactor: 1})
	assert.Len(t, svc.topicSpecs(), len(cfg.Topics))
}

func TestRunServesAndConsumesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	broker := memory.New()
	out := &lockedBuffer{}
	svc, err := New(cfg, broker, nil, WithOutput(out))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-svc.Listening():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never opened")
	}
	assert.Equal(t, Ready, svc.State())
	base := "http://" + svc.Addr()

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Hello World"}`, string(body))

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Received: "+httpapi.Greeting+"\n")
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Post(base+"/log-test", "application/json", strings.NewReader(`{"requestId":"abc"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, broker.Len("api-logs"))

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int64(1), svc.Subscriber().Stats().MessagesProcessed)
	assert.ErrorIs(t, broker.Publish(t.Context(), &bus.Message{Topic: "t"}), bus.ErrClosed)
	require.NoError(t, svc.Close())
}

func TestRunStopsWhenConsumeLoopDies(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	broker := brokenConsumeBroker{memory.New()}
	svc, err := New(testConfig(t), broker, zap.New(core))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(t.Context()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrConsumerStopped)
		assert.Contains(t, err.Error(), "consume test-topic: too many consecutive read errors")
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept serving after its consume loop died")
	}

	assert.Equal(t, Failed, svc.State())
	state, ready := svc.status()
	assert.Equal(t, "Failed", state)
	assert.False(t, ready, "/healthz must not report a dead consumer as ready")
	assert.Equal(t, 1, logs.FilterMessage("Consume loop stopped").Len())
	assert.ErrorIs(t, broker.Publish(t.Context(), &bus.Message{Topic: "t"}), bus.ErrClosed)
}

func TestNewClientSelectsDriver(t *testing.T) {
	cfg := testConfig(t)

	client, err := NewClient(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Broker{}, client)

	cfg.Bus.Driver = config.DriverFranz
	client, err = NewClient(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &franz.Client{}, client)
	require.NoError(t, client.Close())

	cfg.Bus.Driver = config.DriverNATS
	client, err = NewClient(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &natsjs.Client{}, client)
	require.NoError(t, client.Close())

	cfg.Bus.Driver = config.DriverRabbitMQ
	client, err = NewClient(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &rabbitmq.Client{}, client)
	require.NoError(t, client.Close())

	cfg.Bus.Driver = config.DriverKafka
	cfg.Bus.Brokers = nil
	_, err = NewClient(cfg, nil)
	assert.ErrorIs(t, err, bus.ErrNoBrokers)

	cfg.Bus.Driver = "carrier-pigeon"
	_, err = NewClient(cfg, nil)
	assert.Error(t, err)
}
