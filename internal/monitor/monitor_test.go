package monitor

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/pkg/models"
)

func TestNewMonitorDefaults(t *testing.T) {
	m := New(Config{LogFile: "apibus.log"})

	if m.Metrics == nil {
		t.Fatal("Metrics is nil")
	}
	if got := m.Config().MaxRecentLogs; got != config.MonitorMaxRecentLogs {
		t.Errorf("MaxRecentLogs: expected %d, got %d", config.MonitorMaxRecentLogs, got)
	}
	if got := m.Config().MaxRecentEvents; got != config.MonitorMaxRecentEvents {
		t.Errorf("MaxRecentEvents: expected %d, got %d", config.MonitorMaxRecentEvents, got)
	}
	if m.Metrics.BootstrapState != "-" {
		t.Errorf("BootstrapState: expected '-', got %q", m.Metrics.BootstrapState)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.LogFile = "/var/log/apibus.log"
	cfg.Subscriber.EventsFile = "/var/log/apibus.events"
	cfg.Monitor.MaxRecentLogs = 7

	got := ConfigFrom(cfg)
	if got.LogFile != cfg.App.LogFile || got.EventsFile != cfg.Subscriber.EventsFile {
		t.Errorf("unexpected files: %+v", got)
	}
	if got.MaxRecentLogs != 7 {
		t.Errorf("MaxRecentLogs: expected 7, got %d", got.MaxRecentLogs)
	}
}

func TestProcessLogCountsErrors(t *testing.T) {
	m := New(Config{})

	m.ProcessLog(models.LogEntry{Level: models.LogLevelINFO, Message: "HTTP server listening"})
	if m.Metrics.ErrorCount != 0 {
		t.Errorf("Expected 0 errors, got %d", m.Metrics.ErrorCount)
	}

	m.ProcessLog(models.LogEntry{Level: models.LogLevelERROR, Message: "Publish failed"})
	if m.Metrics.ErrorCount != 1 {
		t.Errorf("Expected 1 error, got %d", m.Metrics.ErrorCount)
	}
	if m.Metrics.LastErrorTime.IsZero() {
		t.Error("LastErrorTime should be set")
	}
	if len(m.Metrics.RecentLogs) != 2 {
		t.Errorf("Expected 2 logs, got %d", len(m.Metrics.RecentLogs))
	}
}

func TestProcessLogBootstrapState(t *testing.T) {
	m := New(Config{})

	for _, to := range []string{"WaitingForBroker", "ProvisioningTopics", "Ready"} {
		m.ProcessLog(models.LogEntry{
			Level:    models.LogLevelINFO,
			Message:  "Bootstrap state changed",
			Metadata: map[string]interface{}{"from": "x", "to": to},
		})
	}
	if m.Metrics.BootstrapState != "Ready" {
		t.Errorf("BootstrapState: expected Ready, got %q", m.Metrics.BootstrapState)
	}
}

func TestProcessLogPeriodicMetrics(t *testing.T) {
	m := New(Config{})

	// Shape written by zap: numbers decode as float64.
	m.ProcessLog(models.LogEntry{
		Level:   models.LogLevelINFO,
		Message: "Periodic consumer metrics",
		Metadata: map[string]interface{}{
			"messages_received":      float64(10),
			"messages_processed":     float64(9),
			"messages_failed":        float64(1),
			"messages_dead_lettered": float64(1),
			"success_rate_percent":   "90.00",
			"messages_per_second":    "2.50",
		},
	})

	if m.Metrics.MessagesReceived != 10 || m.Metrics.MessagesProcessed != 9 || m.Metrics.MessagesFailed != 1 {
		t.Errorf("unexpected counters: %d/%d/%d", m.Metrics.MessagesReceived, m.Metrics.MessagesProcessed, m.Metrics.MessagesFailed)
	}
	if m.Metrics.MessagesDeadLettered != 1 {
		t.Errorf("MessagesDeadLettered: expected 1, got %d", m.Metrics.MessagesDeadLettered)
	}
	if m.Metrics.CurrentSuccessRate != 90 {
		t.Errorf("CurrentSuccessRate: expected 90, got %f", m.Metrics.CurrentSuccessRate)
	}
	if m.Metrics.CurrentMessagesPerSec != 2.5 {
		t.Errorf("CurrentMessagesPerSec: expected 2.5, got %f", m.Metrics.CurrentMessagesPerSec)
	}
	if len(m.Metrics.MessagesPerSecond) != 1 || len(m.Metrics.SuccessRateHistory) != 1 {
		t.Error("history should have one point each")
	}
}

func TestProcessLogPeriodicMetricsIgnoresBadValues(t *testing.T) {
	m := New(Config{})
	m.ProcessLog(models.LogEntry{
		Message:  "Periodic consumer metrics",
		Metadata: map[string]interface{}{"messages_per_second": "n/a", "messages_received": "ten"},
	})
	m.ProcessLog(models.LogEntry{Message: "Periodic consumer metrics"})

	if len(m.Metrics.MessagesPerSecond) != 0 {
		t.Error("unparsable throughput should not be recorded")
	}
	if m.Metrics.MessagesReceived != 0 {
		t.Errorf("MessagesReceived: expected 0, got %d", m.Metrics.MessagesReceived)
	}
}

func TestProcessLogBoundsRecentLogs(t *testing.T) {
	m := New(Config{MaxRecentLogs: 3})
	for i := range 5 {
		m.ProcessLog(models.LogEntry{Message: fmt.Sprintf("log %d", i)})
	}

	if len(m.Metrics.RecentLogs) != 3 {
		t.Fatalf("Expected 3 logs, got %d", len(m.Metrics.RecentLogs))
	}
	if m.Metrics.RecentLogs[0].Message != "log 2" {
		t.Errorf("oldest kept log: expected 'log 2', got %q", m.Metrics.RecentLogs[0].Message)
	}
}

func TestProcessEvent(t *testing.T) {
	m := New(Config{})

	m.ProcessEvent(models.EventEntry{EventType: models.EventMessageReceived, Topic: "test-topic", RawMessage: "Hello from the API!"})
	m.ProcessEvent(models.EventEntry{EventType: models.EventHandlerFailed, Topic: "api-logs", HandlerError: "boom"})
	m.ProcessEvent(models.EventEntry{EventType: models.EventDeadLettered, Topic: "api-logs", HandlerError: "boom"})

	if m.Metrics.MessagesReceived != 2 {
		t.Errorf("MessagesReceived: expected 2, got %d", m.Metrics.MessagesReceived)
	}
	if m.Metrics.MessagesProcessed != 1 {
		t.Errorf("MessagesProcessed: expected 1, got %d", m.Metrics.MessagesProcessed)
	}
	if m.Metrics.MessagesFailed != 1 {
		t.Errorf("MessagesFailed: expected 1, got %d", m.Metrics.MessagesFailed)
	}
	if m.Metrics.MessagesDeadLettered != 1 {
		t.Errorf("MessagesDeadLettered: expected 1, got %d", m.Metrics.MessagesDeadLettered)
	}
	if m.Metrics.CurrentSuccessRate != 50 {
		t.Errorf("CurrentSuccessRate: expected 50, got %f", m.Metrics.CurrentSuccessRate)
	}
	if m.Metrics.ErrorCount != 1 {
		t.Errorf("ErrorCount: expected 1, got %d", m.Metrics.ErrorCount)
	}
	if len(m.Metrics.RecentEvents) != 3 {
		t.Errorf("Expected 3 events, got %d", len(m.Metrics.RecentEvents))
	}
}

func TestProcessEventTracksLogEvents(t *testing.T) {
	m := New(Config{})
	ev := models.LogEvent{Method: "POST", Path: "/log-test", StatusCode: 200, RequestID: "req-1"}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m.ProcessEvent(models.EventEntry{EventType: models.EventMessageReceived, Topic: "api-logs", LogEvent: data})
	m.ProcessEvent(models.EventEntry{EventType: models.EventMessageReceived, Topic: "test-topic"})

	if m.Metrics.LogEventsReceived != 1 {
		t.Errorf("LogEventsReceived: expected 1, got %d", m.Metrics.LogEventsReceived)
	}
	if m.Metrics.LastLogEvent == nil || m.Metrics.LastLogEvent.RequestID != "req-1" {
		t.Errorf("LastLogEvent: unexpected %+v", m.Metrics.LastLogEvent)
	}
}

func TestTickUpdatesUptime(t *testing.T) {
	m := New(Config{})
	m.Metrics.StartTime = time.Now().Add(-time.Minute)
	m.Tick()

	if m.Metrics.Uptime < time.Minute {
		t.Errorf("Uptime: expected >= 1m, got %s", m.Metrics.Uptime)
	}
}
