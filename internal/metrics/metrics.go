// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apibus_http_requests_total",
		Help: "HTTP requests by route, method and status code",
	}, []string{"route", "method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apibus_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apibus_messages_published_total",
		Help: "Messages acknowledged by the broker",
	}, []string{"topic"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apibus_publish_failures_total",
		Help: "Publish calls that returned an error",
	}, []string{"topic"})

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apibus_messages_consumed_total",
		Help: "Messages delivered to a handler",
	}, []string{"topic"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apibus_handler_failures_total",
		Help: "Messages whose handler failed after all attempts",
	}, []string{"topic"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apibus_dead_lettered_total",
		Help: "Messages forwarded to the dead-letter topic",
	}, []string{"topic"})

	GateAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apibus_gate_attempts_total",
		Help: "Broker readiness probes",
	})

	BootstrapState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apibus_bootstrap_state",
		Help: "Bootstrap state: 0 NotStarted, 1 WaitingForBroker, 2 ProvisioningTopics, 3 Ready, 4 Failed",
	})
)
