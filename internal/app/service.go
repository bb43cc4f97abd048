/*
Package app composes the service: it waits for the broker, provisions the
topics, then runs the consumers and the HTTP listener until shutdown.

	NotStarted -> WaitingForBroker -> ProvisioningTopics -> Ready
	                     |                                  |
	                     +-> Failed <-----------------------+

Provisioning failures are logged and do not stop the sequence. HTTP traffic
is accepted only once the service is Ready. A consume loop ending on a
transport error moves a Ready service to Failed and stops Run.
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/config"
	"github.com/agbruneau/apibus/internal/gate"
	"github.com/agbruneau/apibus/internal/httpapi"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/agbruneau/apibus/internal/metrics"
	"github.com/agbruneau/apibus/internal/provision"
	"github.com/agbruneau/apibus/internal/publisher"
	"github.com/agbruneau/apibus/internal/retry"
	"github.com/agbruneau/apibus/internal/subscriber"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the bootstrap progress of a Service.
type State int32

const (
	NotStarted State = iota
	WaitingForBroker
	ProvisioningTopics
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case WaitingForBroker:
		return "WaitingForBroker"
	case ProvisioningTopics:
		return "ProvisioningTopics"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("app: service already started")
	// ErrConsumerStopped is returned by Run when a consume loop died.
	ErrConsumerStopped = errors.New("app: consume loop stopped")
)

// Service owns the broker client and everything built on it.
type Service struct {
	cfg    *config.AppConfig
	client bus.Client
	logger *zap.Logger
	out    io.Writer

	state   atomic.Int32
	started atomic.Bool

	pub     *publisher.Publisher
	sub     *subscriber.Subscriber
	journal *subscriber.Journal
	server  *http.Server

	addr      atomic.Value // string
	listening chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Service.
type Option func(*Service)

// WithOutput sets where consumed messages are printed. The default is stdout.
func WithOutput(w io.Writer) Option {
	return func(s *Service) { s.out = w }
}

// New assembles the service around client. The client is owned by the
// service from here on and closed by Close.
func New(cfg *config.AppConfig, client bus.Client, logger *zap.Logger, opts ...Option) (*Service, error) {
	logger = logging.OrNop(logger)
	s := &Service{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		out:       os.Stdout,
		listening: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Subscriber.EventsFile != "" {
		j, err := subscriber.OpenJournal(cfg.Subscriber.EventsFile)
		if err != nil {
			return nil, err
		}
		s.journal = j
	}

	dlq := retry.NewDeadLetterQueue(client, cfg.DLQ.Topic, cfg.DLQ.Enabled)
	s.sub = subscriber.New(client, logger,
		subscriber.WithJournal(s.journal),
		subscriber.WithRetry(retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.GetInitialRetryDelay(),
			MaxDelay:     cfg.GetMaxRetryDelay(),
			Multiplier:   cfg.Retry.Multiplier,
		}),
		subscriber.WithDeadLetterQueue(dlq),
		subscriber.WithMetricsInterval(cfg.GetMetricsInterval()),
	)
	s.pub = publisher.New(client, logger, publisher.WithTimeout(cfg.GetPublishTimeout()))

	api := httpapi.New(s.pub, httpapi.Config{
		GreetingTopic: cfg.Publish.GreetingTopic,
		LogTopic:      cfg.Publish.LogTopic,
	}, s.status, logger)
	s.server = &http.Server{
		Handler:           api.Handler(),
		ReadTimeout:       msDuration(cfg.HTTP.ReadTimeoutMs),
		ReadHeaderTimeout: msDuration(cfg.HTTP.ReadTimeoutMs),
		WriteTimeout:      msDuration(cfg.HTTP.WriteTimeoutMs),
	}

	s.setState(NotStarted)
	return s, nil
}

// State returns the current bootstrap state.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) status() (string, bool) {
	st := s.State()
	return st.String(), st == Ready
}

func (s *Service) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	metrics.BootstrapState.Set(float64(st))
	if prev != st {
		s.logger.Info("Bootstrap state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

// Subscriber returns the subscribe façade.
func (s *Service) Subscriber() *subscriber.Subscriber { return s.sub }

// Listening is closed once the HTTP listener accepts connections.
func (s *Service) Listening() <-chan struct{} { return s.listening }

// Addr returns the bound HTTP address, or "" before Listening is closed.
func (s *Service) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start waits for the broker then provisions the topics. A gate failure
// leaves the service Failed and is returned; a provisioning failure is
// logged and the service still becomes Ready.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.setState(WaitingForBroker)
	if err := gate.AwaitReady(ctx, s.client, gate.Config{
		MaxRetries:    s.cfg.Gate.MaxRetries,
		RetryInterval: s.cfg.GetRetryInterval(),
	}, s.logger); err != nil {
		s.setState(Failed)
		return err
	}

	s.setState(ProvisioningTopics)
	if err := provision.EnsureTopics(ctx, s.client, s.topicSpecs(), s.logger); err != nil {
		s.logger.Warn("Topic provisioning incomplete, continuing", zap.Error(err))
	}

	s.setState(Ready)
	return nil
}

// topicSpecs returns the configured topics plus the dead-letter topic when
// it is enabled and not declared.
func (s *Service) topicSpecs() []bus.TopicSpec {
	specs := append([]bus.TopicSpec(nil), s.cfg.Topics...)
	if !s.cfg.DLQ.Enabled || s.cfg.DLQ.Topic == "" {
		return specs
	}
	for _, spec := range specs {
		if spec.Name == s.cfg.DLQ.Topic {
			return specs
		}
	}
	return append(specs, bus.TopicSpec{Name: s.cfg.DLQ.Topic, Partitions: 1, ReplicationFactor: 1})
}

// Run starts the service, then serves HTTP and consumes the subscribed
// topics until ctx is cancelled or a consume loop dies. On return the HTTP server is shut down,
// every consumer has stopped and the client is closed.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.addr.Store(ln.Addr().String())
	close(s.listening)

	g, gctx := errgroup.WithContext(ctx)

	printer := subscriber.PrintHandler(s.out)
	for _, topic := range s.cfg.Subscriber.Topics {
		if err := s.sub.Subscribe(gctx, topic, printer); err != nil {
			s.logger.Warn("Subscription skipped", zap.String("topic", topic), zap.Error(err))
		}
	}

	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.sub.Failed():
			s.setState(Failed)
			return ErrConsumerStopped
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down HTTP server")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	return errors.Join(err, s.sub.Wait())
}

// Close releases the journal and the broker client. It is idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.journal != nil {
			errs = append(errs, s.journal.Close())
		}
		errs = append(errs, s.client.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
