package app

import (
	"fmt"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/bus/franz"
	"github.com/agbruneau/apibus/internal/bus/kafka"
	"github.com/agbruneau/apibus/internal/bus/memory"
	"github.com/agbruneau/apibus/internal/bus/natsjs"
	"github.com/agbruneau/apibus/internal/bus/rabbitmq"
	"github.com/agbruneau/apibus/internal/config"
	"go.uber.org/zap"
)

// NewClient builds the bus.Client selected by cfg.Bus.Driver. No broker
// round-trip happens here.
func NewClient(cfg *config.AppConfig, logger *zap.Logger) (bus.Client, error) {
	switch cfg.Bus.Driver {
	case config.DriverKafka:
		return kafka.New(kafka.Config{
			Brokers:              cfg.Bus.Brokers,
			ClientID:             cfg.Bus.ClientID,
			GroupID:              cfg.Subscriber.ConsumerGroup,
			ReadTimeout:          cfg.GetReadTimeout(),
			AdminTimeout:         cfg.GetAdminTimeout(),
			MaxConsecutiveErrors: cfg.Subscriber.MaxConsecutiveErrors,
		}, logger)
	case config.DriverFranz:
		return franz.New(franz.Config{
			Brokers:      cfg.Bus.Brokers,
			ClientID:     cfg.Bus.ClientID,
			GroupID:      cfg.Subscriber.ConsumerGroup,
			AdminTimeout: cfg.GetAdminTimeout(),
		}, logger)
	case config.DriverNATS:
		return natsjs.New(natsjs.Config{
			URL:          cfg.Bus.NATSURL,
			Name:         cfg.Bus.ClientID,
			GroupID:      cfg.Subscriber.ConsumerGroup,
			FetchWait:    cfg.GetReadTimeout(),
			AdminTimeout: cfg.GetAdminTimeout(),
		}, logger)
	case config.DriverRabbitMQ:
		return rabbitmq.New(rabbitmq.Config{
			URL:         cfg.Bus.AMQPURL,
			Name:        cfg.Bus.ClientID,
			ConnTimeout: cfg.GetAdminTimeout(),
		}, logger)
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}
