/*
Package gate blocks startup until the message broker accepts connections.

AwaitReady probes the broker at a fixed interval and gives up after a bounded
number of attempts. It keeps no state between calls.
*/
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"github.com/agbruneau/apibus/internal/metrics"
	"github.com/agbruneau/apibus/internal/retry"
	"go.uber.org/zap"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("gate: broker not ready")

// Config bounds the wait.
type Config struct {
	MaxRetries    int           // Probe attempts; values below 1 mean 1.
	RetryInterval time.Duration // Pause after each failed probe.
}

// TimeoutError is returned when every probe failed.
type TimeoutError struct {
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("broker not ready after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both ErrTimeout and the last probe error.
func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTimeout, e.Last}
}

// AwaitReady returns nil as soon as one probe succeeds. After cfg.MaxRetries
// failed probes, or at once when the prober is closed, it returns a
// *TimeoutError. When ctx ends first, the context
// error is returned.
//
// Parameters:
//   - ctx: bounds the whole wait, probes included.
//   - prober: opens and closes a lightweight broker connection.
//   - cfg: attempt budget and interval.
//   - logger: receives one record per failed attempt; may be nil.
func AwaitReady(ctx context.Context, prober bus.Prober, cfg Config, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	probe := func() error {
		metrics.GateAttempts.Inc()
		err := prober.Ping(ctx)
		if errors.Is(err, bus.ErrClosed) {
			return retry.Permanent(err)
		}
		return err
	}
	onRetry := func(attempt int, err error, next time.Duration) {
		logger.Warn("Broker not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	res := retry.DoWithCallback(ctx, retry.Constant(attempts, cfg.RetryInterval), probe, onRetry)
	if res.Err == nil {
		logger.Info("Broker ready", zap.Int("attempts", res.Attempts), zap.Duration("waited", res.Duration))
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	logger.Error("Broker not ready, giving up",
		zap.Int("attempt", res.Attempts),
		zap.Int("max_attempts", attempts),
		zap.Error(res.Err))
	return &TimeoutError{Attempts: res.Attempts, Last: res.Err}
}
