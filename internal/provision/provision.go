/*
Package provision declares the topics the service depends on.

EnsureTopics is idempotent: a topic that already exists counts as success,
so calling it on every start is safe.
*/
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agbruneau/apibus/internal/bus"
	"github.com/agbruneau/apibus/internal/logging"
	"go.uber.org/zap"
)

// Kind classifies a provisioning failure.
type Kind int

const (
	// AlreadyExists is informational; EnsureTopics never returns it.
	AlreadyExists Kind = iota
	// Other covers every failure that left a topic unprovisioned.
	Other
)

func (k Kind) String() string {
	if k == AlreadyExists {
		return "AlreadyExists"
	}
	return "Other"
}

// TopicFailure is the outcome of one topic that could not be provisioned.
type TopicFailure struct {
	Topic string
	Err   error
}

// ProvisionError aggregates the failures of one EnsureTopics call.
// Failures is empty when the whole batch failed before any topic was tried.
type ProvisionError struct {
	Kind     Kind
	Failures []TopicFailure
	Err      error
}

func (e *ProvisionError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("provision topics: %v", e.Err)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Topic, f.Err))
	}
	return "provision topics: " + strings.Join(parts, "; ")
}

func (e *ProvisionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// EnsureTopics creates every topic of specs that does not exist yet.
//
// One admin session is opened for the call and closed on every exit path.
// Topics reported as existing are logged and treated as created. Every other
// outcome is collected into a *ProvisionError of kind Other; the remaining
// topics of the batch are still attempted.
//
// Parameters:
//   - ctx: bounds the admin round-trips.
//   - admins: opens the admin session.
//   - specs: topics to declare; validated before any broker call.
//   - logger: may be nil.
func EnsureTopics(ctx context.Context, admins bus.Administrator, specs []bus.TopicSpec, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	if err := bus.ValidateTopicSpecs(specs); err != nil {
		return &ProvisionError{Kind: Other, Err: err}
	}
	if len(specs) == 0 {
		return nil
	}

	logger.Info("Provisioning topics", zap.Strings("topics", bus.TopicNames(specs)))
	admin, err := admins.OpenAdmin(ctx)
	if err != nil {
		return &ProvisionError{Kind: Other, Err: fmt.Errorf("open admin session: %w", err)}
	}
	defer func() {
		if cerr := admin.Close(); cerr != nil {
			logger.Warn("Failed to close admin session", zap.Error(cerr))
		}
	}()

	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return &ProvisionError{Kind: Other, Err: fmt.Errorf("create topics: %w", err)}
	}

	reported := make(map[string]error, len(results))
	for _, r := range results {
		reported[r.Topic] = r.Err
	}

	var failures []TopicFailure
	for _, spec := range specs {
		rerr, ok := reported[spec.Name]
		switch {
		case !ok:
			failures = append(failures, TopicFailure{Topic: spec.Name, Err: errors.New("no result reported by broker")})
		case rerr == nil:
			logger.Info("Topic created",
				zap.String("topic", spec.Name),
				zap.Int32("partitions", spec.Partitions),
				zap.Int16("replication_factor", spec.ReplicationFactor))
		case errors.Is(rerr, bus.ErrTopicExists):
			logger.Info("Topic already exists", zap.String("topic", spec.Name), zap.Stringer("kind", AlreadyExists))
		default:
			logger.Error("Topic creation failed", zap.String("topic", spec.Name), zap.Error(rerr))
			failures = append(failures, TopicFailure{Topic: spec.Name, Err: rerr})
		}
	}

	if len(failures) > 0 {
		return &ProvisionError{Kind: Other, Failures: failures}
	}
	return nil
}
