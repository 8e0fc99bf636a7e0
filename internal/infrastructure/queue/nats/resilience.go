package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/resilience"
)

// transientConnErrors are client states that clear once the connection is
// re-established.
var transientConnErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrConnectionReconnecting,
	nats.ErrSlowConsumer,
}

func isTransientConnError(err error) bool {
	for _, target := range transientConnErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// publishClassifier extends the domain rules with broker connection states.
func publishClassifier(err error) resilience.ErrorClassification {
	if isTransientConnError(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.DomainClassifier(err)
}

// publishError tags a failed job hand-off so the scheduler can tell a broker
// outage (job stays queued for a later retry) from a broken subject.
func publishError(subject string, err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsKind(err, domain.ErrTemporary):
		return err
	case isTransientConnError(err), resilience.IsCircuitOpen(err):
		return domain.WrapError(domain.ErrTemporary, "publish "+subject, err)
	default:
		return domain.WrapError(domain.ErrInternal, "publish "+subject, err)
	}
}
