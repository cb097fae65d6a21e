package client

import (
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
)

// BreakerConfig configures the circuit breaker in front of one downstream service.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Breaker trips after consecutive infrastructure failures. Caller errors such
// as InvalidArgument or NotFound do not count against the downstream service.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker for the named service.
func NewBreaker(name string, cfg BreakerConfig, log *logger.Logger) *Breaker {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the breaker and maps the outcome to an AppError.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Wrap(err, errors.ErrCodeUnavailable, b.name+" is currently unavailable")
	}
	return fromStatus(b.name, err)
}

// State reports the breaker state for health output.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func countsAsFailure(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition,
		codes.PermissionDenied, codes.Unauthenticated:
		return false
	}
	return true
}

// fromStatus translates a gRPC status error into the service error taxonomy.
func fromStatus(service string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(err, errors.ErrCodeInternal, service+" call failed")
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.Wrap(err, errors.ErrCodeNotFound, st.Message())
	case codes.InvalidArgument, codes.FailedPrecondition:
		return errors.Wrap(err, errors.ErrCodeInvalidInput, st.Message())
	case codes.AlreadyExists:
		return errors.Wrap(err, errors.ErrCodeAlreadyExists, st.Message())
	case codes.PermissionDenied, codes.Unauthenticated:
		return errors.Wrap(err, errors.ErrCodeUnauthorized, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return errors.Wrap(err, errors.ErrCodeUnavailable, service+" is unavailable")
	default:
		return errors.Wrap(err, errors.ErrCodeInternal, service+" call failed")
	}
}
