// Package retry wraps unreliable remote calls in a bounded exponential backoff.
//
// Every call is attempted at most Retries()+1 times. Errors marked with
// Permanent are returned immediately, and cancellation of the caller's context
// stops the loop between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	telemetry "custodyfleet/observability/otel"
)

const (
	// DefaultRetries is the number of additional attempts after the first failure.
	DefaultRetries = 3
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps the exponential growth of the delay.
	DefaultMaxDelay = 10 * time.Second
)

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("retry: remote call exhausted")

// ExhaustedError reports a call that kept failing until the retry bound was hit.
type ExhaustedError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

// Unwrap exposes both ErrExhausted and the last underlying failure.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Cause}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. A nil error stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Observer receives retry accounting. observability.CustodydMetrics satisfies it.
type Observer interface {
	RecordRetry(call string)
	RecordExhausted(call string)
}

// Executor runs operations with bounded exponential backoff.
type Executor struct {
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
	observer  Observer
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option customises an Executor.
type Option func(*Executor)

// WithRetries sets the number of additional attempts. Negative values are treated as zero.
func WithRetries(n int) Option {
	return func(e *Executor) {
		if n < 0 {
			n = 0
		}
		e.retries = n
	}
}

// WithBaseDelay sets the first retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.baseDelay = d
		}
	}
}

// WithMaxDelay caps individual retry delays.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.maxDelay = d
		}
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver wires retry accounting into metrics.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithSleep overrides how the executor waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New constructs an executor with the package defaults.
func New(opts ...Option) *Executor {
	e := &Executor{
		retries:   DefaultRetries,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		logger:    slog.Default(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retries reports the configured number of additional attempts.
func (e *Executor) Retries() int {
	if e == nil {
		return 0
	}
	return e.retries
}

// Delay returns the wait before retry number attempt (zero based).
func (e *Executor) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := e.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if e.maxDelay > 0 && delay >= e.maxDelay {
			return e.maxDelay
		}
	}
	if e.maxDelay > 0 && delay > e.maxDelay {
		return e.maxDelay
	}
	return delay
}

// Do invokes fn until it succeeds, fails permanently, the context ends, or the
// retry bound is exhausted.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if e == nil {
		return fn(ctx)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "remote."+op)
	defer span.End()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			delay := e.Delay(attempt - 1)
			e.logger.Warn("retrying remote call",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", e.retries+1),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if e.observer != nil {
				e.observer.RecordRetry(op)
			}
			if err := e.sleep(ctx, delay); err != nil {
				span.SetAttributes(attribute.Int("retry.attempts", attempts))
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			span.SetAttributes(attribute.Int("retry.attempts", attempts))
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			span.SetAttributes(attribute.Int("retry.attempts", attempts), attribute.Bool("retry.permanent", true))
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetAttributes(attribute.Int("retry.attempts", attempts))
			span.SetStatus(codes.Error, ctxErr.Error())
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
	}
	if e.observer != nil {
		e.observer.RecordExhausted(op)
	}
	exhausted := &ExhaustedError{Op: op, Attempts: attempts, Cause: lastErr}
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	span.SetStatus(codes.Error, exhausted.Error())
	return exhausted
}

// Run is the value-returning form of Executor.Do.
func Run[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
