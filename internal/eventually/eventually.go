// Package eventually polls a probe until a check on its result passes or a
// deadline elapses.
//
// Writes to a caching deployment become visible asynchronously, so assertions
// on cached results are phrased as "eventually this holds":
//
//	rows, err := eventually.Poll(ctx,
//	    func(ctx context.Context) (*dbconn.RowSet, error) { return conn.Query(ctx, q) },
//	    func(rs *dbconn.RowSet) error { return wantRows(rs) },
//	)
//
// The first value that passes the check is returned immediately and the probe
// is not called again. On deadline the error is a *TimeoutError that carries
// the last value observed and says whether the condition was never satisfied,
// an assertion kept failing, or the probe itself kept failing.
package eventually

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultInterval is the pause between probe attempts.
	DefaultInterval = 500 * time.Millisecond
	// DefaultTimeout bounds a poll when no option overrides it.
	DefaultTimeout = 30 * time.Second
)

// ErrNotSatisfied is returned by boolean checks whose predicate was false.
var ErrNotSatisfied = errors.New("condition not satisfied")

// Observer receives the outcome of every finished poll.
type Observer interface {
	ObservePoll(label, outcome string, attempts int, elapsed time.Duration)
}

type options struct {
	interval time.Duration
	timeout  time.Duration
	label    string
	observer Observer
}

// Option configures a poll.
type Option func(*options)

// WithInterval sets the pause between attempts.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithTimeout sets the local deadline. A non-positive duration leaves only the
// caller's context as the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLabel names the poll in metrics and error messages.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// WithMetrics reports the poll outcome to obs.
func WithMetrics(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func buildOptions(opts []Option) options {
	o := options{interval: DefaultInterval, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.interval <= 0 {
		o.interval = DefaultInterval
	}
	return o
}

// Poll calls probe until check accepts its value. Probe errors and check
// errors are both retried. ctx cancellation ends the poll early with a
// *TimeoutError whose Cause is the context error.
func Poll[T any](ctx context.Context, probe func(context.Context) (T, error), check func(T) error, opts ...Option) (T, error) {
	o := buildOptions(opts)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var (
		zero     T
		start    = time.Now()
		pacing   = backoff.WithContext(backoff.NewConstantBackOff(o.interval), ctx)
		attempts int
		last     any
		lastErr  error
		reason   Reason
	)

	timeout := func() (T, error) {
		err := &TimeoutError{
			Label:    o.label,
			Attempts: attempts,
			Elapsed:  time.Since(start),
			Last:     last,
			LastErr:  lastErr,
			Reason:   reason,
			Cause:    context.Cause(ctx),
		}
		if err.Cause == nil {
			err.Cause = context.DeadlineExceeded
		}
		o.observe(reason.outcome(), attempts, err.Elapsed)
		return zero, err
	}

	if ctx.Err() != nil {
		reason = NeverTrue
		return timeout()
	}

	for {
		attempts++
		v, err := probe(ctx)
		if err != nil {
			lastErr = err
			reason = ProbeFailed
		} else if cerr := check(v); cerr != nil {
			last = v
			lastErr = cerr
			reason = AssertionFailed
			if errors.Is(cerr, ErrNotSatisfied) {
				reason = NeverTrue
			}
		} else {
			o.observe("ok", attempts, time.Since(start))
			return v, nil
		}

		next := pacing.NextBackOff()
		if next == backoff.Stop {
			return timeout()
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return timeout()
		case <-timer.C:
		}
	}
}

func (o options) observe(outcome string, attempts int, elapsed time.Duration) {
	if o.observer != nil {
		o.observer.ObservePoll(o.label, outcome, attempts, elapsed)
	}
}

// True polls fn until it returns true.
func True(ctx context.Context, fn func(context.Context) bool, opts ...Option) error {
	_, err := Poll(ctx,
		func(ctx context.Context) (bool, error) { return fn(ctx), nil },
		Holds(func(b bool) bool { return b }),
		opts...)
	return err
}

// Succeeds polls fn until it returns nil.
func Succeeds(ctx context.Context, fn func(context.Context) error, opts ...Option) error {
	_, err := Poll(ctx,
		func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) },
		func(struct{}) error { return nil },
		opts...)
	return err
}

// Holds adapts a predicate into a check. A false predicate yields
// ErrNotSatisfied.
func Holds[T any](pred func(T) bool) func(T) error {
	return func(v T) error {
		if pred(v) {
			return nil
		}
		return ErrNotSatisfied
	}
}

// Equal is a check that passes when the value equals want.
func Equal[T comparable](want T) func(T) error {
	return func(got T) error {
		if got == want {
			return nil
		}
		return &MismatchError{Want: want, Got: got}
	}
}
