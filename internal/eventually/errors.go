package eventually

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stretchr/testify/assert"
)

// Reason says why a poll ended without success.
type Reason string

const (
	// NeverTrue means the probe answered but the predicate never held.
	NeverTrue Reason = "NEVER_TRUE"

	// AssertionFailed means the probe answered but a check kept failing with
	// a descriptive error.
	AssertionFailed Reason = "ASSERTION_FAILED"

	// ProbeFailed means the most recent probe call itself returned an error.
	ProbeFailed Reason = "PROBE_FAILED"
)

func (r Reason) outcome() string {
	return strings.ToLower(string(r))
}

// TimeoutError is returned when a poll's deadline passes or its context is
// cancelled before the check succeeds.
type TimeoutError struct {
	// Label is the poll's name, if one was given.
	Label string

	Attempts int
	Elapsed  time.Duration

	// Last is the most recent value the probe returned, nil if it never
	// returned one.
	Last any

	// LastErr is the most recent probe or check error.
	LastErr error

	Reason Reason

	// Cause is context.DeadlineExceeded or context.Canceled.
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	var b strings.Builder
	b.WriteString("eventually")
	if e.Label != "" {
		fmt.Fprintf(&b, " %q", e.Label)
	}
	if errors.Is(e.Cause, context.Canceled) {
		b.WriteString(": cancelled")
	}

	switch e.Reason {
	case ProbeFailed:
		fmt.Fprintf(&b, ": probe still failing after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
	case AssertionFailed:
		fmt.Fprintf(&b, ": assertion still failing after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
	default:
		fmt.Fprintf(&b, ": condition never became true after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
	}
	if e.LastErr != nil && !errors.Is(e.LastErr, ErrNotSatisfied) {
		fmt.Fprintf(&b, ": %v", e.LastErr)
	}
	if e.Last != nil {
		fmt.Fprintf(&b, " (last value: %v)", e.Last)
	}
	return b.String()
}

// Unwrap exposes both the context error and the last probe or check error.
func (e *TimeoutError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.LastErr != nil {
		errs = append(errs, e.LastErr)
	}
	return errs
}

// IsTimeout returns true if err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// MismatchError is returned by Equal.
type MismatchError struct {
	Want any
	Got  any
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("got %v, want %v", e.Got, e.Want)
}

// AssertionError collects the messages testify reported during one check.
type AssertionError struct {
	Messages []string
}

func (e *AssertionError) Error() string {
	return strings.Join(e.Messages, "; ")
}

type recorder struct {
	messages []string
}

func (r *recorder) Errorf(format string, args ...any) {
	r.messages = append(r.messages, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Assert turns testify assertions into a check. Failures are collected rather
// than reported to a test, so only the final attempt's messages surface, via
// the TimeoutError. fn must use the assert package; require would call
// FailNow, which the recorder does not implement.
func Assert[T any](fn func(t assert.TestingT, v T)) func(T) error {
	return func(v T) error {
		r := &recorder{}
		fn(r, v)
		if len(r.messages) == 0 {
			return nil
		}
		return &AssertionError{Messages: r.messages}
	}
}
