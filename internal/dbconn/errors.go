package dbconn

import (
	"errors"
	"fmt"
)

// QueryError wraps a failure to execute SQL on a Conn.
type QueryError struct {
	Dialect Dialect
	SQL     string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query %q: %v", e.Dialect, e.SQL, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// DecodeError reports a diagnostic result with an unexpected shape or dialect
// tag. It always indicates a probe used against the wrong kind of connection
// or a changed diagnostic contract, so callers must not retry it.
type DecodeError struct {
	// Want is the dialect the consumer expected, zero if any.
	Want Dialect
	// Got is the dialect actually observed, zero if not a dialect mismatch.
	Got     Dialect
	Message string
}

func (e *DecodeError) Error() string {
	if e.Got != 0 && e.Want != 0 && e.Got != e.Want {
		return fmt.Sprintf("decode: expected %s result, got %s: %s", e.Want, e.Got, e.Message)
	}
	return "decode: " + e.Message
}

// WrongDialect builds the DecodeError for a SimpleResults variant that the
// current code path cannot handle.
func WrongDialect(want Dialect, got SimpleResults) *DecodeError {
	return &DecodeError{
		Want:    want,
		Got:     got.Dialect(),
		Message: fmt.Sprintf("%s connection used where %s is required", got.Dialect(), want),
	}
}

// IsDecodeError returns true if err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsQueryError returns true if err is or wraps a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}
