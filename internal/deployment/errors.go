package deployment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTopology is wrapped by every Build validation failure.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrNoAdapters is returned when a deployment has no adapters.
	ErrNoAdapters = errors.New("deployment has no adapters")

	// ErrNoUpstream is returned when a deployment has no upstream.
	ErrNoUpstream = errors.New("deployment has no upstream")

	// ErrTornDown is returned when an adapter is requested after teardown.
	ErrTornDown = errors.New("deployment is torn down")

	// ErrControllerClosed is returned when starting on a closed Controller.
	ErrControllerClosed = errors.New("controller is closed")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTopology, fmt.Sprintf(format, args...))
}

// ProvisionErrorCode categorizes start failures.
type ProvisionErrorCode string

const (
	// ErrCodeProcessExited indicates a process died before it became ready.
	ErrCodeProcessExited ProvisionErrorCode = "PROCESS_EXITED"

	// ErrCodeReadinessTimeout indicates a process stayed up but never became
	// ready.
	ErrCodeReadinessTimeout ProvisionErrorCode = "READINESS_TIMEOUT"

	// ErrCodePortConflict indicates no listen address could be reserved.
	ErrCodePortConflict ProvisionErrorCode = "PORT_CONFLICT"

	// ErrCodeLaunchFailed indicates the supervisor could not spawn a process.
	ErrCodeLaunchFailed ProvisionErrorCode = "LAUNCH_FAILED"

	// ErrCodeUpstreamUnavailable indicates the upstream server could not be
	// acquired or its per-deployment database prepared.
	ErrCodeUpstreamUnavailable ProvisionErrorCode = "UPSTREAM_UNAVAILABLE"

	// ErrCodeNameInUse indicates a live deployment already has the name.
	ErrCodeNameInUse ProvisionErrorCode = "NAME_IN_USE"

	// ErrCodeAlreadyStarted indicates the handle was started before.
	ErrCodeAlreadyStarted ProvisionErrorCode = "ALREADY_STARTED"
)

// ProvisionError is returned by Start and StartWithoutWaiting. It is fatal to
// the scenario; the controller never retries a start.
type ProvisionError struct {
	Code ProvisionErrorCode

	// Deployment is the deployment name.
	Deployment string

	// Process names the process involved, if any.
	Process string

	Message string
	Err     error
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Process != "" {
		fmt.Fprintf(&b, " (deployment=%s, process=%s)", e.Deployment, e.Process)
	} else if e.Deployment != "" {
		fmt.Fprintf(&b, " (deployment=%s)", e.Deployment)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ProvisionCode returns the code of the ProvisionError in err's chain.
func ProvisionCode(err error) (ProvisionErrorCode, bool) {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

func hasCode(err error, code ProvisionErrorCode) bool {
	c, ok := ProvisionCode(err)
	return ok && c == code
}

// IsProcessExited returns true if a process died during start.
func IsProcessExited(err error) bool { return hasCode(err, ErrCodeProcessExited) }

// IsReadinessTimeout returns true if a process never became ready.
func IsReadinessTimeout(err error) bool { return hasCode(err, ErrCodeReadinessTimeout) }

// IsPortConflict returns true if no listen address could be reserved.
func IsPortConflict(err error) bool { return hasCode(err, ErrCodePortConflict) }

// IsNameInUse returns true if the deployment name was taken.
func IsNameInUse(err error) bool { return hasCode(err, ErrCodeNameInUse) }

// StopFailure is one process or connection that did not shut down cleanly.
type StopFailure struct {
	Process string
	Err     error
}

// TeardownError lists everything that failed to stop during a teardown.
// The deployment is still marked torn down.
type TeardownError struct {
	Deployment string
	Failures   []StopFailure
}

// Error implements the error interface.
func (e *TeardownError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Process, f.Err)
	}
	return fmt.Sprintf("teardown %s: %d failure(s): %s", e.Deployment, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every underlying failure.
func (e *TeardownError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// IsTeardownError returns true if err is or wraps a TeardownError.
func IsTeardownError(err error) bool {
	var te *TeardownError
	return errors.As(err, &te)
}
