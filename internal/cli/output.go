package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitSuccess      = 0 // Every scenario passed, or the command did its job
	ExitFailure      = 1 // The system under test misbehaved
	ExitCommandError = 2 // The harness could not do its job
)

// Error codes reported in output. Each belongs to one exit code; see exitCodeFor.
const (
	// Input
	ErrCodeGeneric     = "E001" // Unclassified
	ErrCodeScanError   = "E002" // Directory scan failed
	ErrCodeNoFiles     = "E003" // No scenario files found
	ErrCodeBadFilter   = "E004" // Invalid --filter pattern
	ErrCodeNotFound    = "E005" // Path or ledger not found
	ErrCodeWriteFailed = "E007" // Trace or metrics file could not be written

	// Scenario files
	ErrCodeMalformed       = "E101" // Not valid scenario YAML (syntax, unknown field)
	ErrCodeTopology        = "E102" // Deployment block fails the topology schema
	ErrCodeInvalidScenario = "E103" // Steps or builder rules violated
	ErrCodeDuplicateName   = "E104" // Two files declare the same scenario name

	// Deployments
	ErrCodeConfig        = "E201" // Invalid configuration
	ErrCodeProvision     = "E202" // A deployment could not be provisioned
	ErrCodeScenarioFail  = "E203" // One or more scenarios failed
	ErrCodeArtifactsLeft = "E204" // Cleanup left replication artifacts behind
	ErrCodeAdapterAlive  = "E205" // Cleanup adapters did not exit
	ErrCodeTeardown      = "E206" // A process or connection did not stop cleanly
)

// exitCodeFor maps an error code to the process exit code. Codes that blame
// the deployment under test exit 1; everything else is a command error.
func exitCodeFor(code string) int {
	switch code {
	case ErrCodeScenarioFail, ErrCodeArtifactsLeft, ErrCodeAdapterAlive:
		return ExitFailure
	default:
		return ExitCommandError
	}
}

// ExitError carries the process exit code out of a command.
type ExitError struct {
	Code    int
	ErrCode string // Output error code, if the error was reported
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitSuccess for nil, the ExitError's code, or
// ExitCommandError for anything else (cobra's flag and argument errors).
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// OutputFormatter writes command results as text or as a JSON CLIResponse.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostics; defaults to Writer
	Verbose   bool
}

func newFormatter(cmd *cobra.Command, format string, verbose bool) *OutputFormatter {
	return &OutputFormatter{
		Format:    format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   verbose,
	}
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == FormatJSON {
		return f.JSON(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == FormatJSON {
		return f.JSON(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports message (and err, when set) under code and returns the
// ExitError the command should return, with the exit code code belongs to.
func (f *OutputFormatter) Fail(code, message string, err error, details any) *ExitError {
	shown := message
	if err != nil {
		shown = fmt.Sprintf("%s: %v", message, err)
	}
	_ = f.Error(code, shown, details)
	return &ExitError{Code: exitCodeFor(code), ErrCode: code, Message: message, Err: err}
}

// JSON writes v as indented JSON.
func (f *OutputFormatter) JSON(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// VerboseLog writes to the diagnostic writer when verbose, so JSON on
// Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter, or Writer when it is unset.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
