package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/clustertest/internal/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Filter string
}

// ValidatedScenario describes one scenario that passed validation.
type ValidatedScenario struct {
	Name  string `json:"name"`
	File  string `json:"file"`
	Steps int    `json:"steps"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                `json:"valid"`
	Scenarios []ValidatedScenario `json:"scenarios"`
	Errors    []ValidationError   `json:"errors,omitempty"`
}

// ValidationError is one file that failed to load.
type ValidationError struct {
	Code    string `json:"code"`
	File    string `json:"file,omitempty"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Check scenario files without starting anything",
		Long: `Parse scenario files and check them against the topology schema and the
deployment builder's rules. Nothing is launched.

Paths may be scenario files or directories, which are searched recursively
for .yaml and .yml files.

Exit codes:
  0 - All scenarios valid
  1 - One or more scenarios invalid
  2 - Command error (path not found, no scenarios, etc.)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runValidate(opts *ValidateOptions, paths []string, cmd *cobra.Command) error {
	verbose, _ := opts.Config.GetBool(config.KeyVerbose)
	formatter := newFormatter(cmd, opts.Format, verbose)

	loaded, loadErrors := LoadScenarios(paths, opts.Filter, LoadModeCollectAll)

	// Nothing to validate: the input itself is wrong.
	if loaded == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) && loadErr.Path == "" {
			return formatter.Fail(loadErr.Code, loadErr.Message, nil, nil)
		}
	}

	result := ValidationResult{
		Valid:     len(loadErrors) == 0,
		Scenarios: make([]ValidatedScenario, 0, len(loaded)),
	}
	for _, l := range loaded {
		formatter.VerboseLog("%s: %s (%d steps)", l.Path, l.Scenario.Name, len(l.Scenario.Steps))
		result.Scenarios = append(result.Scenarios, ValidatedScenario{
			Name:  l.Scenario.Name,
			File:  l.Path,
			Steps: len(l.Scenario.Steps),
		})
	}
	for _, err := range loadErrors {
		ve := ValidationError{Code: ErrCodeGeneric, Message: err.Error()}
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			ve = ValidationError{Code: loadErr.Code, File: loadErr.Path, Message: loadErr.Message}
		}
		result.Errors = append(result.Errors, ve)
	}

	if opts.Format == FormatJSON {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    result.Errors[0].Code,
				Message: fmt.Sprintf("%d scenario file(s) invalid", len(result.Errors)),
			}
		}
		if err := formatter.JSON(resp); err != nil {
			return err
		}
	} else {
		outputValidateText(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario file(s) invalid", len(result.Errors)))
	}
	return nil
}

func outputValidateText(f *OutputFormatter, result ValidationResult) {
	w := f.Writer
	for _, s := range result.Scenarios {
		fmt.Fprintf(w, "✓ %s (%s)\n", s.Name, s.File)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "✗ %s\n", e.File)
		fmt.Fprintf(w, "  [%s] %s\n", e.Code, e.Message)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d valid, %d invalid\n", len(result.Scenarios), len(result.Errors))
}
