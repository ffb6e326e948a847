package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/clustertest/internal/config"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/harness"
	"github.com/roach88/clustertest/internal/metrics"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"

	// Config holds the harness configuration flags shared by every command.
	Config *pflag.FlagSet

	// ControllerOptions builds deployment options from the resolved
	// configuration. Defaults to config.Config.ControllerOptions, which
	// launches real binaries.
	ControllerOptions func(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) deployment.Options

	// Namer names scenario deployments. Defaults to harness.UniqueNamer.
	Namer harness.Namer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatText, FormatJSON}

// NewRootCommand creates the root command for the clustertest CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around opts, so tests
// can swap the controller options and namer.
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	if opts.Config == nil {
		opts.Config = config.Flags()
	}

	cmd := &cobra.Command{
		Use:   "clustertest",
		Short: "Black-box verification harness for SQL caching deployments",
		Long: `clustertest brings up caching deployments (cache servers, adapters and
an upstream database), drives SQL through them and checks results, query
routing and the replication artifacts left on the upstream.

Settings come from flags, then CLUSTERTEST_* environment variables, then
built-in defaults.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (json|text)")
	cmd.PersistentFlags().AddFlagSet(opts.Config)

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig resolves the configuration and reports a failure as E201.
func (o *RootOptions) loadConfig(f *OutputFormatter) (config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, f.Fail(ErrCodeConfig, "invalid configuration", err, nil)
	}
	f.Verbose = cfg.Verbose
	return cfg, nil
}

// newLogger writes text logs to w, at debug level when verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// newController builds a controller for cfg. The returned close func tears
// down whatever the controller still owns and closes the ledger file.
func (o *RootOptions) newController(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*deployment.Controller, func(context.Context) error, error) {
	build := o.ControllerOptions
	if build == nil {
		build = config.Config.ControllerOptions
	}
	opts := build(cfg, logger, m)

	ledger, err := cfg.OpenLedger()
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	if ledger != nil {
		opts.Ledger = ledger
	}

	ctrl, err := deployment.NewController(opts)
	if err != nil {
		if ledger != nil {
			ledger.Close()
		}
		return nil, nil, fmt.Errorf("create controller: %w", err)
	}

	closeFn := func(ctx context.Context) error {
		err := ctrl.Close(ctx)
		if ledger != nil {
			err = errors.Join(err, ledger.Close())
		}
		return err
	}
	return ctrl, closeFn, nil
}
