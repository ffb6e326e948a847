package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/clustertest/internal/config"
	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/metrics"
	"github.com/roach88/clustertest/internal/probe"
)

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	Dialect      string
	ArtifactName string
}

// CleanupResult reports a cleanup-only run.
type CleanupResult struct {
	Deployment string `json:"deployment"`
	Dialect    string `json:"dialect"`
	Generation int    `json:"generation"`

	// Artifacts is the upstream catalog state after the adapter exited.
	// Empty for MySQL, which has no slot or publication.
	Artifacts string `json:"artifacts,omitempty"`
	Clean     bool   `json:"clean"`
}

func (r CleanupResult) String() string {
	s := fmt.Sprintf("cleaned up %s (%s, generation %d)", r.Deployment, r.Dialect, r.Generation)
	if r.Artifacts != "" {
		s += ": " + r.Artifacts
	}
	return s
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup <deployment>",
		Short: "Remove a deployment's replication artifacts from the upstream",
		Long: `Start an adapter in cleanup mode against the named deployment's upstream
database and wait for it to exit. The adapter drops the replication slot and
publication it created, then stops on its own.

Use this to recover an upstream after a run was killed before teardown.

Exit codes:
  0 - Adapter exited and the upstream is clean
  1 - Adapter did not exit, or artifacts remain
  2 - Command error (configuration, provisioning, etc.)

Examples:
  clustertest cleanup cleanup_works_k3j9d2
  clustertest cleanup my_mysql_run --dialect mysql`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dialect, "dialect", dbconn.PostgreSQL.String(), "upstream dialect (postgresql|mysql)")
	cmd.Flags().StringVar(&opts.ArtifactName, "artifact-name", probe.DefaultArtifactName, "replication slot and publication name")

	return cmd
}

func runCleanup(opts *CleanupOptions, name string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.Format, false)

	dialect, err := dbconn.ParseDialect(opts.Dialect)
	if err != nil {
		return formatter.Fail(ErrCodeGeneric, "invalid dialect", err, nil)
	}
	h, err := deployment.NewBuilder(dialect, name).
		Standalone().
		DeployUpstream().
		Cleanup().
		DeployAdapter().
		ArtifactName(opts.ArtifactName).
		Build()
	if err != nil {
		return formatter.Fail(ErrCodeGeneric, "invalid deployment", err, nil)
	}

	cfg, err := opts.loadConfig(formatter)
	if err != nil {
		return err
	}
	// The artifacts live on the upstream the killed run used. A container
	// started now would be empty and always look clean.
	if cfg.Upstream != config.UpstreamExternal {
		msg := fmt.Sprintf("cleanup needs --%s %s pointing at the upstream the run used, got %q",
			config.KeyUpstream, config.UpstreamExternal, cfg.Upstream)
		return formatter.Fail(ErrCodeConfig, msg, nil, nil)
	}
	if externalURL(cfg, dialect) == "" {
		return formatter.Fail(ErrCodeConfig, fmt.Sprintf("no external %s upstream URL configured", dialect), nil, nil)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
	ctrl, closeCtrl, err := opts.newController(cfg, logger, metrics.New())
	if err != nil {
		return formatter.Fail(ErrCodeGeneric, "failed to create controller", err, nil)
	}
	ctx := cmd.Context()
	defer func() {
		if cerr := closeCtrl(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("controller shutdown failed", "error", cerr)
		}
	}()

	d, err := ctrl.StartWithoutWaiting(ctx, h)
	if err != nil {
		return formatter.Fail(ErrCodeProvision, "failed to start cleanup adapter", err, nil)
	}
	formatter.VerboseLog("started %s generation %d in cleanup mode", d.Name(), d.Generation())

	if err := d.WaitForAdapterDeath(ctx); err != nil {
		return formatter.Fail(ErrCodeAdapterAlive, "cleanup adapter did not exit", err, nil)
	}

	result := CleanupResult{
		Deployment: d.Name(),
		Dialect:    dialect.String(),
		Generation: d.Generation(),
		Clean:      true,
	}
	if dialect == dbconn.PostgreSQL {
		state, err := upstreamArtifacts(ctx, d)
		if err != nil {
			return formatter.Fail(ErrCodeGeneric, "failed to inspect upstream", err, nil)
		}
		result.Artifacts = state.String()
		result.Clean = state.Clean()
	}

	if terr := d.Teardown(ctx); terr != nil {
		return formatter.Fail(ErrCodeTeardown, "cleanup teardown failed", terr, result)
	}
	if !result.Clean {
		return formatter.Fail(ErrCodeArtifactsLeft, "replication artifacts remain after cleanup", nil, result)
	}
	return formatter.Success(result)
}

func externalURL(cfg config.Config, dialect dbconn.Dialect) string {
	switch dialect {
	case dbconn.PostgreSQL:
		return cfg.PostgresURL
	case dbconn.MySQL:
		return cfg.MySQLURL
	default:
		return ""
	}
}

func upstreamArtifacts(ctx context.Context, d *deployment.Deployment) (state probe.ArtifactState, err error) {
	conn, err := d.Upstream(ctx)
	if err != nil {
		return probe.ArtifactState{}, err
	}
	defer func() {
		err = errors.Join(err, conn.Close())
	}()
	return probe.Artifacts(ctx, conn, d.ArtifactName())
}
