package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/clustertest/internal/config"
	"github.com/roach88/clustertest/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Deployment string // optional - show events for one deployment
	LiveOnly   bool
}

// HistoryEvent is one lifecycle event of a deployment.
type HistoryEvent struct {
	Seq        int64  `json:"seq"`
	Generation int    `json:"generation"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail,omitempty"`
}

// HistoryDeployment is one deployment generation recorded in the ledger.
type HistoryDeployment struct {
	Name       string         `json:"name"`
	Generation int            `json:"generation"`
	Mode       string         `json:"mode"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Events     []HistoryEvent `json:"events,omitempty"`
}

// HistoryResult holds the history output.
type HistoryResult struct {
	Deployments []HistoryDeployment `json:"deployments"`
	Live        []string            `json:"live"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show deployments recorded in a run ledger",
		Long: `Show the deployments a run started and the lifecycle events each went
through, read from a ledger file written with --ledger.

Deployments that are not torn down are listed as live: a run that was killed
left them behind, and "clustertest cleanup" can remove their artifacts.

Examples:
  clustertest history --ledger ./run.db
  clustertest history --ledger ./run.db --deployment cleanup_works_k3j9d2
  clustertest history --ledger ./run.db --live --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Deployment, "deployment", "", "show lifecycle events for this deployment")
	cmd.Flags().BoolVar(&opts.LiveOnly, "live", false, "only list deployments that are not torn down")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.Format, false)

	path, _ := opts.Config.GetString(config.KeyLedger)
	if path == "" {
		return formatter.Fail(ErrCodeNotFound, "--ledger is required", nil, nil)
	}

	ctx := cmd.Context()
	st, err := store.Open(path)
	if err != nil {
		return formatter.Fail(ErrCodeNotFound, "failed to open ledger", err, nil)
	}
	defer st.Close()

	records, err := st.Deployments(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read deployments", err)
	}
	live, err := st.Live(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read live deployments", err)
	}

	var events []store.LifecycleEvent
	if opts.Deployment != "" {
		if events, err = st.Events(ctx, opts.Deployment); err != nil {
			return WrapExitError(ExitCommandError, "failed to read events", err)
		}
	}

	result := buildHistory(records, live, events, opts.Deployment, opts.LiveOnly)
	if opts.Deployment != "" && len(result.Deployments) == 0 {
		return formatter.Fail(ErrCodeNotFound, fmt.Sprintf("no deployment named %s in ledger", opts.Deployment), nil, nil)
	}

	if opts.Format == FormatJSON {
		return formatter.JSON(CLIResponse{Status: "ok", Data: result})
	}
	outputHistoryText(formatter.Writer, result)
	return nil
}

// buildHistory filters ledger records and attaches events to the generation
// they belong to.
func buildHistory(records []store.DeploymentRecord, live []string, events []store.LifecycleEvent, name string, liveOnly bool) HistoryResult {
	result := HistoryResult{Deployments: []HistoryDeployment{}, Live: live}

	isLive := make(map[string]bool, len(live))
	for _, n := range live {
		isLive[n] = true
	}

	for _, rec := range records {
		if name != "" && rec.Name != name {
			continue
		}
		if liveOnly && (!isLive[rec.Name] || rec.Status == store.StatusTornDown) {
			continue
		}
		hd := HistoryDeployment{
			Name:       rec.Name,
			Generation: rec.Generation,
			Mode:       rec.Mode,
			Status:     rec.Status,
			Error:      rec.Error,
		}
		for _, ev := range events {
			if ev.Name == rec.Name && ev.Generation == rec.Generation {
				hd.Events = append(hd.Events, HistoryEvent{
					Seq:        ev.Seq,
					Generation: ev.Generation,
					Kind:       ev.Kind,
					Detail:     ev.Detail,
				})
			}
		}
		result.Deployments = append(result.Deployments, hd)
	}
	return result
}

func outputHistoryText(w io.Writer, result HistoryResult) {
	if len(result.Deployments) == 0 {
		fmt.Fprintln(w, "No deployments recorded.")
		return
	}

	for _, d := range result.Deployments {
		fmt.Fprintf(w, "%s/%d  %-7s  %s", d.Name, d.Generation, d.Mode, d.Status)
		if d.Error != "" {
			fmt.Fprintf(w, "  (%s)", d.Error)
		}
		fmt.Fprintln(w)
		for _, ev := range d.Events {
			fmt.Fprintf(w, "  [%d] %s", ev.Seq, ev.Kind)
			if ev.Detail != "" {
				fmt.Fprintf(w, ": %s", ev.Detail)
			}
			fmt.Fprintln(w)
		}
	}

	if len(result.Live) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Live: %d deployment(s) not torn down\n", len(result.Live))
	}
}
