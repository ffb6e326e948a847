package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/eventually"
	"github.com/roach88/clustertest/internal/metrics"
	"github.com/roach88/clustertest/internal/probe"
)

// Namer turns a scenario name into a deployment name.
type Namer interface {
	Name(prefix string) string
}

// UniqueNamer appends a random suffix so concurrent runs of the same
// scenario never share a deployment.
type UniqueNamer struct{}

// Name implements Namer.
func (UniqueNamer) Name(prefix string) string { return deployment.UniqueName(prefix) }

// Runner executes scenarios against deployments started by Controller.
type Runner struct {
	Controller *deployment.Controller

	// Namer defaults to UniqueNamer.
	Namer Namer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, when set, observes every eventual step.
	Metrics *metrics.Metrics

	// PollInterval and Timeout are the defaults for eventual steps.
	PollInterval time.Duration
	Timeout      time.Duration
}

// Run executes a scenario and returns the result.
//
// Failed steps are reported in the Result; the first one ends the run. The
// returned error is non-nil only when a deployment cannot be provisioned,
// which says nothing about the system under test. Every deployment the run
// started is torn down before Run returns, and teardown failures are added to
// the Result.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	if r.Controller == nil {
		return nil, errors.New("harness: runner has no controller")
	}

	name := r.namer().Name(s.Name)
	h, err := s.Deployment.Handle(name, deployment.Normal)
	if err != nil {
		return nil, fmt.Errorf("build deployment %s: %w", name, err)
	}

	x := &run{
		runner: r,
		spec:   s.Deployment,
		name:   name,
		result: NewResult(),
		log:    r.logger().With("scenario", s.Name, "deployment", name),
	}
	defer x.close(ctx)

	x.log.Info("starting scenario", "steps", len(s.Steps))
	d, err := r.Controller.Start(ctx, h)
	start := TraceEvent{Step: 0, Kind: "start", Deployment: name + " (" + deployment.Normal.String() + ")", Outcome: OutcomeOK}
	if err != nil {
		start.Outcome = OutcomeFailed
		start.Error = firstLine(err)
		x.result.AddTrace(start)
		x.result.AddError(fmt.Sprintf("start: %v", err))
		return x.result, fmt.Errorf("start %s: %w", name, err)
	}
	x.use(d)
	start.Deployment = x.label()
	x.result.AddTrace(start)

	for i, step := range s.Steps {
		ev := TraceEvent{Step: i + 1, Kind: step.Kind(), Deployment: x.label(), Outcome: OutcomeOK}
		err := x.step(ctx, step, &ev)
		if err != nil {
			ev.Outcome = OutcomeFailed
			ev.Error = firstLine(err)
		}
		x.result.AddTrace(ev)
		if err == nil {
			continue
		}

		var ae *AssertionError
		if errors.As(err, &ae) {
			ae.Trace = x.result.Trace
		}
		x.result.AddError(fmt.Sprintf("step %d (%s): %v", ev.Step, ev.Kind, err))
		x.log.Warn("step failed", "step", ev.Step, "kind", ev.Kind, "error", err)

		var pe *deployment.ProvisionError
		if errors.As(err, &pe) {
			return x.result, err
		}
		return x.result, nil
	}

	x.log.Info("scenario passed")
	return x.result, nil
}

func (r *Runner) namer() Namer {
	if r.Namer == nil {
		return UniqueNamer{}
	}
	return r.Namer
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// run is the state of one scenario execution.
type run struct {
	runner *Runner
	spec   DeploymentSpec
	name   string
	result *Result
	log    *slog.Logger

	current     *deployment.Deployment
	deployments []*deployment.Deployment

	// conns holds the lazily opened connections on current, by target.
	conns map[string]dbconn.Conn
	// opened holds every upstream connection; the deployment does not own them.
	opened []dbconn.Conn
}

func (x *run) use(d *deployment.Deployment) {
	x.current = d
	x.deployments = append(x.deployments, d)
	x.conns = make(map[string]dbconn.Conn)
}

func (x *run) label() string {
	return fmt.Sprintf("%s/%d (%s)", x.current.Name(), x.current.Generation(), x.current.Mode())
}

func (x *run) close(ctx context.Context) {
	for _, d := range x.deployments {
		if err := d.Teardown(ctx); err != nil {
			x.result.AddError(fmt.Sprintf("teardown %s: %v", d.Name(), err))
		}
	}
	for _, c := range x.opened {
		_ = c.Close()
	}
}

func (x *run) conn(ctx context.Context, target string) (dbconn.Conn, error) {
	if c, ok := x.conns[target]; ok {
		return c, nil
	}

	var (
		c   dbconn.Conn
		err error
	)
	switch target {
	case OnAdapter:
		c, err = x.current.FirstAdapter(ctx)
	case OnAdapterPool:
		c, err = x.current.AdapterPool(ctx, 0)
	case OnUpstream:
		c, err = x.current.Upstream(ctx)
	case OnUpstreamPool:
		c, err = x.current.UpstreamPool(ctx)
	default:
		return nil, fmt.Errorf("unknown connection target %q", target)
	}
	if err != nil {
		return nil, err
	}
	if target == OnUpstream || target == OnUpstreamPool {
		x.opened = append(x.opened, c)
	}
	x.conns[target] = c
	return c, nil
}

func (x *run) pollOptions(step Step, label string) []eventually.Option {
	timeout := x.runner.Timeout
	if step.Timeout > 0 {
		timeout = time.Duration(step.Timeout)
	}
	opts := []eventually.Option{eventually.WithLabel(label)}
	if x.runner.PollInterval > 0 {
		opts = append(opts, eventually.WithInterval(x.runner.PollInterval))
	}
	if timeout > 0 {
		opts = append(opts, eventually.WithTimeout(timeout))
	}
	if x.runner.Metrics != nil {
		opts = append(opts, eventually.WithMetrics(x.runner.Metrics))
	}
	return opts
}

func (x *run) step(ctx context.Context, step Step, ev *TraceEvent) error {
	x.log.Debug("running step", "step", ev.Step, "kind", ev.Kind)
	switch ev.Kind {
	case StepExec:
		return x.exec(ctx, step, ev)
	case StepQuery:
		return x.query(ctx, step, ev)
	case StepTeardown:
		err := x.current.Teardown(ctx)
		delete(x.conns, OnAdapter)
		delete(x.conns, OnAdapterPool)
		return err
	case StepCleanup:
		return x.cleanup(ctx, ev)
	case StepWaitAdapterDeath:
		return x.current.WaitForAdapterDeath(ctx)
	case StepExpectArtifacts:
		return x.expectArtifacts(ctx, step, ev)
	default:
		return fmt.Errorf("step has no action")
	}
}

func (x *run) exec(ctx context.Context, step Step, ev *TraceEvent) error {
	ev.Target = step.Target()
	ev.SQL = step.Exec
	params, err := toValues(step.Params)
	if err != nil {
		return err
	}
	ev.Params = formatParams(params)

	conn, err := x.conn(ctx, step.Target())
	if err != nil {
		return err
	}
	do := func(ctx context.Context) error {
		if len(params) > 0 {
			_, err := conn.Execute(ctx, step.Exec, params...)
			return err
		}
		return conn.QueryDrop(ctx, step.Exec)
	}
	if !step.Eventually {
		return do(ctx)
	}
	return eventually.Succeeds(ctx, do, x.pollOptions(step, fmt.Sprintf("step %d exec", ev.Step))...)
}

func (x *run) query(ctx context.Context, step Step, ev *TraceEvent) error {
	ev.Target = step.Target()
	ev.SQL = step.Query
	params, err := toValues(step.Params)
	if err != nil {
		return err
	}
	ev.Params = formatParams(params)

	var want [][]dbconn.Value
	if step.Rows != nil {
		if want, err = toMatrix(*step.Rows); err != nil {
			return err
		}
	}
	var wantDest probe.Destination
	if step.Destination != "" {
		if wantDest, err = parseDestination(step.Destination); err != nil {
			return err
		}
	}

	conn, err := x.conn(ctx, step.Target())
	if err != nil {
		return err
	}
	observe := func(ctx context.Context) (observation, error) {
		var (
			rs  *dbconn.RowSet
			err error
		)
		if len(params) > 0 {
			rs, err = conn.Execute(ctx, step.Query, params...)
		} else {
			rs, err = conn.Query(ctx, step.Query)
		}
		if err != nil {
			return observation{}, err
		}
		o := observation{rows: rs.Values()}
		if step.Sorted {
			o.rows = sortedCopy(o.rows)
		}
		if wantDest != 0 {
			if o.dest, err = probe.LastStatementDestination(ctx, conn); err != nil {
				return observation{}, err
			}
		}
		return o, nil
	}
	check := queryCheck(want, step.Sorted, wantDest)

	o, observed, err := settle(ctx, step.Eventually, observe, check,
		x.pollOptions(step, fmt.Sprintf("step %d query", ev.Step)))
	if !observed {
		return err
	}
	ev.Rows = dbconn.FormatRows(o.rows)
	if o.dest != 0 {
		ev.Destination = o.dest.String()
	}
	return err
}

func (x *run) cleanup(ctx context.Context, ev *TraceEvent) error {
	h, err := x.spec.Handle(x.name, deployment.CleanupOnly)
	if err != nil {
		return err
	}
	d, err := x.runner.Controller.StartWithoutWaiting(ctx, h)
	if err != nil {
		return err
	}
	x.use(d)
	ev.Deployment = x.label()
	return nil
}

func (x *run) expectArtifacts(ctx context.Context, step Step, ev *TraceEvent) error {
	want := step.ExpectArtifacts.State()
	target := OnUpstream
	if step.On != "" {
		target = step.On
		ev.Target = target
	}
	conn, err := x.conn(ctx, target)
	if err != nil {
		return err
	}
	observe := func(ctx context.Context) (probe.ArtifactState, error) {
		return probe.Artifacts(ctx, conn, x.current.ArtifactName())
	}
	check := func(got probe.ArtifactState) error { return assertArtifacts(want, got) }

	got, observed, err := settle(ctx, step.Eventually, observe, check,
		x.pollOptions(step, fmt.Sprintf("step %d artifacts", ev.Step)))
	if observed {
		ev.Artifacts = got.String()
	}
	return err
}

// settle runs observe once and checks the value, or polls until the check
// passes when eventual is set. observed reports whether v came from a
// successful observation, which is also the case for a failed check.
func settle[T any](ctx context.Context, eventual bool, observe func(context.Context) (T, error), check func(T) error, opts []eventually.Option) (v T, observed bool, err error) {
	if !eventual {
		v, err = observe(ctx)
		if err != nil {
			return v, false, err
		}
		return v, true, check(v)
	}

	v, err = eventually.Poll(ctx, observe, check, opts...)
	if err == nil {
		return v, true, nil
	}
	var te *eventually.TimeoutError
	if errors.As(err, &te) {
		if last, ok := te.Last.(T); ok {
			return last, true, err
		}
	}
	return v, false, err
}

func formatParams(params []dbconn.Value) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = dbconn.Format(p)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
