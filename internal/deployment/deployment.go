package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/eventually"
)

// Deployment is a started topology.
//
// Methods are safe to call from several goroutines, so a teardown registered
// with t.Cleanup may race the test body.
type Deployment struct {
	ctrl *Controller
	topo Topology
	gen  int
	log  *slog.Logger

	// upstreamURL points at the per-deployment database, empty without an
	// upstream.
	upstreamURL string

	mu      sync.Mutex
	status  Status
	members []*member
	conns   []dbconn.Conn
}

type member struct {
	spec ProcessSpec
	proc Process
	// url is the client URL for adapters.
	url string
}

func (d *Deployment) Name() string         { return d.topo.Name }
func (d *Deployment) Mode() Mode           { return d.topo.Mode }
func (d *Deployment) Generation() int      { return d.gen }
func (d *Deployment) ArtifactName() string { return d.topo.ArtifactName }

// Topology returns a copy of the deployment's topology.
func (d *Deployment) Topology() Topology {
	h := Handle{topo: d.topo}
	return h.Topology()
}

// Status returns the current lifecycle state.
func (d *Deployment) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Processes returns a snapshot of every launched process in start order.
func (d *Deployment) Processes() []ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ProcessInfo, len(d.members))
	for i, m := range d.members {
		out[i] = ProcessInfo{
			Name:  m.spec.Name,
			Role:  m.spec.Role,
			Index: m.spec.Index,
			Addr:  m.spec.Addr,
			Alive: m.proc.Alive(),
		}
	}
	return out
}

func (d *Deployment) adapters() []*member {
	var out []*member
	for _, m := range d.members {
		if m.spec.Role == RoleAdapter {
			out = append(out, m)
		}
	}
	return out
}

// provision prepares the upstream, then launches servers and adapters in that
// order. With wait set, servers are ready before any adapter launches.
func (d *Deployment) provision(ctx context.Context, wait bool) error {
	c := d.ctrl
	t := d.topo

	if t.DeployUpstream {
		srv, err := c.upstream(ctx, t.Dialect)
		if err != nil {
			return d.provisionErr(ErrCodeUpstreamUnavailable, "", "acquire upstream server", err)
		}
		if err := prepareDatabase(ctx, c.opts.Connector, srv, t.Name, t.Mode); err != nil {
			return d.provisionErr(ErrCodeUpstreamUnavailable, "", "prepare deployment database", err)
		}
		u, err := srv.DatabaseURL(t.Name)
		if err != nil {
			return d.provisionErr(ErrCodeUpstreamUnavailable, "", "build deployment database url", err)
		}
		d.upstreamURL = u
		if err := d.record(ctx, "upstream_ready", t.Dialect.String()); err != nil {
			return err
		}
	}

	for i := range t.Servers {
		m, err := d.launch(ctx, RoleServer, i, func(addr string) []string {
			return serverArgs(t, i, addr, d.upstreamURL)
		})
		if err != nil {
			return err
		}
		if wait {
			if err := d.waitReady(ctx, m, d.serverReady(m)); err != nil {
				return err
			}
		}
	}

	for i := range t.Adapters {
		m, err := d.launch(ctx, RoleAdapter, i, func(addr string) []string {
			return adapterArgs(t, addr, d.upstreamURL)
		})
		if err != nil {
			return err
		}
		if wait {
			if err := d.waitReady(ctx, m, d.adapterReady(m)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Deployment) launch(ctx context.Context, role Role, i int, args func(addr string) []string) (*member, error) {
	c := d.ctrl
	name := processName(d.topo.Name, role, i)

	addr, err := c.opts.Ports.Allocate()
	if err != nil {
		return nil, d.provisionErr(ErrCodePortConflict, name, "allocate listen address", err)
	}

	binary := c.opts.ServerBinary
	if role == RoleAdapter {
		binary = c.opts.AdapterBinary
	}
	spec := ProcessSpec{
		Name:   name,
		Role:   role,
		Index:  i,
		Binary: binary,
		Args:   args(addr),
		Addr:   addr,
	}

	m := &member{spec: spec}
	if role == RoleAdapter && d.upstreamURL != "" {
		u, err := withHost(d.upstreamURL, addr)
		if err != nil {
			return nil, d.provisionErr(ErrCodeLaunchFailed, name, "build adapter url", err)
		}
		m.url = u
	}

	proc, err := c.opts.Supervisor.Start(ctx, spec)
	if err != nil {
		return nil, d.provisionErr(ErrCodeLaunchFailed, name, "launch process", err)
	}
	m.proc = proc

	d.mu.Lock()
	d.members = append(d.members, m)
	d.mu.Unlock()

	d.log.Debug("process launched", "process", name, "addr", addr)
	if err := d.record(ctx, "launched", name); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Deployment) provisionErr(code ProvisionErrorCode, process, msg string, err error) *ProvisionError {
	return &ProvisionError{Code: code, Deployment: d.topo.Name, Process: process, Message: msg, Err: err}
}

// abort stops whatever was launched and marks the deployment torn down. The
// start error stays first so its code is what callers see.
func (d *Deployment) abort(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	d.log.Warn("start failed, stopping launched processes", "error", cause)

	d.mu.Lock()
	defer d.mu.Unlock()

	errs := []error{cause}
	if stopErr := d.stopLocked(ctx); stopErr != nil {
		errs = append(errs, stopErr)
	}
	if err := d.setStatusLocked(ctx, TornDown, cause.Error()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Deployment) markRunning(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setStatusLocked(ctx, Running, ""); err != nil {
		return err
	}
	d.log.Info("deployment running", "processes", len(d.members))
	return nil
}

func (d *Deployment) setStatusLocked(ctx context.Context, to Status, errMsg string) error {
	if err := advance(d.status, to); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err := d.ctrl.ledger.Transition(ctx, d.topo.Name, d.gen, to.String(), errMsg); err != nil {
		return err
	}
	d.status = to
	return d.record(ctx, to.String(), errMsg)
}

func (d *Deployment) record(ctx context.Context, kind, detail string) error {
	_, err := d.ctrl.ledger.RecordEvent(context.WithoutCancel(ctx), d.topo.Name, d.gen, kind, detail)
	return err
}

// Adapter connects to adapter i with a dedicated session. The deployment
// closes the connection on teardown if the caller has not.
func (d *Deployment) Adapter(ctx context.Context, i int) (dbconn.Conn, error) {
	return d.adapterConn(ctx, i, dbconn.Single)
}

// AdapterPool connects to adapter i with a pool. Session diagnostics such as
// the last statement destination are not meaningful on a pool.
func (d *Deployment) AdapterPool(ctx context.Context, i int) (dbconn.Conn, error) {
	return d.adapterConn(ctx, i, dbconn.Pooled)
}

// FirstAdapter connects to adapter 0.
func (d *Deployment) FirstAdapter(ctx context.Context) (dbconn.Conn, error) {
	return d.Adapter(ctx, 0)
}

// AdapterURL returns the client URL for adapter i.
func (d *Deployment) AdapterURL(i int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	adapters := d.adapters()
	if len(adapters) == 0 {
		return "", ErrNoAdapters
	}
	if i < 0 || i >= len(adapters) {
		return "", fmt.Errorf("adapter %d out of range [0, %d)", i, len(adapters))
	}
	return adapters[i].url, nil
}

func (d *Deployment) adapterConn(ctx context.Context, i int, shape dbconn.Shape) (dbconn.Conn, error) {
	if d.Status() == TornDown {
		return nil, ErrTornDown
	}
	url, err := d.AdapterURL(i)
	if err != nil {
		return nil, err
	}
	conn, err := d.ctrl.opts.Connector.Connect(ctx, d.topo.Dialect, shape, url)
	if err != nil {
		return nil, fmt.Errorf("connect to adapter %d: %w", i, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == TornDown {
		conn.Close()
		return nil, ErrTornDown
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Upstream connects to the per-deployment database with a dedicated session.
// The upstream outlives the deployment, so this works after teardown and the
// connection is not closed by it.
func (d *Deployment) Upstream(ctx context.Context) (dbconn.Conn, error) {
	return d.upstreamConn(ctx, dbconn.Single)
}

// UpstreamPool is Upstream with a pool.
func (d *Deployment) UpstreamPool(ctx context.Context) (dbconn.Conn, error) {
	return d.upstreamConn(ctx, dbconn.Pooled)
}

// UpstreamURL returns the per-deployment database URL.
func (d *Deployment) UpstreamURL() (string, error) {
	if !d.topo.DeployUpstream {
		return "", ErrNoUpstream
	}
	return d.upstreamURL, nil
}

func (d *Deployment) upstreamConn(ctx context.Context, shape dbconn.Shape) (dbconn.Conn, error) {
	url, err := d.UpstreamURL()
	if err != nil {
		return nil, err
	}
	conn, err := d.ctrl.opts.Connector.Connect(ctx, d.topo.Dialect, shape, url)
	if err != nil {
		return nil, fmt.Errorf("connect to upstream: %w", err)
	}
	return conn, nil
}

// WaitForAdapterDeath blocks until every adapter has exited. Cleanup-mode
// adapters exit once they have removed the replication artifacts.
func (d *Deployment) WaitForAdapterDeath(ctx context.Context) error {
	d.mu.Lock()
	adapters := d.adapters()
	d.mu.Unlock()
	if len(adapters) == 0 {
		return ErrNoAdapters
	}

	opts := []eventually.Option{
		eventually.WithInterval(d.ctrl.opts.PollInterval),
		eventually.WithTimeout(d.ctrl.opts.AdapterDeathTimeout),
		eventually.WithLabel("adapter_death"),
	}
	if d.ctrl.opts.Metrics != nil {
		opts = append(opts, eventually.WithMetrics(d.ctrl.opts.Metrics))
	}

	err := eventually.True(ctx, func(context.Context) bool {
		for _, m := range adapters {
			if m.proc.Alive() {
				return false
			}
		}
		return true
	}, opts...)
	if err != nil {
		return fmt.Errorf("wait for adapters of %s to exit: %w", d.topo.Name, err)
	}

	d.log.Info("all adapters exited")
	return d.record(ctx, "adapters_exited", "")
}

// Teardown stops adapters, then servers, and marks the deployment torn down.
// The upstream server and the per-deployment database are left in place.
// A second call is a no-op. Stop failures are returned as a *TeardownError
// after every process has been asked to stop.
func (d *Deployment) Teardown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status == TornDown {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	stopErr := d.stopLocked(ctx)
	msg := ""
	if stopErr != nil {
		msg = stopErr.Error()
	}
	err := errors.Join(stopErr, d.setStatusLocked(ctx, TornDown, msg))

	if m := d.ctrl.opts.Metrics; m != nil {
		m.RecordTeardown(err)
	}
	d.ctrl.forget(d)

	if err != nil {
		d.log.Error("teardown finished with failures", "error", err)
		return err
	}
	d.log.Info("deployment torn down")
	return nil
}

// stopLocked closes handed-out adapter connections and stops processes in
// reverse start order.
func (d *Deployment) stopLocked(ctx context.Context) error {
	var failures []StopFailure
	for i, conn := range d.conns {
		if err := conn.Close(); err != nil {
			failures = append(failures, StopFailure{Process: fmt.Sprintf("adapter connection %d", i), Err: err})
		}
	}
	d.conns = nil

	for i := len(d.members) - 1; i >= 0; i-- {
		m := d.members[i]
		if err := m.proc.Stop(ctx); err != nil {
			failures = append(failures, StopFailure{Process: m.spec.Name, Err: err})
			continue
		}
		if err := d.record(ctx, "stopped", m.spec.Name); err != nil {
			failures = append(failures, StopFailure{Process: "ledger", Err: err})
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return &TeardownError{Deployment: d.topo.Name, Failures: failures}
}
