package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/metrics"
	"github.com/roach88/clustertest/internal/store"
)

const (
	DefaultReadyTimeout        = 60 * time.Second
	DefaultAdapterDeathTimeout = 2 * time.Minute
	DefaultPollInterval        = 500 * time.Millisecond
)

// Options configures a Controller. Zero values select the defaults noted on
// each field.
type Options struct {
	ServerBinary  string
	AdapterBinary string

	// Supervisor defaults to an ExecSupervisor without log files.
	Supervisor Supervisor

	// Upstreams is required when any topology deploys an upstream.
	Upstreams UpstreamProvisioner

	// Connector defaults to dbconn.DefaultConnector.
	Connector dbconn.Connector

	// Ports defaults to LocalPorts on 127.0.0.1.
	Ports PortAllocator

	// Dialer checks server readiness. Defaults to a net.Dialer.
	Dialer ContextDialer

	// Ledger defaults to a private in-memory ledger closed with the
	// controller.
	Ledger *store.Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	ReadyTimeout        time.Duration
	AdapterDeathTimeout time.Duration
	PollInterval        time.Duration
}

// Controller realizes topologies. It owns every process it launches and any
// upstream server it provisions.
type Controller struct {
	opts       Options
	ledger     *store.Store
	ownsLedger bool
	logger     *slog.Logger

	mu        sync.Mutex
	upstreams map[dbconn.Dialect]*UpstreamServer
	live      map[*Deployment]struct{}
	closed    bool
}

// NewController fills in defaults and opens the ledger if none was given.
func NewController(opts Options) (*Controller, error) {
	if opts.Supervisor == nil {
		opts.Supervisor = &ExecSupervisor{Logger: opts.Logger}
	}
	if opts.Connector == nil {
		opts.Connector = dbconn.DefaultConnector{}
	}
	if opts.Ports == nil {
		opts.Ports = LocalPorts{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.AdapterDeathTimeout <= 0 {
		opts.AdapterDeathTimeout = DefaultAdapterDeathTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	c := &Controller{
		opts:      opts,
		ledger:    opts.Ledger,
		logger:    opts.Logger,
		upstreams: make(map[dbconn.Dialect]*UpstreamServer),
		live:      make(map[*Deployment]struct{}),
	}
	if c.ledger == nil {
		l, err := store.Open(store.Memory)
		if err != nil {
			return nil, fmt.Errorf("open run ledger: %w", err)
		}
		c.ledger = l
		c.ownsLedger = true
	}
	return c, nil
}

// Ledger returns the run ledger.
func (c *Controller) Ledger() *store.Store {
	return c.ledger
}

// Start launches the deployment and blocks until every process is ready.
func (c *Controller) Start(ctx context.Context, h *Handle) (*Deployment, error) {
	return c.start(ctx, h, true)
}

// StartWithoutWaiting launches the deployment and returns without waiting for
// readiness. Cleanup-mode deployments use it because their adapters exit on
// their own once the cleanup is done.
func (c *Controller) StartWithoutWaiting(ctx context.Context, h *Handle) (*Deployment, error) {
	return c.start(ctx, h, false)
}

func (c *Controller) start(ctx context.Context, h *Handle, wait bool) (*Deployment, error) {
	topo := h.Topology()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrControllerClosed
	}
	if h.started {
		c.mu.Unlock()
		return nil, &ProvisionError{
			Code:       ErrCodeAlreadyStarted,
			Deployment: topo.Name,
			Message:    "handle was already started; build a new one to retry",
		}
	}
	h.started = true
	c.mu.Unlock()

	gen, err := c.ledger.Reserve(ctx, topo.Name, topo.Mode.String())
	if err != nil {
		code := ErrCodeLaunchFailed
		if errors.Is(err, store.ErrNameInUse) {
			code = ErrCodeNameInUse
		}
		return nil, &ProvisionError{Code: code, Deployment: topo.Name, Message: "reserve name", Err: err}
	}

	d := &Deployment{
		ctrl:   c,
		topo:   topo,
		gen:    gen,
		status: Provisioning,
		log:    c.logger.With("deployment", topo.Name, "generation", gen),
	}
	d.log.Info("provisioning deployment",
		"mode", topo.Mode,
		"dialect", topo.Dialect,
		"servers", len(topo.Servers),
		"adapters", topo.Adapters,
		"wait", wait,
	)

	began := time.Now()
	if err := d.provision(ctx, wait); err != nil {
		err = d.abort(ctx, err)
		c.recordProvision(topo, time.Since(began), err)
		return nil, err
	}

	if err := d.markRunning(ctx); err != nil {
		err = d.abort(ctx, err)
		c.recordProvision(topo, time.Since(began), err)
		return nil, err
	}
	c.recordProvision(topo, time.Since(began), nil)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Join(ErrControllerClosed, d.Teardown(ctx))
	}
	c.live[d] = struct{}{}
	c.mu.Unlock()
	return d, nil
}

func (c *Controller) recordProvision(t Topology, d time.Duration, err error) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordProvision(t.Dialect.String(), t.Mode.String(), d, err)
	}
}

// upstream returns the server for dialect, acquiring it on first use.
func (c *Controller) upstream(ctx context.Context, dialect dbconn.Dialect) (*UpstreamServer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrControllerClosed
	}
	if srv, ok := c.upstreams[dialect]; ok {
		return srv, nil
	}
	if c.opts.Upstreams == nil {
		return nil, errors.New("no upstream provisioner configured")
	}
	srv, err := c.opts.Upstreams.Acquire(ctx, dialect)
	if err != nil {
		return nil, err
	}
	c.upstreams[dialect] = srv
	c.logger.Info("upstream acquired", "dialect", dialect, "owned", srv.Owned)
	return srv, nil
}

func (c *Controller) forget(d *Deployment) {
	c.mu.Lock()
	delete(c.live, d)
	c.mu.Unlock()
}

// Close tears down deployments still running, releases upstream servers the
// controller provisioned and closes a private ledger. Failures are joined.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := make([]*Deployment, 0, len(c.live))
	for d := range c.live {
		live = append(live, d)
	}
	upstreams := c.upstreams
	c.upstreams = nil
	c.mu.Unlock()

	var errs []error
	for _, d := range live {
		errs = append(errs, d.Teardown(ctx))
	}
	for dialect, srv := range upstreams {
		if err := srv.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release %s upstream: %w", dialect, err))
		}
	}
	if c.ownsLedger {
		errs = append(errs, c.ledger.Close())
	}
	return errors.Join(errs...)
}
