package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/probe"
)

// UpstreamHost is the host name FakeCluster gives its upstream server.
const UpstreamHost = "upstream"

// ErrConnRefused is returned when connecting to an address with no live,
// serving process behind it.
var ErrConnRefused = errors.New("connection refused")

// FakeCluster is an in-memory stand-in for an upstream database and the
// server and adapter binaries. It implements deployment.Supervisor,
// deployment.UpstreamProvisioner, deployment.ContextDialer and
// dbconn.Connector, so a Controller built from Options runs end to end
// without external processes.
//
// Writes reach caches Lag ticks after they happen. The clock ticks once per
// statement an adapter handles.
type FakeCluster struct {
	// Lag is the number of adapter statements a write needs to replicate.
	Lag int64

	// ArtifactDelay is how long a normal adapter runs before its replication
	// slot and publication appear. An adapter stopped sooner leaves none.
	ArtifactDelay time.Duration

	// CleanupDelay is how long a cleanup adapter runs before it removes the
	// replication artifacts and exits.
	CleanupDelay time.Duration

	clock *DeterministicClock

	mu       sync.Mutex
	dbs      map[string]*fakeDB
	procs    map[string]*FakeProcess
	launched []deployment.ProcessSpec
	stopped  []string
	faults   map[string]fault
}

type fault struct {
	launch     error
	crash      error
	stop       error
	neverReady bool
}

// NewFakeCluster returns a cluster with the maintenance databases of both
// dialects already present.
func NewFakeCluster() *FakeCluster {
	c := &FakeCluster{
		Lag:           2,
		ArtifactDelay: 20 * time.Millisecond,
		CleanupDelay:  5 * time.Millisecond,
		clock:         NewDeterministicClock(),
		dbs:           make(map[string]*fakeDB),
		procs:         make(map[string]*FakeProcess),
		faults:        make(map[string]fault),
	}
	c.dbs["postgres"] = newFakeDB("postgres")
	c.dbs["mysql"] = newFakeDB("mysql")
	return c
}

// Options returns controller options wired to the cluster, with a discarding
// logger and timeouts short enough for unit tests.
func (c *FakeCluster) Options() deployment.Options {
	return deployment.Options{
		ServerBinary:        "readyset-server",
		AdapterBinary:       "readyset",
		Supervisor:          c,
		Upstreams:           c,
		Connector:           c,
		Ports:               NewSequentialPorts(40000),
		Dialer:              c,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		ReadyTimeout:        2 * time.Second,
		AdapterDeathTimeout: 2 * time.Second,
		PollInterval:        5 * time.Millisecond,
	}
}

// FailLaunch makes starting the process whose name ends in "-"+suffix
// (for example "adapter-0") fail with err.
func (c *FakeCluster) FailLaunch(suffix string, err error) {
	c.setFault(suffix, func(f *fault) { f.launch = err })
}

// CrashOnStart makes the matching process exit with err as soon as it starts.
func (c *FakeCluster) CrashOnStart(suffix string, err error) {
	c.setFault(suffix, func(f *fault) { f.crash = err })
}

// RefuseStop makes Stop on the matching process fail with err and leaves the
// process running.
func (c *FakeCluster) RefuseStop(suffix string, err error) {
	c.setFault(suffix, func(f *fault) { f.stop = err })
}

// NeverReady makes the matching process run without ever accepting
// connections.
func (c *FakeCluster) NeverReady(suffix string) {
	c.setFault(suffix, func(f *fault) { f.neverReady = true })
}

// Heal clears every fault set for suffix.
func (c *FakeCluster) Heal(suffix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.faults, suffix)
}

func (c *FakeCluster) setFault(suffix string, fn func(*fault)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.faults[suffix]
	fn(&f)
	c.faults[suffix] = f
}

func (c *FakeCluster) faultFor(name string) fault {
	for suffix, f := range c.faults {
		if strings.HasSuffix(name, "-"+suffix) {
			return f
		}
	}
	return fault{}
}

// Launched returns every process spec the cluster was asked to start.
func (c *FakeCluster) Launched() []deployment.ProcessSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.launched)
}

// Stopped returns process names in the order they were stopped.
func (c *FakeCluster) Stopped() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.stopped)
}

// HasDatabase reports whether database db exists on the upstream.
func (c *FakeCluster) HasDatabase(db string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dbs[db]
	return ok
}

// Artifacts reports the replication artifacts named probe.DefaultArtifactName
// in database db.
func (c *FakeCluster) Artifacts(db string) probe.ArtifactState {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dbs[db]
	if !ok {
		return probe.ArtifactState{}
	}
	return probe.ArtifactState{
		SlotExists:        d.slots[probe.DefaultArtifactName],
		PublicationExists: d.publications[probe.DefaultArtifactName],
	}
}

// Kill makes the named running process exit with err.
func (c *FakeCluster) Kill(name string, err error) {
	c.mu.Lock()
	var target *FakeProcess
	for _, p := range c.procs {
		if p.spec.Name == name {
			target = p
		}
	}
	c.mu.Unlock()
	if target != nil {
		target.exit(err)
	}
}

// Acquire implements deployment.UpstreamProvisioner.
func (c *FakeCluster) Acquire(_ context.Context, dialect dbconn.Dialect) (*deployment.UpstreamServer, error) {
	switch dialect {
	case dbconn.PostgreSQL:
		return &deployment.UpstreamServer{Dialect: dialect, AdminURL: "postgres://fake@" + UpstreamHost + "/postgres"}, nil
	case dbconn.MySQL:
		return &deployment.UpstreamServer{Dialect: dialect, AdminURL: "mysql://fake@" + UpstreamHost + "/mysql"}, nil
	default:
		return nil, fmt.Errorf("fake upstream: unsupported dialect %s", dialect)
	}
}

// Start implements deployment.Supervisor.
func (c *FakeCluster) Start(_ context.Context, spec deployment.ProcessSpec) (deployment.Process, error) {
	c.mu.Lock()
	f := c.faultFor(spec.Name)
	if f.launch != nil {
		c.mu.Unlock()
		return nil, f.launch
	}
	p := &FakeProcess{
		cluster:    c,
		spec:       spec,
		done:       make(chan struct{}),
		stopErr:    f.stop,
		neverReady: f.neverReady,
		db:         databaseArg(spec.Args),
		cleanup:    slices.Contains(spec.Args, "--cleanup"),
	}
	c.procs[spec.Addr] = p
	c.launched = append(c.launched, spec)
	c.mu.Unlock()

	switch {
	case f.crash != nil:
		p.exit(f.crash)
	case spec.Role != deployment.RoleAdapter:
	case p.cleanup:
		go p.runCleanup(c.CleanupDelay)
	default:
		go p.replicate(c.ArtifactDelay)
	}
	return p, nil
}

// DialContext implements deployment.ContextDialer. It succeeds for any live
// process that is serving.
func (c *FakeCluster) DialContext(_ context.Context, _, addr string) (net.Conn, error) {
	if _, err := c.serving(addr); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func (c *FakeCluster) serving(addr string) (*FakeProcess, error) {
	c.mu.Lock()
	p, ok := c.procs[addr]
	c.mu.Unlock()
	if !ok || !p.Alive() || p.neverReady {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnRefused)
	}
	return p, nil
}

// Connect implements dbconn.Connector. Host UpstreamHost reaches the upstream
// directly; any other host must be a live adapter.
func (c *FakeCluster) Connect(_ context.Context, dialect dbconn.Dialect, shape dbconn.Shape, raw string) (dbconn.Conn, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")

	conn := &fakeConn{cluster: c, dialect: dialect, shape: shape, db: db}
	if u.Host != UpstreamHost {
		p, err := c.serving(u.Host)
		if err != nil {
			return nil, err
		}
		if p.spec.Role != deployment.RoleAdapter || p.cleanup {
			return nil, fmt.Errorf("connect %s: %w", u.Host, ErrConnRefused)
		}
		conn.adapter = p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dbs[db]; !ok {
		return nil, fmt.Errorf("database %q does not exist", db)
	}
	return conn, nil
}

func databaseArg(args []string) string {
	i := slices.Index(args, "--upstream-db-url")
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	u, err := url.Parse(args[i+1])
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// FakeProcess is a process launched by FakeCluster.
type FakeProcess struct {
	cluster    *FakeCluster
	spec       deployment.ProcessSpec
	stopErr    error
	neverReady bool
	cleanup    bool
	db         string

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (p *FakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// replicate creates the adapter's slot and publication after delay, unless
// the adapter has exited by then.
func (p *FakeProcess) replicate(delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-p.done:
		return
	}
	p.cluster.mu.Lock()
	defer p.cluster.mu.Unlock()
	if !p.Alive() {
		return
	}
	if d, ok := p.cluster.dbs[p.db]; ok {
		d.slots[probe.DefaultArtifactName] = true
		d.publications[probe.DefaultArtifactName] = true
	}
}

func (p *FakeProcess) runCleanup(delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-p.done:
		return
	}
	p.cluster.mu.Lock()
	if d, ok := p.cluster.dbs[p.db]; ok {
		delete(d.slots, probe.DefaultArtifactName)
		delete(d.publications, probe.DefaultArtifactName)
	}
	p.cluster.mu.Unlock()
	p.exit(nil)
}

// Stop implements deployment.Process.
func (p *FakeProcess) Stop(context.Context) error {
	if p.stopErr != nil {
		return p.stopErr
	}
	if !p.Alive() {
		return nil
	}
	p.exit(nil)
	p.cluster.mu.Lock()
	p.cluster.stopped = append(p.cluster.stopped, p.spec.Name)
	p.cluster.mu.Unlock()
	return nil
}

// Alive implements deployment.Process.
func (p *FakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done implements deployment.Process.
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

// Err implements deployment.Process.
func (p *FakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
