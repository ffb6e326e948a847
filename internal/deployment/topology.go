package deployment

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/store"
)

// Mode selects what a deployment's adapters do once launched.
type Mode int

const (
	// Normal adapters serve traffic until torn down.
	Normal Mode = iota + 1
	// CleanupOnly adapters remove the replication artifacts left on the
	// upstream by an earlier deployment of the same name, then exit.
	CleanupOnly
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return store.ModeNormal
	case CleanupOnly:
		return store.ModeCleanup
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Status is a deployment's lifecycle state.
type Status int

const (
	Provisioning Status = iota + 1
	Running
	TornDown
)

func (s Status) String() string {
	switch s {
	case Provisioning:
		return store.StatusProvisioning
	case Running:
		return store.StatusRunning
	case TornDown:
		return store.StatusTornDown
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// advance validates a status change. Status only moves forward.
func advance(from, to Status) error {
	switch {
	case from == Provisioning && (to == Running || to == TornDown):
		return nil
	case from == Running && to == TornDown:
		return nil
	default:
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
}

// ServerParams are per-server options.
type ServerParams struct {
	// NoReaders starts the server without reader domains, so all reads are
	// answered by readers embedded in adapters.
	NoReaders bool

	// VolumeID pins the server to a named storage volume.
	VolumeID string
}

// WithoutReaders returns a copy of p with NoReaders set.
func (p ServerParams) WithoutReaders() ServerParams {
	p.NoReaders = true
	return p
}

// Topology is the full description of a deployment.
type Topology struct {
	Name    string
	Dialect dbconn.Dialect
	Mode    Mode

	// Standalone runs each adapter with an embedded server, so no separate
	// server processes are needed.
	Standalone bool

	DeployUpstream bool
	Adapters       int
	Servers        []ServerParams

	ReaderReplicas           int
	EmbeddedReaders          bool
	AllowFullMaterialization bool

	// ArtifactName is the replication slot and publication name the
	// adapters create on the upstream.
	ArtifactName string
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxNameLen is PostgreSQL's identifier limit; the name doubles as the
// per-deployment database name.
const maxNameLen = 63

// Validate checks the topology without launching anything.
func (t Topology) Validate() error {
	switch {
	case t.Name == "":
		return invalid("name is required")
	case len(t.Name) > maxNameLen:
		return invalid("name %q is longer than %d characters", t.Name, maxNameLen)
	case !namePattern.MatchString(t.Name):
		return invalid("name %q must be letters, digits and underscores", t.Name)
	case t.Dialect != dbconn.MySQL && t.Dialect != dbconn.PostgreSQL:
		return invalid("unsupported dialect %s", t.Dialect)
	case t.Mode != Normal && t.Mode != CleanupOnly:
		return invalid("unsupported mode %s", t.Mode)
	case t.Adapters < 0:
		return invalid("adapter count %d is negative", t.Adapters)
	case t.ReaderReplicas < 0:
		return invalid("reader replica count %d is negative", t.ReaderReplicas)
	case t.Mode == CleanupOnly && !t.DeployUpstream:
		return invalid("cleanup mode requires an upstream")
	case t.Mode == CleanupOnly && t.Adapters == 0:
		return invalid("cleanup mode requires at least one adapter to perform the cleanup")
	case t.Adapters > 0 && !t.DeployUpstream:
		return invalid("adapters require an upstream to replicate from")
	case t.Mode == Normal && !t.Standalone && t.Adapters > 0 && len(t.Servers) == 0:
		return invalid("adapters need at least one server unless the deployment is standalone")
	}
	return nil
}

// Builder composes a Topology fluently.
//
//	h, err := deployment.NewBuilder(dbconn.PostgreSQL, "ct_cleanup").
//	    Standalone().
//	    DeployUpstream().
//	    DeployAdapter().
//	    Build()
type Builder struct {
	topo Topology
	err  error
}

// NewBuilder starts a Normal-mode topology with no processes.
func NewBuilder(dialect dbconn.Dialect, name string) *Builder {
	return &Builder{topo: Topology{
		Name:         name,
		Dialect:      dialect,
		Mode:         Normal,
		ArtifactName: "readyset",
	}}
}

// Standalone runs adapters with embedded servers.
func (b *Builder) Standalone() *Builder {
	b.topo.Standalone = true
	return b
}

// Cleanup switches the deployment to CleanupOnly mode.
func (b *Builder) Cleanup() *Builder {
	b.topo.Mode = CleanupOnly
	return b
}

// DeployUpstream prepares a per-deployment database on the upstream server.
func (b *Builder) DeployUpstream() *Builder {
	b.topo.DeployUpstream = true
	return b
}

// DeployAdapter ensures at least one adapter is launched.
func (b *Builder) DeployAdapter() *Builder {
	b.topo.Adapters = max(b.topo.Adapters, 1)
	return b
}

// WithAdapters sets the adapter count.
func (b *Builder) WithAdapters(n int) *Builder {
	b.topo.Adapters = n
	return b
}

// WithServers adds n servers sharing params.
func (b *Builder) WithServers(n int, params ServerParams) *Builder {
	if n < 0 {
		b.fail(invalid("server count %d is negative", n))
		return b
	}
	for range n {
		b.topo.Servers = append(b.topo.Servers, params)
	}
	return b
}

// AddServer adds one server.
func (b *Builder) AddServer(params ServerParams) *Builder {
	b.topo.Servers = append(b.topo.Servers, params)
	return b
}

// ReaderReplicas sets how many copies of each reader domain are kept.
func (b *Builder) ReaderReplicas(n int) *Builder {
	b.topo.ReaderReplicas = n
	return b
}

// EmbeddedReaders runs reader domains inside adapters.
func (b *Builder) EmbeddedReaders(enabled bool) *Builder {
	b.topo.EmbeddedReaders = enabled
	return b
}

// AllowFullMaterialization permits caches that need full materialization.
func (b *Builder) AllowFullMaterialization() *Builder {
	b.topo.AllowFullMaterialization = true
	return b
}

// ArtifactName overrides the replication slot and publication name.
func (b *Builder) ArtifactName(name string) *Builder {
	b.topo.ArtifactName = name
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates the topology and returns a handle. Nothing is launched.
func (b *Builder) Build() (*Handle, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.topo.Validate(); err != nil {
		return nil, err
	}
	t := b.topo
	t.Servers = slices.Clone(t.Servers)
	return &Handle{topo: t}, nil
}

// Handle is a validated topology that has not been started. A handle starts
// at most once; rebuild to retry after a failed start.
type Handle struct {
	topo    Topology
	started bool
}

// Topology returns a copy of the handle's topology.
func (h *Handle) Topology() Topology {
	t := h.topo
	t.Servers = slices.Clone(t.Servers)
	return t
}
