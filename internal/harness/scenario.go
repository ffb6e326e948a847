package harness

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/probe"
)

// Scenario is a scripted run against one deployment: bring a topology up,
// drive SQL through its adapters and upstream, and assert on results,
// routing and replication artifacts.
type Scenario struct {
	// Name identifies the scenario and prefixes its deployment name.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Deployment is the topology to start before the first step.
	Deployment DeploymentSpec `yaml:"deployment"`

	// Steps run in order. The first failing step ends the scenario.
	Steps []Step `yaml:"steps"`
}

// DeploymentSpec is the scenario form of deployment.Topology.
type DeploymentSpec struct {
	Dialect                  string       `yaml:"dialect"`
	Standalone               bool         `yaml:"standalone,omitempty"`
	Upstream                 bool         `yaml:"upstream,omitempty"`
	Adapters                 int          `yaml:"adapters,omitempty"`
	Servers                  []ServerSpec `yaml:"servers,omitempty"`
	ReaderReplicas           int          `yaml:"reader_replicas,omitempty"`
	EmbeddedReaders          bool         `yaml:"embedded_readers,omitempty"`
	AllowFullMaterialization bool         `yaml:"allow_full_materialization,omitempty"`
	ArtifactName             string       `yaml:"artifact_name,omitempty"`
}

// ServerSpec mirrors deployment.ServerParams.
type ServerSpec struct {
	NoReaders bool   `yaml:"no_readers,omitempty"`
	VolumeID  string `yaml:"volume_id,omitempty"`
}

// Step is one scenario action. Exactly one of Exec, Query, Teardown,
// Cleanup, WaitAdapterDeath and ExpectArtifacts is set.
type Step struct {
	// Exec runs a statement and discards its rows.
	Exec string `yaml:"exec,omitempty"`

	// Query runs a statement and checks Rows and Destination.
	Query string `yaml:"query,omitempty"`

	// Params are bound to $n placeholders of Exec or Query.
	Params []any `yaml:"params,omitempty"`

	// Rows is the expected result. Nil skips the row check; an empty list
	// expects no rows.
	Rows *[][]any `yaml:"rows,omitempty"`

	// Sorted compares rows after sorting both sides.
	Sorted bool `yaml:"sorted,omitempty"`

	// Destination is "cache" or "upstream". Checking it issues
	// EXPLAIN LAST STATEMENT on the adapter session right after Query.
	Destination string `yaml:"destination,omitempty"`

	// On is the connection Exec or Query runs on: "adapter" (default),
	// "upstream", or their pooled forms "adapter_pool" and "upstream_pool".
	// ExpectArtifacts accepts the two upstream targets.
	On string `yaml:"on,omitempty"`

	// Eventually retries Exec, Query or ExpectArtifacts until it passes or
	// Timeout elapses.
	Eventually bool `yaml:"eventually,omitempty"`

	// Timeout overrides the run's eventual-assertion deadline.
	Timeout Duration `yaml:"timeout,omitempty"`

	// Teardown stops the current deployment.
	Teardown bool `yaml:"teardown,omitempty"`

	// Cleanup starts the same topology in cleanup mode, without waiting
	// for readiness, and makes it the current deployment.
	Cleanup bool `yaml:"cleanup,omitempty"`

	// WaitAdapterDeath blocks until the current deployment's adapters exit.
	WaitAdapterDeath bool `yaml:"wait_adapter_death,omitempty"`

	// ExpectArtifacts checks the replication slot and publication on the
	// upstream.
	ExpectArtifacts *ArtifactExpectation `yaml:"expect_artifacts,omitempty"`
}

// ArtifactExpectation is the expected state of the replication artifacts.
type ArtifactExpectation struct {
	Slot        bool `yaml:"slot"`
	Publication bool `yaml:"publication"`
}

// State converts the expectation to the probe's form.
func (a ArtifactExpectation) State() probe.ArtifactState {
	return probe.ArtifactState{SlotExists: a.Slot, PublicationExists: a.Publication}
}

// Step kinds.
const (
	StepExec             = "exec"
	StepQuery            = "query"
	StepTeardown         = "teardown"
	StepCleanup          = "cleanup"
	StepWaitAdapterDeath = "wait_adapter_death"
	StepExpectArtifacts  = "expect_artifacts"
)

// Connection targets.
const (
	OnAdapter      = "adapter"
	OnAdapterPool  = "adapter_pool"
	OnUpstream     = "upstream"
	OnUpstreamPool = "upstream_pool"
)

// Kind returns the step's kind, or "" when the step sets no action.
func (s Step) Kind() string {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (s Step) kinds() []string {
	var kinds []string
	if s.Exec != "" {
		kinds = append(kinds, StepExec)
	}
	if s.Query != "" {
		kinds = append(kinds, StepQuery)
	}
	if s.Teardown {
		kinds = append(kinds, StepTeardown)
	}
	if s.Cleanup {
		kinds = append(kinds, StepCleanup)
	}
	if s.WaitAdapterDeath {
		kinds = append(kinds, StepWaitAdapterDeath)
	}
	if s.ExpectArtifacts != nil {
		kinds = append(kinds, StepExpectArtifacts)
	}
	return kinds
}

// Target returns the connection target, defaulting to the adapter.
func (s Step) Target() string {
	if s.On == "" {
		return OnAdapter
	}
	return s.On
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Scenario file failures, matched with errors.Is.
var (
	ErrMalformed = errors.New("failed to parse YAML")
	ErrInvalid   = errors.New("invalid scenario")
)

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "expect_artifact:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var raw struct {
		Deployment map[string]any `yaml:"deployment"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := checkTopology(raw.Deployment); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return &scenario, nil
}

//go:embed schema.cue
var topologySchema string

// TopologyError lists the ways a deployment block violates the topology
// schema.
type TopologyError struct {
	Problems []string
}

func (e *TopologyError) Error() string {
	return "deployment: " + strings.Join(e.Problems, "; ")
}

// checkTopology validates the raw deployment block against schema.cue.
func checkTopology(raw map[string]any) error {
	if raw == nil {
		return fmt.Errorf("deployment is required")
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(topologySchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile topology schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Deployment"))

	v := def.Unify(ctx.Encode(raw))
	err := v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	te := &TopologyError{}
	for _, e := range cueerrors.Errors(err) {
		te.Problems = append(te.Problems, e.Error())
	}
	if len(te.Problems) == 0 {
		te.Problems = []string{err.Error()}
	}
	return te
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if _, err := s.Deployment.Handle(s.Name, deployment.Normal); err != nil {
		return fmt.Errorf("deployment: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its kind.
func validateStep(i int, s Step) error {
	kinds := s.kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: one of exec, query, teardown, cleanup, wait_adapter_death or expect_artifacts is required", i)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: %s are mutually exclusive", i, strings.Join(kinds, " and "))
	}
	kind := kinds[0]

	isStatement := kind == StepExec || kind == StepQuery
	if !isStatement {
		if len(s.Params) > 0 {
			return fmt.Errorf("steps[%d]: params apply only to exec and query", i)
		}
		switch {
		case s.On == "":
		case kind != StepExpectArtifacts:
			return fmt.Errorf("steps[%d]: on applies only to exec, query and expect_artifacts", i)
		case s.On != OnUpstream && s.On != OnUpstreamPool:
			return fmt.Errorf("steps[%d]: artifacts are checked on %s or %s, got %q", i, OnUpstream, OnUpstreamPool, s.On)
		}
	}
	if kind != StepQuery && (s.Rows != nil || s.Sorted || s.Destination != "") {
		return fmt.Errorf("steps[%d]: rows, sorted and destination apply only to query", i)
	}
	if !isStatement && kind != StepExpectArtifacts && (s.Eventually || s.Timeout != 0) {
		return fmt.Errorf("steps[%d]: eventually applies only to exec, query and expect_artifacts", i)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("steps[%d]: timeout must be positive", i)
	}

	switch s.On {
	case "", OnAdapter, OnAdapterPool, OnUpstream, OnUpstreamPool:
	default:
		return fmt.Errorf("steps[%d]: on must be one of %s, %s, %s or %s, got %q",
			i, OnAdapter, OnAdapterPool, OnUpstream, OnUpstreamPool, s.On)
	}

	if s.Destination != "" {
		if _, err := parseDestination(s.Destination); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if s.Target() != OnAdapter {
			return fmt.Errorf("steps[%d]: destination can only be checked on the adapter", i)
		}
	}

	if _, err := toValues(s.Params); err != nil {
		return fmt.Errorf("steps[%d].params: %w", i, err)
	}
	if s.Rows != nil {
		if _, err := toMatrix(*s.Rows); err != nil {
			return fmt.Errorf("steps[%d].rows: %w", i, err)
		}
	}
	return nil
}

// Handle builds the deployment handle for this spec.
func (d DeploymentSpec) Handle(name string, mode deployment.Mode) (*deployment.Handle, error) {
	dialect, err := dbconn.ParseDialect(d.Dialect)
	if err != nil {
		return nil, err
	}

	b := deployment.NewBuilder(dialect, name).
		WithAdapters(d.Adapters).
		ReaderReplicas(d.ReaderReplicas).
		EmbeddedReaders(d.EmbeddedReaders)
	if d.Standalone {
		b.Standalone()
	}
	if d.Upstream {
		b.DeployUpstream()
	}
	for _, s := range d.Servers {
		b.AddServer(deployment.ServerParams{NoReaders: s.NoReaders, VolumeID: s.VolumeID})
	}
	if d.AllowFullMaterialization {
		b.AllowFullMaterialization()
	}
	if d.ArtifactName != "" {
		b.ArtifactName(d.ArtifactName)
	}
	if mode == deployment.CleanupOnly {
		b.Cleanup().DeployAdapter()
	}
	return b.Build()
}

func parseDestination(s string) (probe.Destination, error) {
	switch s {
	case probe.ServedByCache.String():
		return probe.ServedByCache, nil
	case probe.ServedByUpstream.String():
		return probe.ServedByUpstream, nil
	default:
		return 0, fmt.Errorf("destination must be %s or %s, got %q", probe.ServedByCache, probe.ServedByUpstream, s)
	}
}

func toValues(raw []any) ([]dbconn.Value, error) {
	out := make([]dbconn.Value, 0, len(raw))
	for i, v := range raw {
		val, err := dbconn.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, val)
	}
	return out, nil
}

func toMatrix(raw [][]any) ([][]dbconn.Value, error) {
	out := make([][]dbconn.Value, 0, len(raw))
	for i, r := range raw {
		row, err := toValues(r)
		if err != nil {
			return nil, fmt.Errorf("[%d]%w", i, err)
		}
		out = append(out, row)
	}
	return out, nil
}
