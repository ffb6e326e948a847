package deployment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/dbconn"
)

func TestBuilder_StandaloneAdapter(t *testing.T) {
	h, err := NewBuilder(dbconn.PostgreSQL, "ct_cleanup").
		Standalone().
		DeployUpstream().
		DeployAdapter().
		Build()
	require.NoError(t, err)

	topo := h.Topology()
	assert.Equal(t, "ct_cleanup", topo.Name)
	assert.Equal(t, Normal, topo.Mode)
	assert.True(t, topo.Standalone)
	assert.True(t, topo.DeployUpstream)
	assert.Equal(t, 1, topo.Adapters)
	assert.Empty(t, topo.Servers)
	assert.Equal(t, "readyset", topo.ArtifactName)
}

func TestBuilder_EmbeddedReaders(t *testing.T) {
	h, err := NewBuilder(dbconn.PostgreSQL, "ct_readers").
		DeployUpstream().
		ReaderReplicas(2).
		WithAdapters(1).
		WithServers(1, ServerParams{}.WithoutReaders()).
		EmbeddedReaders(true).
		AllowFullMaterialization().
		Build()
	require.NoError(t, err)

	topo := h.Topology()
	assert.Equal(t, 2, topo.ReaderReplicas)
	assert.Equal(t, []ServerParams{{NoReaders: true}}, topo.Servers)
	assert.True(t, topo.EmbeddedReaders)
	assert.True(t, topo.AllowFullMaterialization)
}

func TestBuilder_DeployAdapterKeepsLargerCount(t *testing.T) {
	h, err := NewBuilder(dbconn.MySQL, "ct_many").
		Standalone().
		DeployUpstream().
		WithAdapters(3).
		DeployAdapter().
		Build()
	require.NoError(t, err)
	assert.Equal(t, 3, h.Topology().Adapters)
}

func TestBuilder_HandleTopologyIsACopy(t *testing.T) {
	h, err := NewBuilder(dbconn.PostgreSQL, "ct_copy").
		DeployUpstream().
		DeployAdapter().
		AddServer(ServerParams{VolumeID: "v1"}).
		Build()
	require.NoError(t, err)

	topo := h.Topology()
	topo.Servers[0].VolumeID = "changed"
	assert.Equal(t, "v1", h.Topology().Servers[0].VolumeID)
}

func TestBuilder_NegativeServerCount(t *testing.T) {
	_, err := NewBuilder(dbconn.PostgreSQL, "ct_neg").
		DeployUpstream().
		DeployAdapter().
		WithServers(-1, ServerParams{}).
		AddServer(ServerParams{}).
		Build()
	assert.ErrorIs(t, err, ErrInvalidTopology)
	assert.ErrorContains(t, err, "negative")
}

func TestTopology_Validate(t *testing.T) {
	valid := func() Topology {
		return Topology{
			Name:           "ct_valid",
			Dialect:        dbconn.PostgreSQL,
			Mode:           Normal,
			Standalone:     true,
			DeployUpstream: true,
			Adapters:       1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Topology)
		wantErr string
	}{
		{"valid", func(*Topology) {}, ""},
		{"upstream only", func(t *Topology) { t.Adapters = 0; t.Standalone = false }, ""},
		{"empty name", func(t *Topology) { t.Name = "" }, "name is required"},
		{"long name", func(t *Topology) { t.Name = strings.Repeat("a", 64) }, "longer than"},
		{"bad characters", func(t *Topology) { t.Name = "ct-dash" }, "letters, digits"},
		{"leading digit", func(t *Topology) { t.Name = "1ct" }, "letters, digits"},
		{"no dialect", func(t *Topology) { t.Dialect = 0 }, "unsupported dialect"},
		{"no mode", func(t *Topology) { t.Mode = 0 }, "unsupported mode"},
		{"negative adapters", func(t *Topology) { t.Adapters = -1 }, "negative"},
		{"negative replicas", func(t *Topology) { t.ReaderReplicas = -2 }, "negative"},
		{"cleanup without upstream", func(t *Topology) { t.Mode = CleanupOnly; t.DeployUpstream = false }, "requires an upstream"},
		{"cleanup without adapters", func(t *Topology) { t.Mode = CleanupOnly; t.Adapters = 0 }, "at least one adapter"},
		{"adapters without upstream", func(t *Topology) { t.DeployUpstream = false }, "require an upstream"},
		{"adapters without servers", func(t *Topology) { t.Standalone = false }, "at least one server"},
		{"cleanup needs no servers", func(t *Topology) { t.Mode = CleanupOnly; t.Standalone = false }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := valid()
			tt.mutate(&topo)
			err := topo.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTopology)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAdvance(t *testing.T) {
	assert.NoError(t, advance(Provisioning, Running))
	assert.NoError(t, advance(Provisioning, TornDown))
	assert.NoError(t, advance(Running, TornDown))

	assert.Error(t, advance(Running, Provisioning))
	assert.Error(t, advance(TornDown, Running))
	assert.Error(t, advance(TornDown, TornDown))
	assert.Error(t, advance(Running, Running))
}

func TestModeAndStatusStrings(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "cleanup", CleanupOnly.String())
	assert.Equal(t, "provisioning", Provisioning.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "torn_down", TornDown.String())
	assert.Equal(t, "mode(9)", Mode(9).String())
}
