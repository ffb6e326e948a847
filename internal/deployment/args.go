package deployment

import (
	"strconv"
)

// serverArgs builds the command line for server i.
func serverArgs(t Topology, i int, addr, upstreamURL string) []string {
	p := t.Servers[i]
	args := []string{
		"--deployment", t.Name,
		"--database-type", t.Dialect.String(),
		"--address", addr,
	}
	if upstreamURL != "" {
		args = append(args, "--upstream-db-url", upstreamURL)
	}
	if t.ReaderReplicas > 0 {
		args = append(args, "--reader-replicas", strconv.Itoa(t.ReaderReplicas))
	}
	if p.NoReaders {
		args = append(args, "--no-readers")
	}
	if p.VolumeID != "" {
		args = append(args, "--volume-id", p.VolumeID)
	}
	if t.AllowFullMaterialization {
		args = append(args, "--allow-full-materialization")
	}
	return args
}

// adapterArgs builds the command line for an adapter.
func adapterArgs(t Topology, addr, upstreamURL string) []string {
	args := []string{
		"--deployment", t.Name,
		"--database-type", t.Dialect.String(),
		"--address", addr,
	}
	if upstreamURL != "" {
		args = append(args, "--upstream-db-url", upstreamURL)
	}
	if t.Standalone {
		args = append(args, "--standalone")
	}
	if t.Mode == CleanupOnly {
		args = append(args, "--cleanup")
	}
	if t.ReaderReplicas > 0 {
		args = append(args, "--reader-replicas", strconv.Itoa(t.ReaderReplicas))
	}
	if t.EmbeddedReaders {
		args = append(args, "--embedded-readers")
	}
	if t.AllowFullMaterialization {
		args = append(args, "--allow-full-materialization")
	}
	return args
}
