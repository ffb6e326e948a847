package testutil

// FixedNamer returns the prefix it is given, unchanged.
//
// Scenarios normally derive a run-unique deployment name from the scenario's
// name. Golden tests swap in FixedNamer so the recorded trace is
// byte-identical across runs.
//
// Thread-safety: FixedNamer is stateless and safe for concurrent use.
type FixedNamer struct{}

// Name returns prefix, or "ct_default" when prefix is empty.
func (FixedNamer) Name(prefix string) string {
	if prefix == "" {
		return "ct_default"
	}
	return prefix
}
