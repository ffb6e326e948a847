package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/probe"
)

// AssertionError is returned when a step's check fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Check that failed: rows, destination or artifacts
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Steps executed before the failure, if attached
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)

	if len(e.Trace) > 0 {
		buf.WriteString("\n\nSteps so far:\n")
		buf.WriteString(formatTrace(e.Trace))
	}
	return buf.String()
}

func formatTrace(trace []TraceEvent) string {
	var buf strings.Builder
	for _, ev := range trace {
		fmt.Fprintf(&buf, "  [%d] %s", ev.Step, ev.Kind)
		if ev.SQL != "" {
			fmt.Fprintf(&buf, " %s: %s", ev.Target, ev.SQL)
		}
		fmt.Fprintf(&buf, " -> %s\n", ev.Outcome)
	}
	return buf.String()
}

// observation is what a query step sees on one attempt.
type observation struct {
	rows [][]dbconn.Value
	// dest is zero when the step does not check routing.
	dest probe.Destination
}

// String renders the observation for timeout errors.
func (o observation) String() string {
	if o.dest == 0 {
		return dbconn.FormatRows(o.rows)
	}
	return fmt.Sprintf("%s from %s", dbconn.FormatRows(o.rows), o.dest)
}

// queryCheck builds the check for a query step. want may be nil to skip the
// row comparison; wantDest may be zero to skip routing.
func queryCheck(want [][]dbconn.Value, sorted bool, wantDest probe.Destination) func(observation) error {
	return func(o observation) error {
		if want != nil {
			if err := assertRows(want, o.rows, sorted); err != nil {
				return err
			}
		}
		if wantDest != 0 {
			return assertDestination(wantDest, o.dest)
		}
		return nil
	}
}

// assertRows compares result rows. With sorted, both sides are compared in
// sorted order so the check is insensitive to row order.
func assertRows(want, got [][]dbconn.Value, sorted bool) error {
	if sorted {
		want = sortedCopy(want)
		got = sortedCopy(got)
	}
	if dbconn.EqualRows(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     "rows",
		Expected: dbconn.FormatRows(want),
		Actual:   dbconn.FormatRows(got),
	}
}

func sortedCopy(rows [][]dbconn.Value) [][]dbconn.Value {
	out := make([]dbconn.Row, len(rows))
	for i, r := range rows {
		out[i] = dbconn.Row(r)
	}
	dbconn.SortRows(out)
	m := make([][]dbconn.Value, len(out))
	for i, r := range out {
		m[i] = r
	}
	return m
}

func assertDestination(want, got probe.Destination) error {
	if want == got {
		return nil
	}
	return &AssertionError{
		Type:     "destination",
		Expected: "served by " + want.String(),
		Actual:   "served by " + got.String(),
	}
}

func assertArtifacts(want, got probe.ArtifactState) error {
	if want == got {
		return nil
	}
	return &AssertionError{
		Type:     "artifacts",
		Expected: want.String(),
		Actual:   got.String(),
	}
}
