package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"gopkg.in/yaml.v3"
)

// TraceSnapshot captures the trace of a scenario execution for golden
// comparison.
type TraceSnapshot struct {
	ScenarioName string       `yaml:"scenario_name"`
	Pass         bool         `yaml:"pass"`
	Trace        []TraceEvent `yaml:"trace"`
}

// MarshalSnapshot renders a result as the YAML stored in golden files.
// Field order follows the struct definitions, so output is stable.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	err := enc.Encode(TraceSnapshot{
		ScenarioName: scenarioName,
		Pass:         result.Pass,
		Trace:        result.Trace,
	})
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("marshal trace snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its trace with
// testdata/golden/<scenario>.golden.
//
// The runner should use a fixed Namer so deployment names in the trace are
// stable. Run with -update to rewrite the golden file.
func RunWithGolden(t *testing.T, r *Runner, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := r.Run(context.Background(), scenario)
	if err != nil {
		return result, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)
	return nil
}
