package deployment

import (
	"context"
	"testing"
)

// StartForTest starts h and registers its teardown with t.Cleanup, so the
// deployment is released however the test ends. A teardown failure fails
// the test.
func StartForTest(t testing.TB, c *Controller, h *Handle) *Deployment {
	t.Helper()
	d, err := c.Start(context.Background(), h)
	if err != nil {
		t.Fatalf("start deployment %s: %v", h.topo.Name, err)
	}
	t.Cleanup(func() {
		if err := d.Teardown(context.Background()); err != nil {
			t.Errorf("teardown %s: %v", d.Name(), err)
		}
	})
	return d
}
