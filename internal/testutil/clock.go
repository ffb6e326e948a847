package testutil

import (
	"fmt"
	"sync"
)

// DeterministicClock is a thread-safe logical clock for fakes.
//
// FakeCluster ticks it once per statement an adapter handles and uses it to
// decide when a write has replicated, so convergence depends on how often a
// test polls, never on wall time.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock at 0. The first Next returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the new tick.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current tick without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset sets the clock back to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// SequentialPorts hands out 127.0.0.1 addresses from a counter. Nothing
// listens on them; they are names the fake connector resolves.
type SequentialPorts struct {
	clock DeterministicClock
	base  int

	mu   sync.Mutex
	fail error
}

// NewSequentialPorts starts allocating at base+1.
func NewSequentialPorts(base int) *SequentialPorts {
	return &SequentialPorts{base: base}
}

// FailWith makes every later Allocate return err.
func (p *SequentialPorts) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Allocate implements deployment.PortAllocator.
func (p *SequentialPorts) Allocate() (string, error) {
	p.mu.Lock()
	err := p.fail
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("127.0.0.1:%d", p.base+int(p.clock.Next())), nil
}
