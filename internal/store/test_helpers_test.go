package store

import (
	"testing"
)

// createTestStore creates a new in-memory ledger for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Memory)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
