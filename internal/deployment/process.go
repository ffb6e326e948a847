package deployment

import (
	"context"
	"fmt"
)

// Role is the part a process plays in a deployment.
type Role string

const (
	RoleServer  Role = "server"
	RoleAdapter Role = "adapter"
)

// ProcessSpec describes one process to launch.
type ProcessSpec struct {
	// Name is unique within a run: <deployment>-<role>-<index>.
	Name   string
	Role   Role
	Index  int
	Binary string
	Args   []string

	// Addr is the address the process was told to listen on.
	Addr string
}

func processName(deployment string, role Role, index int) string {
	return fmt.Sprintf("%s-%s-%d", deployment, role, index)
}

// Supervisor launches processes.
type Supervisor interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// Process is a launched process.
type Process interface {
	// Stop asks the process to exit and waits for it. Stopping an exited
	// process returns nil.
	Stop(ctx context.Context) error

	Alive() bool

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err is the exit error once Done is closed, nil for a clean exit.
	Err() error
}

// ProcessInfo is a snapshot of one deployment process.
type ProcessInfo struct {
	Name  string
	Role  Role
	Index int
	Addr  string
	Alive bool
}
