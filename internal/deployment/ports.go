package deployment

import (
	"fmt"
	"net"
)

// PortAllocator hands out listen addresses for launched processes.
type PortAllocator interface {
	Allocate() (string, error)
}

// LocalPorts asks the kernel for a free port on Host by listening on port 0
// and closing the listener. Another process can take the port before the
// launched process binds it; that surfaces as a start failure.
type LocalPorts struct {
	// Host defaults to 127.0.0.1.
	Host string
}

// Allocate returns host:port.
func (p LocalPorts) Allocate() (string, error) {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("reserve port on %s: %w", host, err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", fmt.Errorf("release port %s: %w", addr, err)
	}
	return addr, nil
}
