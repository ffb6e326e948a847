package deployment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/clustertest/internal/dbconn"
)

var errExited = errors.New("process exited")

// ContextDialer opens network connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// waitReady polls check with exponential backoff until it passes, the ready
// timeout elapses, or the process exits. An exit is reported as
// PROCESS_EXITED even when it races the timeout.
func (d *Deployment) waitReady(ctx context.Context, m *member, check func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.ctrl.opts.ReadyTimeout)
	defer cancel()
	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)

	go func() {
		select {
		case <-m.proc.Done():
			cancelCause(errExited)
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	var lastErr error
	began := time.Now()
	err := backoff.Retry(func() error {
		lastErr = check(ctx)
		return lastErr
	}, backoff.WithContext(b, ctx))
	if err == nil {
		d.log.Debug("process ready", "process", m.spec.Name, "after", time.Since(began))
		return d.record(ctx, "ready", m.spec.Name)
	}

	select {
	case <-m.proc.Done():
		return d.provisionErr(ErrCodeProcessExited, m.spec.Name, "exited before becoming ready", m.proc.Err())
	default:
	}
	if lastErr == nil {
		lastErr = err
	}
	return d.provisionErr(ErrCodeReadinessTimeout, m.spec.Name,
		fmt.Sprintf("not ready after %s", time.Since(began).Round(time.Millisecond)), lastErr)
}

// serverReady passes once the server accepts TCP connections.
func (d *Deployment) serverReady(m *member) func(context.Context) error {
	return func(ctx context.Context) error {
		conn, err := d.ctrl.opts.Dialer.DialContext(ctx, "tcp", m.spec.Addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// adapterReady passes once a SQL session can be opened through the adapter.
func (d *Deployment) adapterReady(m *member) func(context.Context) error {
	return func(ctx context.Context) error {
		if m.url == "" {
			return fmt.Errorf("adapter %s has no client url", m.spec.Name)
		}
		conn, err := d.ctrl.opts.Connector.Connect(ctx, d.topo.Dialect, dbconn.Single, m.url)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
