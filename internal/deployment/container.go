package deployment

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/roach88/clustertest/internal/dbconn"
)

const (
	DefaultPostgresImage = "postgres:16-alpine"
	DefaultMySQLImage    = "mysql:8.4"
)

// ContainerUpstream provisions a fresh upstream server in a container. The
// server is owned and released with the controller.
type ContainerUpstream struct {
	PostgresImage  string
	MySQLImage     string
	StartupTimeout time.Duration
}

// Acquire implements UpstreamProvisioner.
func (c ContainerUpstream) Acquire(ctx context.Context, dialect dbconn.Dialect) (*UpstreamServer, error) {
	timeout := c.StartupTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	switch dialect {
	case dbconn.PostgreSQL:
		return c.postgres(ctx, timeout)
	case dbconn.MySQL:
		return c.mysql(ctx, timeout)
	default:
		return nil, fmt.Errorf("no container image for %s", dialect)
	}
}

func (c ContainerUpstream) postgres(ctx context.Context, timeout time.Duration) (*UpstreamServer, error) {
	image := c.PostgresImage
	if image == "" {
		image = DefaultPostgresImage
	}

	// Logical replication needs wal_level=logical; slots and senders are
	// raised so several deployments can replicate from one server.
	ctr, err := postgres.Run(ctx, image,
		postgres.WithDatabase("postgres"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithCmd("postgres",
			"-c", "wal_level=logical",
			"-c", "max_replication_slots=32",
			"-c", "max_wal_senders=32",
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(timeout),
		),
	)
	if err != nil {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return nil, fmt.Errorf("get postgres connection string: %w", err)
	}

	return &UpstreamServer{
		Dialect:  dbconn.PostgreSQL,
		AdminURL: connStr,
		Owned:    true,
		release: func(ctx context.Context) error {
			return ctr.Terminate(ctx)
		},
	}, nil
}

func (c ContainerUpstream) mysql(ctx context.Context, timeout time.Duration) (*UpstreamServer, error) {
	image := c.MySQLImage
	if image == "" {
		image = DefaultMySQLImage
	}

	const password = "clustertest"
	ctr, err := tcmysql.Run(ctx, image,
		tcmysql.WithDatabase("clustertest"),
		tcmysql.WithUsername("root"),
		tcmysql.WithPassword(password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(timeout),
		),
	)
	if err != nil {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
		return nil, fmt.Errorf("start mysql container: %w", err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return nil, fmt.Errorf("get mysql host: %w", err)
	}
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return nil, fmt.Errorf("get mysql port: %w", err)
	}

	admin := url.URL{
		Scheme: "mysql",
		User:   url.UserPassword("root", password),
		Host:   net.JoinHostPort(host, port.Port()),
		Path:   "/clustertest",
	}
	return &UpstreamServer{
		Dialect:  dbconn.MySQL,
		AdminURL: admin.String(),
		Owned:    true,
		release: func(ctx context.Context) error {
			return ctr.Terminate(ctx)
		},
	}, nil
}
