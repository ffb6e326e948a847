package deployment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/roach88/clustertest/internal/dbconn"
)

// UpstreamServer is a database server deployments create their databases on.
type UpstreamServer struct {
	Dialect dbconn.Dialect

	// AdminURL connects to a maintenance database on the server. PostgreSQL
	// URLs use postgres://, MySQL URLs use mysql://.
	AdminURL string

	// Owned is true when the controller provisioned the server and must
	// release it.
	Owned bool

	release func(ctx context.Context) error
}

// DatabaseURL returns AdminURL pointed at database db.
func (u *UpstreamServer) DatabaseURL(db string) (string, error) {
	return withDatabase(u.AdminURL, db)
}

// Release frees a controller-owned server. Unowned servers are left alone.
func (u *UpstreamServer) Release(ctx context.Context) error {
	if !u.Owned || u.release == nil {
		return nil
	}
	return u.release(ctx)
}

// UpstreamProvisioner supplies upstream servers.
type UpstreamProvisioner interface {
	Acquire(ctx context.Context, dialect dbconn.Dialect) (*UpstreamServer, error)
}

// ExternalUpstream hands out servers that already exist. They are never
// owned, so the controller never stops them.
type ExternalUpstream struct {
	URLs map[dbconn.Dialect]string
}

// Acquire implements UpstreamProvisioner.
func (e ExternalUpstream) Acquire(ctx context.Context, dialect dbconn.Dialect) (*UpstreamServer, error) {
	raw, ok := e.URLs[dialect]
	if !ok || raw == "" {
		return nil, fmt.Errorf("no external %s upstream configured", dialect)
	}
	if err := checkScheme(dialect, raw); err != nil {
		return nil, err
	}
	return &UpstreamServer{Dialect: dialect, AdminURL: raw}, nil
}

func checkScheme(dialect dbconn.Dialect, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}
	want := []string{"postgres", "postgresql"}
	if dialect == dbconn.MySQL {
		want = []string{"mysql"}
	}
	for _, s := range want {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s upstream url must use scheme %s, got %q", dialect, strings.Join(want, " or "), u.Scheme)
}

func withDatabase(raw, db string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	u.Path = "/" + db
	u.RawPath = ""
	return u.String(), nil
}

func withHost(raw, addr string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	u.Host = addr
	return u.String(), nil
}

func quoteIdent(dialect dbconn.Dialect, name string) string {
	if dialect == dbconn.MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// prepareDatabase readies the per-deployment database. Normal mode starts
// from an empty database; cleanup mode must keep whatever the earlier
// deployment left, so it only creates the database if it is missing.
func prepareDatabase(ctx context.Context, connector dbconn.Connector, srv *UpstreamServer, name string, mode Mode) (err error) {
	admin, err := connector.Connect(ctx, srv.Dialect, dbconn.Single, srv.AdminURL)
	if err != nil {
		return fmt.Errorf("connect to upstream: %w", err)
	}
	defer func() {
		err = errors.Join(err, admin.Close())
	}()

	ident := quoteIdent(srv.Dialect, name)

	if mode == CleanupOnly {
		if srv.Dialect == dbconn.MySQL {
			return admin.QueryDrop(ctx, "CREATE DATABASE IF NOT EXISTS "+ident)
		}
		rs, err := admin.Execute(ctx, "SELECT 1 FROM pg_database WHERE datname = $1", dbconn.Text(name))
		if err != nil {
			return err
		}
		if rs.Len() > 0 {
			return nil
		}
		return admin.QueryDrop(ctx, "CREATE DATABASE "+ident)
	}

	if err := admin.QueryDrop(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
		return err
	}
	return admin.QueryDrop(ctx, "CREATE DATABASE "+ident)
}
