package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/probe"
)

// launchAdapter starts one adapter for db behind addr.
func launchAdapter(t *testing.T, c *FakeCluster, db, addr string, extra ...string) deployment.Process {
	t.Helper()
	args := append([]string{"--deployment", db, "--upstream-db-url", "postgres://fake@upstream/" + db}, extra...)
	p, err := c.Start(context.Background(), deployment.ProcessSpec{
		Name: db + "-adapter-0",
		Role: deployment.RoleAdapter,
		Args: args,
		Addr: addr,
	})
	require.NoError(t, err)
	return p
}

func upstream(t *testing.T, c *FakeCluster, db string) dbconn.Conn {
	t.Helper()
	conn, err := c.Connect(context.Background(), dbconn.PostgreSQL, dbconn.Single, "postgres://fake@upstream/"+db)
	require.NoError(t, err)
	return conn
}

func createDB(t *testing.T, c *FakeCluster, db string) {
	t.Helper()
	admin := upstream(t, c, "postgres")
	require.NoError(t, admin.QueryDrop(context.Background(), `CREATE DATABASE "`+db+`"`))
}

func TestFakeCluster_UpstreamStatements(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCluster()
	createDB(t, c, "app")
	conn := upstream(t, c, "app")

	require.NoError(t, conn.QueryDrop(ctx, "CREATE TABLE t (x int, name text)"))
	require.NoError(t, conn.QueryDrop(ctx, "INSERT INTO t VALUES (1, 'a'), (2, 'b')"))
	require.NoError(t, conn.QueryDrop(ctx, "INSERT INTO t (x) VALUES (3)"))

	rs, err := conn.Query(ctx, "SELECT x FROM t")
	require.NoError(t, err)
	assert.Equal(t, dbconn.Matrix([]any{1}, []any{2}, []any{3}), rs.Values())

	rs, err = conn.Execute(ctx, "SELECT name FROM t WHERE x = $1", dbconn.Int(2))
	require.NoError(t, err)
	assert.Equal(t, dbconn.Matrix([]any{"b"}), rs.Values())

	rs, err = conn.Execute(ctx, "SELECT count(*) FROM t WHERE x = $1", dbconn.Int(9))
	require.NoError(t, err)
	assert.Equal(t, dbconn.Matrix([]any{0}), rs.Values())

	_, err = conn.Query(ctx, "SELECT y FROM t")
	assert.True(t, dbconn.IsQueryError(err))
}

func TestFakeCluster_DatabaseLifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCluster()
	admin := upstream(t, c, "postgres")

	require.NoError(t, admin.QueryDrop(ctx, `DROP DATABASE IF EXISTS "app"`))
	require.NoError(t, admin.QueryDrop(ctx, `CREATE DATABASE "app"`))
	assert.True(t, c.HasDatabase("app"))

	rs, err := admin.Execute(ctx, "SELECT 1 FROM pg_database WHERE datname = $1", dbconn.Text("app"))
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Len())

	assert.Error(t, admin.QueryDrop(ctx, `CREATE DATABASE "app"`))
	require.NoError(t, admin.QueryDrop(ctx, "CREATE DATABASE IF NOT EXISTS `app`"))

	require.NoError(t, admin.QueryDrop(ctx, `DROP DATABASE "app"`))
	assert.False(t, c.HasDatabase("app"))

	_, err = c.Connect(ctx, dbconn.PostgreSQL, dbconn.Single, "postgres://fake@upstream/app")
	assert.Error(t, err)
}

func TestFakeCluster_AdapterCreatesArtifacts(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCluster()
	createDB(t, c, "app")

	p := launchAdapter(t, c, "app", "127.0.0.1:1")
	assert.True(t, p.Alive())
	require.Eventually(t, func() bool { return c.Artifacts("app").SlotExists }, time.Second, time.Millisecond)

	conn := upstream(t, c, "app")
	state, err := probe.Artifacts(ctx, conn, probe.DefaultArtifactName)
	require.NoError(t, err)
	assert.Equal(t, probe.ArtifactState{SlotExists: true, PublicationExists: true}, state)

	admin := upstream(t, c, "postgres")
	err = admin.QueryDrop(ctx, `DROP DATABASE "app"`)
	assert.ErrorContains(t, err, "replication slot")
}

func TestFakeCluster_AdapterStoppedEarlyLeavesNoArtifacts(t *testing.T) {
	c := NewFakeCluster()
	c.ArtifactDelay = time.Hour
	createDB(t, c, "app")

	p := launchAdapter(t, c, "app", "127.0.0.1:1")
	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, c.Artifacts("app").Clean())
}

func TestFakeCluster_CleanupAdapterRemovesArtifactsAndExits(t *testing.T) {
	c := NewFakeCluster()
	createDB(t, c, "app")
	normal := launchAdapter(t, c, "app", "127.0.0.1:1")
	require.Eventually(t, func() bool { return !c.Artifacts("app").Clean() }, time.Second, time.Millisecond)
	require.NoError(t, normal.Stop(context.Background()))

	p := launchAdapter(t, c, "app", "127.0.0.1:2", "--cleanup")
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup adapter did not exit")
	}
	assert.NoError(t, p.Err())
	assert.True(t, c.Artifacts("app").Clean())
}

func TestFakeCluster_CacheServesReplicatedRows(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCluster()
	createDB(t, c, "app")
	launchAdapter(t, c, "app", "127.0.0.1:1")

	conn, err := c.Connect(ctx, dbconn.PostgreSQL, dbconn.Single, "postgres://fake@127.0.0.1:1/app")
	require.NoError(t, err)

	require.NoError(t, conn.QueryDrop(ctx, "CREATE TABLE t (x int)"))
	require.NoError(t, conn.QueryDrop(ctx, "INSERT INTO t VALUES (1)"))

	// The table needs Lag ticks before it can be cached.
	err = conn.QueryDrop(ctx, "CREATE CACHE FROM SELECT x FROM t")
	require.NoError(t, err)

	rs, err := conn.Query(ctx, "SELECT x FROM t")
	require.NoError(t, err)
	assert.Equal(t, dbconn.Matrix([]any{1}), rs.Values())

	dest, err := probe.LastStatementDestination(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, probe.ServedByCache, dest)

	require.NoError(t, conn.QueryDrop(ctx, "INSERT INTO t VALUES (2)"))
	rs, err = conn.Query(ctx, "SELECT x FROM t")
	require.NoError(t, err)
	assert.Equal(t, dbconn.Matrix([]any{1}), rs.Values(), "write has not replicated yet")

	rs, err = conn.Query(ctx, "SELECT x FROM t")
	require.NoError(t, err)
	assert.Equal(t, dbconn.Matrix([]any{1}, []any{2}), rs.Values())
}

func TestFakeCluster_CreateCacheBeforeReplication(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCluster()
	c.Lag = 5
	createDB(t, c, "app")
	launchAdapter(t, c, "app", "127.0.0.1:1")

	conn, err := c.Connect(ctx, dbconn.PostgreSQL, dbconn.Single, "postgres://fake@127.0.0.1:1/app")
	require.NoError(t, err)
	require.NoError(t, conn.QueryDrop(ctx, "CREATE TABLE t (x int)"))

	err = conn.QueryDrop(ctx, "CREATE CACHE FROM SELECT x FROM t")
	assert.ErrorContains(t, err, "not yet replicated")

	_, err = conn.Query(ctx, "SELECT x FROM t")
	require.NoError(t, err)
	dest, err := probe.LastStatementDestination(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, probe.ServedByUpstream, dest)
}

func TestFakeCluster_Faults(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCluster()
	boom := errors.New("boom")

	c.FailLaunch("server-0", boom)
	_, err := c.Start(ctx, deployment.ProcessSpec{Name: "d-server-0", Role: deployment.RoleServer, Addr: "127.0.0.1:1"})
	assert.ErrorIs(t, err, boom)

	c.CrashOnStart("server-1", boom)
	p, err := c.Start(ctx, deployment.ProcessSpec{Name: "d-server-1", Role: deployment.RoleServer, Addr: "127.0.0.1:2"})
	require.NoError(t, err)
	assert.False(t, p.Alive())
	assert.ErrorIs(t, p.Err(), boom)

	c.NeverReady("server-2")
	p, err = c.Start(ctx, deployment.ProcessSpec{Name: "d-server-2", Role: deployment.RoleServer, Addr: "127.0.0.1:3"})
	require.NoError(t, err)
	assert.True(t, p.Alive())
	_, err = c.DialContext(ctx, "tcp", "127.0.0.1:3")
	assert.ErrorIs(t, err, ErrConnRefused)

	c.RefuseStop("server-3", boom)
	p, err = c.Start(ctx, deployment.ProcessSpec{Name: "d-server-3", Role: deployment.RoleServer, Addr: "127.0.0.1:4"})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Stop(ctx), boom)
	assert.True(t, p.Alive())

	conn, err := c.DialContext(ctx, "tcp", "127.0.0.1:4")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestFakeCluster_StopIsRecordedOnce(t *testing.T) {
	ctx := context.Background()
	c := NewFakeCluster()
	p, err := c.Start(ctx, deployment.ProcessSpec{Name: "d-server-0", Role: deployment.RoleServer, Addr: "127.0.0.1:1"})
	require.NoError(t, err)

	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, []string{"d-server-0"}, c.Stopped())
	assert.False(t, p.Alive())
}
