package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/depot/internal/metrics"
	"github.com/dreamware/depot/internal/storage"
	"github.com/dreamware/depot/internal/wire"
)

func startNode(t *testing.T, cfg Config) (*Server, *wire.Client) {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "node-test"
	}
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = 2 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Second
	}

	srv := New(cfg, storage.NewMemoryStore("QA", "Development"), zaptest.NewLogger(t), metrics.NewNode(cfg.ID))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv, wire.NewClient(time.Second, 2*time.Second)
}

func TestServerFileLifecycle(t *testing.T) {
	srv, c := startNode(t, Config{})
	ctx := context.Background()
	addr := srv.Addr()

	ok, err := c.Put(ctx, addr, wire.CmdAdd, "QA", "plan.txt", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := c.Fetch(ctx, addr, "QA", "plan.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	ok, err = c.Put(ctx, addr, wire.CmdEdit, "QA", "plan.txt", []byte("v2"))
	require.NoError(t, err)
	assert.True(t, ok)

	data, err = c.Fetch(ctx, addr, "QA", "plan.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	names, err := c.List(ctx, addr, "QA")
	require.NoError(t, err)
	assert.Equal(t, []string{"plan.txt"}, names)

	ok, err = c.Delete(ctx, addr, "QA", "plan.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Delete(ctx, addr, "QA", "plan.txt")
	require.NoError(t, err)
	assert.False(t, ok, "second delete should report false")

	data, err = c.Fetch(ctx, addr, "QA", "plan.txt")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestServerListUnknownDepartment(t *testing.T) {
	srv, c := startNode(t, Config{})

	names, err := c.List(context.Background(), srv.Addr(), "Marketing")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestServerRejectsInvalidName(t *testing.T) {
	srv, c := startNode(t, Config{})

	ok, err := c.Put(context.Background(), srv.Addr(), wire.CmdAdd, "QA", "../escape", []byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServerPing(t *testing.T) {
	srv, c := startNode(t, Config{})
	require.NoError(t, c.Ping(context.Background(), srv.Addr()))
}

func TestServerPingLoop(t *testing.T) {
	srv, _ := startNode(t, Config{})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	for i := 0; i < 3; i++ {
		require.NoError(t, wire.WriteString(conn, wire.CmdPing))
		reply, err := wire.ReadString(conn)
		require.NoError(t, err)
		assert.Equal(t, wire.Pong, reply)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	srv, _ := startNode(t, Config{})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	require.NoError(t, wire.WriteString(conn, "rename"))
	ok, err := wire.ReadBool(conn)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServerGetLoadCountsItself(t *testing.T) {
	srv, c := startNode(t, Config{})

	load, err := c.GetLoad(context.Background(), srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, 1, load)
}

func TestServerLoadTracksOpenConnections(t *testing.T) {
	srv, c := startNode(t, Config{})

	// Hold a connection open mid-command: the node has read the command
	// token and is waiting for the department.
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	require.NoError(t, wire.WriteString(conn, wire.CmdList))

	require.Eventually(t, func() bool { return srv.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	load, err := c.GetLoad(context.Background(), srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, 2, load)

	conn.Close()
	require.Eventually(t, func() bool { return srv.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerReapsIdleConnections(t *testing.T) {
	srv, _ := startNode(t, Config{
		IdleTimeout:  100 * time.Millisecond,
		ReapInterval: 50 * time.Millisecond,
	})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "reaped connection should be closed by the node")
	assert.GreaterOrEqual(t, testutil.ToFloat64(srv.metrics.ReapedConnections), 1.0)
}

func TestServerWorkerPoolBoundsConcurrency(t *testing.T) {
	srv, c := startNode(t, Config{WorkerPoolSize: 1})

	// Occupy the only worker.
	hog, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	require.NoError(t, wire.WriteString(hog, wire.CmdList))
	require.Eventually(t, func() bool { return srv.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = c.GetLoad(ctx, srv.Addr())
	assert.Error(t, err, "request should wait for a free worker")

	hog.Close()
	load, err := c.GetLoad(context.Background(), srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, 1, load)
}

func TestServerCommandMetrics(t *testing.T) {
	srv, c := startNode(t, Config{})
	ctx := context.Background()

	_, err := c.Put(ctx, srv.Addr(), wire.CmdAdd, "QA", "a.txt", []byte("x"))
	require.NoError(t, err)
	_, err = c.Fetch(ctx, srv.Addr(), "QA", "missing.txt")
	require.NoError(t, err)

	// Counters are bumped after the reply is flushed.
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.Commands.WithLabelValues("add", "ok")) == 1 &&
			testutil.ToFloat64(srv.metrics.Commands.WithLabelValues("fetch", "fail")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerCloseStopsListener(t *testing.T) {
	srv, c := startNode(t, Config{})
	addr := srv.Addr()
	require.NoError(t, srv.Close())

	err := c.Ping(context.Background(), addr)
	assert.Error(t, err)
}
