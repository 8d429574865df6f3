package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/depot/internal/api"
	"github.com/dreamware/depot/internal/auth"
	"github.com/dreamware/depot/internal/cluster"
	"github.com/dreamware/depot/internal/config"
	"github.com/dreamware/depot/internal/coordinator"
	"github.com/dreamware/depot/internal/metrics"
	"github.com/dreamware/depot/internal/node"
	"github.com/dreamware/depot/internal/storage"
	"github.com/dreamware/depot/internal/wire"
)

// TestSystem is an in-process cluster: three disk-backed storage nodes on
// loopback ports, a coordinator, and its HTTP API.
type TestSystem struct {
	t     *testing.T
	nodes []*node.Server
	svc   *coordinator.Service
	api   *httptest.Server
	cfg   config.Config
}

// NewTestSystem starts the cluster and registers cleanup with t.
func NewTestSystem(t *testing.T, nodeCount int) *TestSystem {
	t.Helper()
	log := zaptest.NewLogger(t)
	ts := &TestSystem{t: t, cfg: config.Default()}
	ts.cfg.Coordinator.HealthCheckInterval = 100 * time.Millisecond
	ts.cfg.Coordinator.LoadUpdateInterval = 100 * time.Millisecond
	ts.cfg.Coordinator.ConnectTimeout = 500 * time.Millisecond
	ts.cfg.Coordinator.SocketTimeout = time.Second
	ts.cfg.Nodes = nil

	dataDir := t.TempDir()
	for i := 1; i <= nodeCount; i++ {
		id := fmt.Sprintf("node-%d", i)
		store, err := storage.NewDiskStore(filepath.Join(dataDir, id), ts.cfg.Node.Departments)
		require.NoError(t, err)

		srv := node.New(node.Config{
			ID:             id,
			ListenAddr:     "127.0.0.1:0",
			WorkerPoolSize: ts.cfg.Node.WorkerPoolSize,
			SocketTimeout:  ts.cfg.Node.SocketTimeout,
			IdleTimeout:    ts.cfg.Node.IdleTimeout,
			ReapInterval:   ts.cfg.Node.ReapInterval,
		}, store, log, metrics.NewNode(id))
		require.NoError(t, srv.Start())
		ts.nodes = append(ts.nodes, srv)
		ts.cfg.Nodes = append(ts.cfg.Nodes, cluster.NodeInfo{ID: id, Addr: srv.Addr()})
	}
	require.NoError(t, ts.cfg.Validate())

	co := ts.cfg.Coordinator
	m := metrics.NewCoordinator()
	client := wire.NewClient(co.ConnectTimeout, co.SocketTimeout)
	ts.svc = coordinator.NewService(co, ts.cfg.Nodes, client, auth.AllowAll{}, log, m)
	ts.svc.Start(context.Background())
	ts.api = httptest.NewServer(api.New(ts.svc, log, nil, m.Handler()).Handler())

	t.Cleanup(ts.Stop)
	return ts
}

// Stop shuts the cluster down. It is safe to call more than once.
func (ts *TestSystem) Stop() {
	ts.api.Close()
	ts.svc.Stop()
	for _, n := range ts.nodes {
		_ = n.Close()
	}
}

// Kill stops the node holding addr and returns its id.
func (ts *TestSystem) Kill(addr string) string {
	for i, n := range ts.nodes {
		if n.Addr() == addr {
			require.NoError(ts.t, n.Close())
			return ts.cfg.Nodes[i].ID
		}
	}
	ts.t.Fatalf("no node at %s", addr)
	return ""
}

func (ts *TestSystem) Send(identity, action, dept, name, content string) bool {
	var out api.OKResponse
	err := cluster.PostJSON(context.Background(), fmt.Sprintf("%s/files/%s/%s", ts.api.URL, dept, name),
		api.FileRequest{Identity: identity, Action: action, Content: []byte(content)}, &out)
	require.NoError(ts.t, err)
	return out.OK
}

// Fetch returns the file contents and the HTTP status.
func (ts *TestSystem) Fetch(identity, dept, name string) (string, int) {
	var out api.FileResponse
	err := cluster.GetJSON(context.Background(),
		fmt.Sprintf("%s/files/%s/%s?identity=%s", ts.api.URL, dept, name, identity), &out)
	var se *cluster.StatusError
	if errors.As(err, &se) {
		return "", se.Code
	}
	require.NoError(ts.t, err)
	return string(out.Content), http.StatusOK
}

func (ts *TestSystem) List(identity, dept string) []string {
	var out api.ListResponse
	require.NoError(ts.t, cluster.GetJSON(context.Background(),
		fmt.Sprintf("%s/files/%s?identity=%s", ts.api.URL, dept, identity), &out))
	return out.Files
}

func (ts *TestSystem) Lock(identity, op, dept, name string) bool {
	var out api.OKResponse
	require.NoError(ts.t, cluster.PostJSON(context.Background(),
		fmt.Sprintf("%s/locks/%s/%s", ts.api.URL, dept, name),
		api.LockRequest{Identity: identity, Op: op}, &out))
	return out.OK
}

func (ts *TestSystem) Locations() map[string][]string {
	var out struct {
		Locations map[string][]string `json:"locations"`
	}
	require.NoError(ts.t, cluster.GetJSON(context.Background(), ts.api.URL+"/locations", &out))
	return out.Locations
}

func TestDistributedStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 3)

	t.Run("StoreAndRetrieve", func(t *testing.T) {
		require.True(t, ts.Send("alice", "add", "QA", "plan.txt", "v1"))
		got, status := ts.Fetch("alice", "QA", "plan.txt")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "v1", got)
		assert.Len(t, ts.Locations()["QA/plan.txt"], 2)
	})

	t.Run("EditUnderLock", func(t *testing.T) {
		require.True(t, ts.Lock("alice", "lock", "QA", "plan.txt"))
		assert.False(t, ts.Lock("bob", "lock", "QA", "plan.txt"))
		assert.False(t, ts.Send("bob", "edit", "QA", "plan.txt", "bob"))
		require.True(t, ts.Send("alice", "edit", "QA", "plan.txt", "v2"))
		require.True(t, ts.Lock("alice", "unlock", "QA", "plan.txt"))

		got, _ := ts.Fetch("bob", "QA", "plan.txt")
		assert.Equal(t, "v2", got)
	})

	t.Run("ListUnion", func(t *testing.T) {
		require.True(t, ts.Send("alice", "add", "Development", "b.go", "package b"))
		require.True(t, ts.Send("alice", "add", "Development", "a.go", "package a"))
		assert.Equal(t, []string{"a.go", "b.go"}, ts.List("alice", "Development"))
		assert.Empty(t, ts.List("alice", "Graphic"))
	})

	t.Run("Delete", func(t *testing.T) {
		require.True(t, ts.Send("alice", "add", "QA", "tmp.txt", "x"))
		require.True(t, ts.Send("alice", "delete", "QA", "tmp.txt", ""))
		_, status := ts.Fetch("alice", "QA", "tmp.txt")
		assert.Equal(t, http.StatusNotFound, status)
		assert.NotContains(t, ts.Locations(), "QA/tmp.txt")
	})

	t.Run("NonExistent", func(t *testing.T) {
		_, status := ts.Fetch("alice", "QA", "never.txt")
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("ConcurrentAdds", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				name := fmt.Sprintf("c-%02d.txt", i)
				assert.True(t, ts.Send("alice", "add", "Graphic", name, name))
			}()
		}
		wg.Wait()

		assert.Len(t, ts.List("alice", "Graphic"), 20)
		for i := 0; i < 20; i++ {
			name := fmt.Sprintf("c-%02d.txt", i)
			got, _ := ts.Fetch("alice", "Graphic", name)
			assert.Equal(t, name, got)
		}
	})
}

// TestFailoverScenario adds a file to a three node cluster, kills one of its
// two holders and checks the file stays readable and is re-replicated away
// from the dead node.
func TestFailoverScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 3)

	require.True(t, ts.Send("alice", "add", "QA", "a.txt", "hello"))
	holders := ts.Locations()["QA/a.txt"]
	require.Len(t, holders, 2)

	killed := holders[0]
	ts.Kill(killed)

	got, status := ts.Fetch("alice", "QA", "a.txt")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", got)

	require.Eventually(t, func() bool {
		now := ts.Locations()["QA/a.txt"]
		if len(now) != 2 {
			return false
		}
		for _, a := range now {
			if a == killed {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "file should be re-replicated off the killed node")

	got, _ = ts.Fetch("alice", "QA", "a.txt")
	assert.Equal(t, "hello", got)
}

// TestSingleNodeReplication checks that a one node cluster stores one copy.
func TestSingleNodeReplication(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 1)

	require.True(t, ts.Send("alice", "add", "QA", "a.txt", "solo"))
	assert.Len(t, ts.Locations()["QA/a.txt"], 1)
}
