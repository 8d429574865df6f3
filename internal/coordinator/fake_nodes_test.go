package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dreamware/depot/internal/auth"
	"github.com/dreamware/depot/internal/cluster"
	"github.com/dreamware/depot/internal/config"
	"github.com/dreamware/depot/internal/metrics"
	"github.com/dreamware/depot/internal/storage"
	"github.com/dreamware/depot/internal/wire"
)

var errRefused = errors.New("connection refused")

// fakeNodes is an in-memory NodeClient. Each address has its own store;
// addresses marked down fail every call with a transport error.
type fakeNodes struct {
	stores  map[string]*storage.MemoryStore
	down    map[string]bool
	rejects map[string]bool
	loads   map[string]int
	calls   map[string]int
	mu      sync.Mutex
}

func newFakeNodes(addrs ...string) *fakeNodes {
	f := &fakeNodes{
		stores:  make(map[string]*storage.MemoryStore),
		down:    make(map[string]bool),
		rejects: make(map[string]bool),
		loads:   make(map[string]int),
		calls:   make(map[string]int),
	}
	for _, a := range addrs {
		f.stores[a] = storage.NewMemoryStore("QA", "Development")
	}
	return f
}

func (f *fakeNodes) setDown(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[addr] = down
}

func (f *fakeNodes) setReject(addr string, reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects[addr] = reject
}

func (f *fakeNodes) setLoad(addr string, load int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads[addr] = load
}

func (f *fakeNodes) callCount(addr, command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr+" "+command]
}

func (f *fakeNodes) has(addr, department, filename string) bool {
	return f.stores[addr].Has(department, filename)
}

func (f *fakeNodes) enter(addr, command string) (*storage.MemoryStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[addr+" "+command]++
	st, ok := f.stores[addr]
	if !ok || f.down[addr] {
		return nil, fmt.Errorf("dial %s: %w", addr, errRefused)
	}
	return st, nil
}

func (f *fakeNodes) Ping(_ context.Context, addr string) error {
	_, err := f.enter(addr, wire.CmdPing)
	return err
}

func (f *fakeNodes) GetLoad(_ context.Context, addr string) (int, error) {
	if _, err := f.enter(addr, wire.CmdGetLoad); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[addr], nil
}

func (f *fakeNodes) List(_ context.Context, addr, department string) ([]string, error) {
	st, err := f.enter(addr, wire.CmdList)
	if err != nil {
		return nil, err
	}
	names, err := st.List(department)
	if err != nil {
		return []string{}, nil
	}
	return names, nil
}

func (f *fakeNodes) Put(_ context.Context, addr, action, department, filename string, content []byte) (bool, error) {
	st, err := f.enter(addr, action)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	reject := f.rejects[addr]
	f.mu.Unlock()
	if reject {
		return false, nil
	}
	return st.Put(department, filename, content) == nil, nil
}

func (f *fakeNodes) Delete(_ context.Context, addr, department, filename string) (bool, error) {
	st, err := f.enter(addr, wire.CmdDelete)
	if err != nil {
		return false, err
	}
	ok, err := st.Delete(department, filename)
	return ok && err == nil, nil
}

func (f *fakeNodes) Fetch(_ context.Context, addr, department, filename string) ([]byte, error) {
	st, err := f.enter(addr, wire.CmdFetch)
	if err != nil {
		return nil, err
	}
	data, err := st.Get(department, filename)
	if err != nil {
		return []byte{}, nil
	}
	return data, nil
}

var testNodes = []cluster.NodeInfo{
	{ID: "node-1", Addr: "10.0.0.1:5001"},
	{ID: "node-2", Addr: "10.0.0.2:5002"},
	{ID: "node-3", Addr: "10.0.0.3:5003"},
}

func addrsOf(nodes []cluster.NodeInfo) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Addr
	}
	return out
}

func testConfig() config.CoordinatorConfig {
	cfg := config.Default().Coordinator
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.LoadUpdateInterval = 20 * time.Millisecond
	cfg.SocketTimeout = time.Second
	return cfg
}

// newTestService builds a Service over fake nodes without starting the
// background loops.
func newTestService(t *testing.T, nodes []cluster.NodeInfo, opts ...func(*config.CoordinatorConfig)) (*Service, *fakeNodes) {
	t.Helper()
	cfg := testConfig()
	for _, o := range opts {
		o(&cfg)
	}
	fake := newFakeNodes(addrsOf(nodes)...)
	svc := NewService(cfg, nodes, fake, auth.AllowAll{}, zaptest.NewLogger(t), metrics.NewCoordinator())
	t.Cleanup(svc.Stop)
	return svc, fake
}
