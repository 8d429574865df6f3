package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/depot/internal/auth"
	"github.com/dreamware/depot/internal/cluster"
	"github.com/dreamware/depot/internal/config"
	"github.com/dreamware/depot/internal/metrics"
	"github.com/dreamware/depot/internal/wire"
)

var (
	// ErrNoReachableNodes is returned when every configured node is unreachable.
	ErrNoReachableNodes = errors.New("no reachable nodes")
	// ErrEditLocked is returned when another identity holds the edit lock.
	ErrEditLocked = errors.New("file is locked for editing by another user")
	// ErrReplication is returned by Add when fewer replicas than required
	// accepted the write. The replicas that did are still recorded.
	ErrReplication = errors.New("replication incomplete")
	// ErrWriteRejected is returned when no node accepted an edit.
	ErrWriteRejected = errors.New("no node accepted the write")
	// ErrFileNotFound is returned by Delete when no node held the file.
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidRequest is returned, without contacting any node, for
	// content or names the node protocol cannot carry.
	ErrInvalidRequest = errors.New("invalid request")
)

// Service is the coordinator. It owns the node registry, the location
// directory and the edit lock table, runs the health monitor and load poller,
// and routes file operations to storage nodes.
type Service struct {
	cfg       config.CoordinatorConfig
	registry  *NodeRegistry
	balancer  *Balancer
	directory *LocationDirectory
	editLocks *EditLockTable
	client    NodeClient
	authz     auth.Authorizer
	monitor   *HealthMonitor
	poller    *LoadPoller
	limiter   *rate.Limiter // nil when pushes are not throttled
	log       *zap.Logger
	metrics   *metrics.Coordinator

	ctx       context.Context
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	failovers sync.WaitGroup
	mu        sync.Mutex // guards stopped against failovers.Add
	stopped   bool
}

// NewService wires a coordinator for nodes. A nil authz allows everything.
func NewService(cfg config.CoordinatorConfig, nodes []cluster.NodeInfo, client NodeClient,
	authz auth.Authorizer, log *zap.Logger, m *metrics.Coordinator) *Service {
	if authz == nil {
		authz = auth.AllowAll{}
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewNodeRegistry(nodes, cfg.MaxFailures)
	s := &Service{
		cfg:       cfg,
		registry:  registry,
		balancer:  NewBalancer(registry, cfg.Cooldown),
		directory: NewLocationDirectory(),
		editLocks: NewEditLockTable(cfg.EditLockLease),
		client:    client,
		authz:     authz,
		log:       log.Named("coordinator"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.RepairBytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RepairBytesPerSec), cfg.RepairBytesPerSec)
	}

	s.monitor = NewHealthMonitor(registry, client.Ping, cfg.HealthCheckInterval, cfg.SocketTimeout, log, m)
	s.monitor.SetOnUnreachable(s.handleUnreachable)
	s.monitor.SetOnRecovered(s.balancer.Readmit)
	s.poller = NewLoadPoller(registry, client.GetLoad, cfg.LoadUpdateInterval, cfg.SocketTimeout, log, m)

	for _, id := range registry.IDs() {
		m.NodeReachable.WithLabelValues(id).Set(1)
	}
	return s
}

// Registry returns the node registry.
func (s *Service) Registry() *NodeRegistry { return s.registry }

// Balancer returns the load balancer.
func (s *Service) Balancer() *Balancer { return s.balancer }

// Directory returns the location directory.
func (s *Service) Directory() *LocationDirectory { return s.directory }

// EditLocks returns the edit lock table.
func (s *Service) EditLocks() *EditLockTable { return s.editLocks }

// Monitor returns the health monitor.
func (s *Service) Monitor() *HealthMonitor { return s.monitor }

// Start launches the health monitor and load poller.
func (s *Service) Start(ctx context.Context) {
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.monitor.Start(ctx)
	}()
	go func() {
		defer s.loops.Done()
		s.poller.Start(ctx)
	}()
}

// Stop halts the background loops and waits for running failover passes.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.monitor.Stop()
	s.poller.Stop()
	s.loops.Wait()
	s.cancel()
	s.failovers.Wait()
	s.log.Info("coordinator stopped")
}

// call runs fn against node id. Transport errors count against the node
// and may trigger failover; successful calls feed the balancer. Requests
// the client refused to frame never reached the node and are not counted.
func (s *Service) call(ctx context.Context, id, command string, fn func(addr string) error) error {
	addr, ok := s.registry.Addr(id)
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}

	done := s.balancer.Begin(id)
	start := time.Now()
	err := fn(addr)
	s.metrics.NodeCallDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	done(err == nil)

	if err != nil && !errors.Is(err, wire.ErrInvalidRequest) {
		s.nodeFailed(id, command, err)
	}
	return err
}

// validate rejects a request the wire client would refuse to send.
func validate(content []byte, fields ...string) error {
	if err := wire.CheckRequest(content, fields...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) nodeFailed(id, command string, err error) {
	s.balancer.Penalize(id)
	s.metrics.NodeFailures.WithLabelValues(id, "request").Inc()
	s.log.Warn("node call failed", zap.String("node", id), zap.String("command", command), zap.Error(err))

	if s.registry.RecordFailure(id) {
		s.metrics.NodeReachable.WithLabelValues(id).Set(0)
		s.log.Warn("node marked unreachable by request path", zap.String("node", id))
		go s.handleUnreachable(id)
	}
}

func (s *Service) put(ctx context.Context, id, action, department, filename string, content []byte) bool {
	var accepted bool
	err := s.call(ctx, id, action, func(addr string) error {
		var err error
		accepted, err = s.client.Put(ctx, addr, action, department, filename, content)
		return err
	})
	return err == nil && accepted
}

func (s *Service) fetchFrom(ctx context.Context, id, department, filename string) ([]byte, error) {
	var data []byte
	err := s.call(ctx, id, wire.CmdFetch, func(addr string) error {
		var err error
		data, err = s.client.Fetch(ctx, addr, department, filename)
		return err
	})
	return data, err
}

// pushAll writes content to every target concurrently and returns the ids
// that accepted it, in target order, and those that did not.
func (s *Service) pushAll(ctx context.Context, targets []string, action, department, filename string, content []byte) (stored, failed []string) {
	results := make([]bool, len(targets))
	var g errgroup.Group
	for i, id := range targets {
		g.Go(func() error {
			results[i] = s.put(ctx, id, action, department, filename, content)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range targets {
		if results[i] {
			stored = append(stored, id)
		} else {
			failed = append(failed, id)
		}
	}
	return stored, failed
}

func (s *Service) addrs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if addr, ok := s.registry.Addr(id); ok {
			out = append(out, addr)
		}
	}
	return out
}

func (s *Service) ids(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if id, ok := s.registry.IDForAddr(addr); ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) replicas() int {
	return min(s.cfg.ReplicationFactor, len(s.registry.ListReachable()))
}

// Add stores a new file on min(replication factor, reachable) nodes. The
// best nodes are written concurrently; replicas that fail are retried on
// freshly selected nodes until the retry budget runs out. Every node that
// accepted the write is recorded even when the call fails.
func (s *Service) Add(ctx context.Context, department, filename string, content []byte) error {
	key := cluster.FileKey(department, filename)
	if err := validate(content, department, filename); err != nil {
		return err
	}
	want := s.replicas()
	if want == 0 {
		return ErrNoReachableNodes
	}

	var stored, failed []string
	targets := s.balancer.SelectN(want)
	for attempt := 1; attempt <= s.cfg.MaxRetries && len(targets) > 0; attempt++ {
		ok, bad := s.pushAll(ctx, targets, wire.CmdAdd, department, filename, content)
		stored = append(stored, ok...)
		failed = append(failed, bad...)
		if len(stored) >= want {
			break
		}
		exclude := make([]string, 0, len(stored)+len(failed))
		exclude = append(exclude, stored...)
		exclude = append(exclude, failed...)
		targets = s.balancer.SelectN(want-len(stored), exclude...)
	}

	if len(stored) > 0 {
		s.directory.Set(key, s.addrs(stored))
	}
	if len(stored) < want {
		return fmt.Errorf("%w: %s stored on %d of %d nodes", ErrReplication, key, len(stored), want)
	}
	s.log.Debug("file added", zap.String("key", key), zap.Strings("nodes", stored))
	return nil
}

// Edit overwrites a file on the reachable nodes currently holding it, or on
// freshly selected nodes when none are known. The location entry becomes
// the set of nodes that accepted the write.
func (s *Service) Edit(ctx context.Context, identity, department, filename string, content []byte) error {
	key := cluster.FileKey(department, filename)
	if err := validate(content, department, filename); err != nil {
		return err
	}
	if !s.editLocks.CanEdit(identity, key) {
		return ErrEditLocked
	}
	if len(s.registry.ListReachable()) == 0 {
		return ErrNoReachableNodes
	}

	targets := s.balancer.Rank(s.ids(s.directory.Get(key)))
	if len(targets) == 0 {
		targets = s.balancer.SelectN(s.replicas())
	}

	var stored, failed []string
	for attempt := 1; attempt <= s.cfg.MaxRetries && len(targets) > 0; attempt++ {
		ok, bad := s.pushAll(ctx, targets, wire.CmdEdit, department, filename, content)
		stored = append(stored, ok...)
		failed = append(failed, bad...)
		if len(stored) > 0 {
			break
		}
		targets = s.balancer.SelectN(1, failed...)
	}

	if len(stored) == 0 {
		return fmt.Errorf("%w: %s", ErrWriteRejected, key)
	}
	s.directory.Set(key, s.addrs(stored))
	s.log.Debug("file edited", zap.String("key", key), zap.Strings("nodes", stored))
	return nil
}

// Delete removes a file from every reachable node believed to hold it, or
// from every reachable node when its location is unknown, and drops the
// location entry.
func (s *Service) Delete(ctx context.Context, identity, department, filename string) error {
	key := cluster.FileKey(department, filename)
	if err := validate(nil, department, filename); err != nil {
		return err
	}
	if !s.editLocks.CanEdit(identity, key) {
		return ErrEditLocked
	}
	reachable := s.registry.ListReachable()
	if len(reachable) == 0 {
		return ErrNoReachableNodes
	}

	targets := reachable
	if s.directory.Has(key) {
		targets = s.balancer.Rank(s.ids(s.directory.Get(key)))
	}

	results := make([]bool, len(targets))
	var g errgroup.Group
	for i, id := range targets {
		g.Go(func() error {
			err := s.call(ctx, id, wire.CmdDelete, func(addr string) error {
				var err error
				results[i], err = s.client.Delete(ctx, addr, department, filename)
				return err
			})
			if err != nil {
				results[i] = false
			}
			return nil
		})
	}
	_ = g.Wait()

	s.directory.Delete(key)
	for _, ok := range results {
		if ok {
			s.log.Debug("file deleted", zap.String("key", key))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrFileNotFound, key)
}

// Fetch returns the contents of a file, or nil when no reachable node has
// it. Known holders are tried best first; after that every other reachable
// node is probed and the one that answers is recorded as a holder.
func (s *Service) Fetch(ctx context.Context, department, filename string) ([]byte, error) {
	key := cluster.FileKey(department, filename)
	if err := validate(nil, department, filename); err != nil {
		return nil, err
	}
	reachable := s.registry.ListReachable()
	if len(reachable) == 0 {
		return nil, ErrNoReachableNodes
	}

	tried := make(map[string]bool)
	try := func(id string) []byte {
		tried[id] = true
		data, err := s.fetchFrom(ctx, id, department, filename)
		if err != nil {
			return nil
		}
		addr, _ := s.registry.Addr(id)
		if len(data) == 0 {
			s.directory.Remove(key, addr)
			return nil
		}
		s.directory.Add(key, addr)
		return data
	}

	for _, id := range s.balancer.Rank(s.ids(s.directory.Get(key))) {
		if data := try(id); data != nil {
			return data, nil
		}
	}
	for _, id := range s.balancer.Rank(reachable) {
		if tried[id] {
			continue
		}
		if data := try(id); data != nil {
			s.log.Debug("file found by broadcast", zap.String("key", key), zap.String("node", id))
			return data, nil
		}
	}
	return nil, nil
}

// List returns the sorted union of file names in department across every
// reachable node. Each node is asked up to the retry budget before being
// skipped.
func (s *Service) List(ctx context.Context, department string) ([]string, error) {
	if err := validate(nil, department); err != nil {
		return []string{}, err
	}
	reachable := s.registry.ListReachable()
	if len(reachable) == 0 {
		return []string{}, ErrNoReachableNodes
	}

	union := make(map[string]struct{})
	for _, id := range reachable {
		for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
			var names []string
			err := s.call(ctx, id, wire.CmdList, func(addr string) error {
				var err error
				names, err = s.client.List(ctx, addr, department)
				return err
			})
			if err == nil {
				for _, n := range names {
					union[n] = struct{}{}
				}
				break
			}
			if !s.registry.IsReachable(id) || ctx.Err() != nil {
				break
			}
		}
	}

	out := make([]string, 0, len(union))
	for n := range union {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Nodes returns the registry records in configuration order.
func (s *Service) Nodes() []NodeRecord { return s.registry.All() }

// Locations returns a copy of the location directory.
func (s *Service) Locations() map[string][]string { return s.directory.Snapshot() }
