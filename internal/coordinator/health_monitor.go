// Package coordinator provides the cluster coordination server functionality.
// This file implements health monitoring for the configured storage nodes.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/depot/internal/metrics"
)

// HealthMonitor pings every configured node on a fixed interval and feeds
// the outcome into the NodeRegistry. It runs independently of request
// traffic; each node in a cycle is probed on its own goroutine so a hung
// node never delays the others.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	registry      *NodeRegistry
	checkFunc     func(ctx context.Context, addr string) error // Probe for a single node
	onUnreachable func(nodeID string)                         // Invoked on a reachable to unreachable flip
	onRecovered   func(nodeID string)                         // Invoked when a node is re-admitted
	log           *zap.Logger
	metrics       *metrics.Coordinator
	ctx           context.Context
	cancel        context.CancelFunc
	interval      time.Duration
	timeout       time.Duration
	mu            sync.RWMutex // Protects the callbacks
	wg            sync.WaitGroup
}

// NewHealthMonitor creates a monitor that probes the nodes in registry every
// interval, bounding each probe by timeout.
//
// Example:
//
//	monitor := NewHealthMonitor(registry, client.Ping, 5*time.Second, 5*time.Second, log, m)
//	monitor.SetOnUnreachable(svc.failover)
//	go monitor.Start(ctx)
func NewHealthMonitor(registry *NodeRegistry, check func(ctx context.Context, addr string) error,
	interval, timeout time.Duration, log *zap.Logger, m *metrics.Coordinator) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		registry:  registry,
		checkFunc: check,
		log:       log.Named("health"),
		metrics:   m,
		interval:  interval,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetOnUnreachable sets the callback invoked, on its own goroutine, when a
// node crosses the failure threshold.
func (h *HealthMonitor) SetOnUnreachable(callback func(nodeID string)) {
	h.mu.Lock()
	h.onUnreachable = callback
	h.mu.Unlock()
}

// SetOnRecovered sets the callback invoked when an unreachable node answers
// a probe again.
func (h *HealthMonitor) SetOnRecovered(callback func(nodeID string)) {
	h.mu.Lock()
	h.onRecovered = callback
	h.mu.Unlock()
}

// Start runs the monitoring loop in the current goroutine until ctx is
// canceled or Stop is called. The first cycle runs immediately.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval))

	h.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			h.log.Info("health monitor stopping", zap.String("reason", "context canceled"))
			return
		case <-h.ctx.Done():
			h.log.Info("health monitor stopping", zap.String("reason", "stopped"))
			return
		}
	}
}

// Stop shuts down the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckAll runs one probe cycle over every configured node and waits for
// all probes to finish.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range h.registry.IDs() {
		addr, _ := h.registry.Addr(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.checkNode(ctx, id, addr)
		}()
	}
	wg.Wait()
}

func (h *HealthMonitor) checkNode(ctx context.Context, id, addr string) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.checkFunc(probeCtx, addr)

	h.mu.RLock()
	onUnreachable, onRecovered := h.onUnreachable, h.onRecovered
	h.mu.RUnlock()

	if err != nil {
		crossed := h.registry.RecordFailure(id)
		rec, _ := h.registry.Get(id)
		h.metrics.NodeFailures.WithLabelValues(id, "health").Inc()
		h.log.Debug("health check failed",
			zap.String("node", id),
			zap.Int("attempt", rec.ConsecutiveFailures),
			zap.Int("max", h.registry.MaxFailures()),
			zap.Error(err))

		if crossed {
			h.metrics.NodeReachable.WithLabelValues(id).Set(0)
			h.log.Warn("node marked unreachable",
				zap.String("node", id), zap.Int("failures", rec.ConsecutiveFailures))
			if onUnreachable != nil {
				go onUnreachable(id)
			}
		}
		return
	}

	h.metrics.NodeReachable.WithLabelValues(id).Set(1)
	if h.registry.RecordSuccess(id) {
		h.log.Info("node recovered and is reachable again", zap.String("node", id))
		if onRecovered != nil {
			onRecovered(id)
		}
	}
}
