package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/depot/internal/metrics"
)

// LoadPoller refreshes the cached load of every reachable node on a fixed
// interval. A failed poll zeroes the cached value; it is not a health
// failure.
type LoadPoller struct {
	registry *NodeRegistry
	getLoad  func(ctx context.Context, addr string) (int, error)
	log      *zap.Logger
	metrics  *metrics.Coordinator
	interval time.Duration
	timeout  time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewLoadPoller creates a poller. Call Start to run it.
func NewLoadPoller(registry *NodeRegistry, getLoad func(ctx context.Context, addr string) (int, error),
	interval, timeout time.Duration, log *zap.Logger, m *metrics.Coordinator) *LoadPoller {
	return &LoadPoller{
		registry: registry,
		getLoad:  getLoad,
		log:      log.Named("load"),
		metrics:  m,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

// Start runs the loop in the current goroutine until ctx ends or Stop is called.
func (p *LoadPoller) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PollAll(ctx)
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
	}
}

// Stop ends the loop and waits for it.
func (p *LoadPoller) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// PollAll queries every reachable node once.
func (p *LoadPoller) PollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.registry.ListReachable() {
		addr, _ := p.registry.Addr(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			load, err := p.getLoad(pollCtx, addr)
			if err != nil {
				p.log.Debug("load poll failed", zap.String("node", id), zap.Error(err))
				load = 0
			}
			p.registry.SetLoad(id, load)
			p.metrics.NodeLoad.WithLabelValues(id).Set(float64(load))
		}()
	}
	wg.Wait()
}
