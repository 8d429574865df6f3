package coordinator

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

const (
	loadWeight     = 0.8
	responseWeight = 0.2

	// responseAlpha is the smoothing factor of the response time average.
	responseAlpha = 0.3

	// cooldownPenalty is added to the score of a node that recently failed
	// a request. It outweighs any realistic load so cooled nodes are picked
	// last, but they are still picked when nothing else is reachable.
	cooldownPenalty = 1e6
)

type nodeStats struct {
	cooldownUntil time.Time
	avgResponseMs float64
	inflight      int
	sampled       bool
}

// Balancer scores reachable nodes as
//
//	0.8 * (cached load + in-flight calls) + 0.2 * average response ms
//
// and picks the lowest. Ties go to the node listed first in configuration.
// Reachability comes from the NodeRegistry; a request-path failure only puts
// the node in a cool-down that inflates its score.
type Balancer struct {
	registry *NodeRegistry
	stats    map[string]*nodeStats
	now      func() time.Time
	cooldown time.Duration
	mu       sync.Mutex
}

// NewBalancer creates a balancer over registry.
func NewBalancer(registry *NodeRegistry, cooldown time.Duration) *Balancer {
	return &Balancer{
		registry: registry,
		stats:    make(map[string]*nodeStats),
		now:      time.Now,
		cooldown: cooldown,
	}
}

func (b *Balancer) statsFor(id string) *nodeStats {
	s, ok := b.stats[id]
	if !ok {
		s = &nodeStats{}
		b.stats[id] = s
	}
	return s
}

// Score returns the current score of id. Lower is better.
func (b *Balancer) Score(id string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scoreLocked(id, b.now())
}

func (b *Balancer) scoreLocked(id string, now time.Time) float64 {
	s := b.statsFor(id)
	load := float64(b.registry.CurrentLoad(id) + s.inflight)
	score := loadWeight*load + responseWeight*s.avgResponseMs
	if now.Before(s.cooldownUntil) {
		score += cooldownPenalty
	}
	return score
}

// Rank returns the reachable members of candidates ordered by score.
func (b *Balancer) Rank(candidates []string) []string {
	order := make(map[string]int)
	for i, id := range b.registry.IDs() {
		order[id] = i
	}

	type scored struct {
		id    string
		score float64
	}
	b.mu.Lock()
	now := b.now()
	list := make([]scored, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if seen[id] || !b.registry.IsReachable(id) {
			continue
		}
		seen[id] = true
		list = append(list, scored{id: id, score: b.scoreLocked(id, now)})
	}
	b.mu.Unlock()

	slices.SortStableFunc(list, func(x, y scored) int {
		switch {
		case x.score < y.score:
			return -1
		case x.score > y.score:
			return 1
		}
		return order[x.id] - order[y.id]
	})

	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out
}

// SelectN returns up to n reachable nodes, best first, skipping exclude.
func (b *Balancer) SelectN(n int, exclude ...string) []string {
	candidates := b.registry.ListReachable()
	if len(exclude) > 0 {
		candidates = slices.DeleteFunc(candidates, func(id string) bool {
			return slices.Contains(exclude, id)
		})
	}
	ranked := b.Rank(candidates)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Select returns the best reachable node not in exclude.
func (b *Balancer) Select(exclude ...string) (string, bool) {
	ids := b.SelectN(1, exclude...)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Begin records an in-flight call against id. The returned function must be
// called when the call finishes; successful calls feed the response time
// average.
func (b *Balancer) Begin(id string) func(ok bool) {
	start := b.now()
	b.mu.Lock()
	b.statsFor(id).inflight++
	b.mu.Unlock()

	return func(ok bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		s := b.statsFor(id)
		s.inflight--
		if ok {
			b.observeLocked(s, b.now().Sub(start))
		}
	}
}

// Observe feeds one successful call duration into the average for id.
func (b *Balancer) Observe(id string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observeLocked(b.statsFor(id), d)
}

func (b *Balancer) observeLocked(s *nodeStats, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if !s.sampled {
		s.avgResponseMs = ms
		s.sampled = true
		return
	}
	s.avgResponseMs = responseAlpha*ms + (1-responseAlpha)*s.avgResponseMs
}

// Penalize starts a cool-down for id after a failed request.
func (b *Balancer) Penalize(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statsFor(id).cooldownUntil = b.now().Add(b.cooldown)
}

// Readmit ends any cool-down for id.
func (b *Balancer) Readmit(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statsFor(id).cooldownUntil = time.Time{}
}

// CoolingDown reports whether id is in a cool-down.
func (b *Balancer) CoolingDown(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.statsFor(id).cooldownUntil)
}
