package coordinator

import (
	"sync"
	"time"

	"github.com/dreamware/depot/internal/cluster"
)

// NodeRecord is the coordinator's view of one configured storage node.
type NodeRecord struct {
	LastSuccessfulHealthCheck time.Time `json:"last_successful_health_check"`
	ID                        string    `json:"id"`
	Addr                      string    `json:"addr"`
	CurrentLoad               int       `json:"current_load"`
	ConsecutiveFailures       int       `json:"consecutive_failures"`
	Reachable                 bool      `json:"reachable"`
	Recovering                bool      `json:"recovering"`
}

// NodeRegistry tracks reachability and load for the fixed set of configured
// nodes. Records are created once at construction and are only ever toggled.
//
// A node flips to unreachable on the failure that brings its consecutive
// failure count to maxFailures; that call alone reports the crossing, so
// the failover path runs once per transition. A single success resets the
// count and re-admits the node.
//
// Thread-safe: all methods may be called concurrently.
type NodeRegistry struct {
	nodes       map[string]*NodeRecord
	byAddr      map[string]string
	order       []string
	mu          sync.RWMutex
	maxFailures int
}

// NewNodeRegistry creates a registry holding every node in nodes, in order.
// All nodes start reachable.
func NewNodeRegistry(nodes []cluster.NodeInfo, maxFailures int) *NodeRegistry {
	if maxFailures < 1 {
		maxFailures = 1
	}
	r := &NodeRegistry{
		nodes:       make(map[string]*NodeRecord, len(nodes)),
		byAddr:      make(map[string]string, len(nodes)),
		order:       make([]string, 0, len(nodes)),
		maxFailures: maxFailures,
	}
	for _, n := range nodes {
		if _, dup := r.nodes[n.ID]; dup {
			continue
		}
		r.nodes[n.ID] = &NodeRecord{ID: n.ID, Addr: n.Addr, Reachable: true}
		r.byAddr[n.Addr] = n.ID
		r.order = append(r.order, n.ID)
	}
	return r
}

// MaxFailures returns the consecutive failure threshold.
func (r *NodeRegistry) MaxFailures() int { return r.maxFailures }

// IDs returns every node id in configuration order.
func (r *NodeRegistry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ListReachable returns the ids of reachable nodes in configuration order.
func (r *NodeRegistry) ListReachable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.nodes[id].Reachable {
			out = append(out, id)
		}
	}
	return out
}

// IsReachable reports whether id is known and reachable.
func (r *NodeRegistry) IsReachable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && n.Reachable
}

// RecordSuccess resets the failure count of id. It returns true when the
// node had been unreachable and is now re-admitted; its cached load is
// cleared in that case.
func (r *NodeRegistry) RecordSuccess(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	recovered := !n.Reachable
	n.ConsecutiveFailures = 0
	n.LastSuccessfulHealthCheck = time.Now()
	n.Reachable = true
	if recovered {
		n.CurrentLoad = 0
	}
	return recovered
}

// RecordFailure counts one failed call or probe against id and returns true
// exactly when this failure crossed the threshold on a reachable node.
func (r *NodeRegistry) RecordFailure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	n.ConsecutiveFailures++
	if n.Reachable && n.ConsecutiveFailures >= r.maxFailures {
		n.Reachable = false
		return true
	}
	return false
}

// SetReachable forces the reachability of id without touching the failure
// count.
func (r *NodeRegistry) SetReachable(id string, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Reachable = reachable
	}
}

// CurrentLoad returns the last load recorded for id.
func (r *NodeRegistry) CurrentLoad(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.nodes[id]; ok {
		return n.CurrentLoad
	}
	return 0
}

// SetLoad replaces the cached load of id.
func (r *NodeRegistry) SetLoad(id string, load int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.CurrentLoad = max(load, 0)
	}
}

// AdjustLoad adds delta to the cached load of id, never going below zero.
func (r *NodeRegistry) AdjustLoad(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.CurrentLoad = max(n.CurrentLoad+delta, 0)
	}
}

// BeginRecovery marks id as having a failover pass in flight. It returns
// false if one is already running.
func (r *NodeRegistry) BeginRecovery(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok || n.Recovering {
		return false
	}
	n.Recovering = true
	return true
}

// EndRecovery clears the recovery marker of id.
func (r *NodeRegistry) EndRecovery(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Recovering = false
	}
}

// Get returns a copy of the record for id.
func (r *NodeRegistry) Get(id string) (NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return NodeRecord{}, false
	}
	return *n, true
}

// All returns copies of every record in configuration order.
func (r *NodeRegistry) All() []NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.nodes[id])
	}
	return out
}

// Addr returns the wire address of id.
func (r *NodeRegistry) Addr(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return "", false
	}
	return n.Addr, true
}

// IDForAddr maps a wire address back to its node id.
func (r *NodeRegistry) IDForAddr(addr string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}
