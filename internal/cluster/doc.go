// Package cluster holds the small set of types shared by the coordinator, the
// storage nodes and the HTTP API: node identities, the department/filename key
// format, and JSON helpers for talking to the coordinator's HTTP front.
//
// # Topology
//
// A depot cluster is one coordinator and a fixed pool of storage nodes:
//
//	          ┌──────────────┐
//	          │ Coordinator  │  HTTP API, registry, health,
//	          │              │  balancer, locations, failover
//	          └──────┬───────┘
//	                 │ wire protocol (TCP)
//	     ┌───────────┼───────────┐
//	┌────▼────┐ ┌────▼────┐ ┌────▼────┐
//	│ node-1  │ │ node-2  │ │ node-3  │
//	│ QA/     │ │ QA/     │ │ QA/     │
//	│ Dev../  │ │ Dev../  │ │ Dev../  │
//	└─────────┘ └─────────┘ └─────────┘
//
// Nodes are configured statically; they never register themselves. Each node
// owns a directory tree with one subdirectory per department.
//
// # File keys
//
// Every per-file structure in the system is keyed by "department/filename":
//
//	key := cluster.FileKey("QA", "a.txt") // "QA/a.txt"
//	dept, name, err := cluster.SplitFileKey(key)
//
// # HTTP helpers
//
// PostJSON and GetJSON are thin wrappers used by API consumers and the
// integration tests. Non-2xx replies surface as *StatusError so callers can
// tell a 404 (file not found) from a transport failure.
package cluster
