// Package coordinator implements the control plane of depot: it tracks which
// storage nodes are usable, decides where files go, remembers where they
// went, and re-replicates files when a node disappears.
//
// # Overview
//
// Clients never talk to storage nodes. Every file operation enters through
// the Service, which picks nodes, speaks the wire protocol to them and keeps
// three pieces of shared state:
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                │
//	├──────────────────────────────────────────┤
//	│  NodeRegistry        reachability, load  │
//	│  LocationDirectory   file → holders      │
//	│  EditLockTable       file → editor       │
//	├──────────────────────────────────────────┤
//	│  HealthMonitor       ping every 5s       │
//	│  LoadPoller          getLoad every 2s    │
//	│  Balancer            node selection      │
//	│  failover            re-replication      │
//	└──────────────────────────────────────────┘
//
// None of this state is global. A Service owns its instances and hands them
// to the background loops; tests build as many Services as they like.
//
// # Core Components
//
// NodeRegistry: one record per configured node
//   - Created from configuration, never grown or shrunk
//   - Reachable flips off on the 3rd consecutive failure, once
//   - Any successful ping resets the count and re-admits the node
//   - Carries the recovery-in-progress flag guarding failover
//
// HealthMonitor: periodic liveness probes
//   - Pings every node concurrently on a fresh connection
//   - Feeds RecordSuccess / RecordFailure
//   - Schedules failover on the reachable → unreachable edge
//
// Balancer: node selection
//   - Score = 0.8 × (load + in-flight) + 0.2 × average response ms
//   - Only reachable nodes are candidates
//   - A node that failed a request is cooled down: its score is inflated
//     for a few seconds, but it stays selectable
//   - Ties go to the node configured first
//
// LocationDirectory: department/filename → ordered holder addresses
//   - Written on add, edit, delete, fetch and failover
//   - May be stale; fetch falls back to asking every reachable node
//
// EditLockTable: single editor per file with an optional lease
//
// # Operation Semantics
//
//	add     N = min(2, reachable) best nodes, written concurrently;
//	        failed replicas retried elsewhere (3 attempts);
//	        succeeds only if all N accepted
//	edit    rejected if someone else holds the edit lock; written to the
//	        reachable holders (or N fresh nodes); entry = accepting nodes
//	delete  rejected like edit; sent to the reachable holders (or every
//	        reachable node); entry removed
//	fetch   holders best first, then every other reachable node;
//	        an empty payload means "not here"
//	list    sorted union of names across reachable nodes
//
// # Failure Handling
//
// A transport error on the request path counts against the node exactly
// like a failed ping. Whichever signal crosses the threshold first triggers
// a single failover pass for that node:
//
//  1. Find every file whose holders include the failed address
//  2. Fetch its bytes from another holder
//  3. Push them to the best reachable node not already holding it
//  4. Replace the failed address with the new one
//
// A file with no surviving copy is logged as unrecoverable and left alone.
// Repair runs the same copy step on demand for every under-replicated file.
//
// # Concurrency
//
// Every structure guards itself with its own mutex and never calls out while
// holding it. Callbacks from the health monitor run on their own goroutines
// so a slow failover never delays the next probe cycle.
//
// # See Also
//
//   - internal/wire: the node protocol and its client
//   - internal/node: the storage node server
//   - internal/api: the HTTP front end over Service
package coordinator
