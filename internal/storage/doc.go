// Package storage implements the file storage owned by a single storage node.
//
// # Layout
//
// Files are grouped by department. DiskStore maps that directly onto the
// filesystem:
//
//	<base>/
//	  QA/
//	    a.txt
//	  Graphic/
//	  Development/
//
// MemoryStore keeps the same shape in maps and is used by tests and by
// ephemeral nodes.
//
// # Concurrency
//
// Both stores are safe for concurrent use on their own, but a node wraps its
// store in a LockedStore so that every request on a given department/filename
// key is ordered by that key's reader/writer lock:
//
//	fetch          read lock
//	list           read lock per file, held while the name is collected
//	add / edit     write lock
//	delete         write lock, then the key's entry is dropped
//
// Locks live in a LockTable created lazily per key and shared by every
// connection on the node. Locks are never shared across nodes; cross-node
// edit sessions are serialized by the coordinator's edit lock table instead.
//
// # Names
//
// Department and file names must be non-empty, must not contain path
// separators and must not start with a dot. Hidden names are reserved for the
// temp files DiskStore writes before renaming them into place.
package storage
