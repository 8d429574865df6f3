package coordinator

import (
	"sort"
	"sync"

	"golang.org/x/exp/slices"
)

// LocationDirectory maps department/filename keys to the ordered set of node
// addresses believed to hold a replica. Entries may go stale; fetch falls
// back to probing every reachable node when they do.
type LocationDirectory struct {
	entries map[string][]string
	mu      sync.RWMutex
}

// NewLocationDirectory returns an empty directory.
func NewLocationDirectory() *LocationDirectory {
	return &LocationDirectory{entries: make(map[string][]string)}
}

// Get returns a copy of the holders of key.
func (d *LocationDirectory) Get(key string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.entries[key])
}

// Has reports whether key has an entry.
func (d *LocationDirectory) Has(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[key]
	return ok
}

// Set replaces the holders of key. An empty set removes the entry.
func (d *LocationDirectory) Set(key string, addrs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := dedupe(addrs)
	if len(set) == 0 {
		delete(d.entries, key)
		return
	}
	d.entries[key] = set
}

// Add appends addr to the holders of key if it is not already listed.
func (d *LocationDirectory) Add(key, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.entries[key], addr) {
		d.entries[key] = append(d.entries[key], addr)
	}
}

// Remove drops addr from the holders of key.
func (d *LocationDirectory) Remove(key, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	holders, ok := d.entries[key]
	if !ok {
		return
	}
	holders = slices.DeleteFunc(slices.Clone(holders), func(a string) bool { return a == addr })
	if len(holders) == 0 {
		delete(d.entries, key)
		return
	}
	d.entries[key] = holders
}

// Replace swaps failed for replacement in the holders of key, keeping the
// position of the surviving addresses.
func (d *LocationDirectory) Replace(key, failed, replacement string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	holders := slices.DeleteFunc(slices.Clone(d.entries[key]), func(a string) bool { return a == failed })
	if !slices.Contains(holders, replacement) {
		holders = append(holders, replacement)
	}
	d.entries[key] = holders
}

// Delete removes the entry for key.
func (d *LocationDirectory) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
}

// KeysHeldBy returns, sorted, every key whose holders include addr.
func (d *LocationDirectory) KeysHeldBy(addr string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var keys []string
	for key, holders := range d.entries {
		if slices.Contains(holders, addr) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep copy of the directory.
func (d *LocationDirectory) Snapshot() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]string, len(d.entries))
	for key, holders := range d.entries {
		out[key] = slices.Clone(holders)
	}
	return out
}

// Len returns the number of entries.
func (d *LocationDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func dedupe(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
