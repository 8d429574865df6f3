package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a file doesn't exist in the store
	ErrNotFound = errors.New("file not found")
	// ErrInvalidName is returned for department or file names that could
	// escape the department directory
	ErrInvalidName = errors.New("invalid name")
)

// Store defines the interface for a node's department-scoped file storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get returns the file's bytes
	// Returns ErrNotFound if the file doesn't exist
	Get(department, filename string) ([]byte, error)

	// Put creates or overwrites a file, creating the department if needed
	Put(department, filename string, data []byte) error

	// Delete removes a file
	// Returns false with no error if the file didn't exist
	Delete(department, filename string) (bool, error)

	// List returns the file names in a department, sorted
	// An unknown department lists as empty
	List(department string) ([]string, error)

	// Has reports whether the file exists
	Has(department, filename string) bool

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Files int `json:"files"` // Number of files across all departments
	Bytes int `json:"bytes"` // Total size of all files in bytes
}

// ValidName reports whether name is usable as a department or file name.
// Names may not be empty, contain path separators, or start with a dot.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

func checkNames(names ...string) error {
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("%w: %q", ErrInvalidName, n)
		}
	}
	return nil
}

// MemoryStore implements Store with in-memory maps
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu    sync.RWMutex                 // Protects concurrent access
	files map[string]map[string][]byte // department -> filename -> bytes
}

// NewMemoryStore creates a new in-memory store with the given departments
func NewMemoryStore(departments ...string) *MemoryStore {
	m := &MemoryStore{files: make(map[string]map[string][]byte)}
	for _, d := range departments {
		m.files[d] = make(map[string][]byte)
	}
	return m
}

// Get returns a copy of the stored bytes
func (m *MemoryStore) Get(department, filename string) ([]byte, error) {
	if err := checkNames(department, filename); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.files[department][filename]
	if !exists {
		return nil, ErrNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of data
func (m *MemoryStore) Put(department, filename string, data []byte) error {
	if err := checkNames(department, filename); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dept, ok := m.files[department]
	if !ok {
		dept = make(map[string][]byte)
		m.files[department] = dept
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	dept[filename] = stored
	return nil
}

// Delete removes a file and reports whether it existed.
func (m *MemoryStore) Delete(department, filename string) (bool, error) {
	if err := checkNames(department, filename); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[department][filename]; !ok {
		return false, nil
	}
	delete(m.files[department], filename)
	return true, nil
}

// List returns the sorted file names in department.
func (m *MemoryStore) List(department string) ([]string, error) {
	if err := checkNames(department); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.files[department]))
	for name := range m.files[department] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Has reports whether the file exists.
func (m *MemoryStore) Has(department, filename string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[department][filename]
	return ok
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats StoreStats
	for _, dept := range m.files {
		for _, value := range dept {
			stats.Files++
			stats.Bytes += len(value)
		}
	}
	return stats
}
