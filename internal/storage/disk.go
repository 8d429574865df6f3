package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DiskStore keeps each department as a directory under baseDir.
//
// Writes land in a hidden temp file that is renamed over the target, so a
// reader never observes a partially written file. Hidden files are never
// listed.
type DiskStore struct {
	baseDir string
}

// NewDiskStore creates baseDir and one directory per department.
func NewDiskStore(baseDir string, departments []string) (*DiskStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	for _, d := range departments {
		if err := checkNames(d); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0o755); err != nil {
			return nil, fmt.Errorf("create department %s: %w", d, err)
		}
	}
	return &DiskStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (s *DiskStore) BaseDir() string { return s.baseDir }

func (s *DiskStore) path(department, filename string) string {
	return filepath.Join(s.baseDir, department, filename)
}

// Get reads a file. Missing files return ErrNotFound.
func (s *DiskStore) Get(department, filename string) ([]byte, error) {
	if err := checkNames(department, filename); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(department, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes data to a temp file in the department directory and renames
// it over the target, so readers never see a partial file.
func (s *DiskStore) Put(department, filename string, data []byte) error {
	if err := checkNames(department, filename); err != nil {
		return err
	}
	dir := filepath.Join(s.baseDir, department)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create department %s: %w", department, err)
	}

	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s/%s: %w", department, filename, err)
	}
	if err := os.Rename(tmp, s.path(department, filename)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s/%s: %w", department, filename, err)
	}
	return nil
}

// Delete removes a file and reports whether it existed.
func (s *DiskStore) Delete(department, filename string) (bool, error) {
	if err := checkNames(department, filename); err != nil {
		return false, err
	}
	err := os.Remove(s.path(department, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the sorted names of the regular, non-hidden files in
// department.
func (s *DiskStore) List(department string) ([]string, error) {
	if err := checkNames(department); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.baseDir, department)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Has reports whether the file exists.
func (s *DiskStore) Has(department, filename string) bool {
	if checkNames(department, filename) != nil {
		return false
	}
	info, err := os.Stat(s.path(department, filename))
	return err == nil && info.Mode().IsRegular()
}

// Stats walks the department directories and counts files and bytes.
func (s *DiskStore) Stats() StoreStats {
	var stats StoreStats
	_ = filepath.WalkDir(s.baseDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			stats.Files++
			stats.Bytes += int(info.Size())
		}
		return nil
	})
	return stats
}
