package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NameSeparator joins the classifier prefix and the period key in record names.
const NameSeparator = "--"

// RecordName is the persisted identity of a bucket.
func RecordName(prefix, key string) string {
	return prefix + NameSeparator + key
}

// splitRecordName returns the period key of name when it carries prefix.
func splitRecordName(prefix, name string) (string, bool) {
	head := prefix + NameSeparator
	if !strings.HasPrefix(name, head) || len(name) == len(head) {
		return "", false
	}
	return name[len(head):], true
}

// RecordStorage persists opaque bucket records by name.
type RecordStorage interface {
	List() ([]string, error)
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	Remove(name string) error
}

// DirStorage keeps one file per record in a directory.
type DirStorage struct {
	dir string
}

// NewDirStorage creates dir if needed.
func NewDirStorage(dir string) (*DirStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("history directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
	}
	return &DirStorage{dir: dir}, nil
}

func (s *DirStorage) Dir() string {
	return s.dir
}

// List returns regular file names, sorted. Temp files are skipped.
func (s *DirStorage) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
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

func (s *DirStorage) Read(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, name))
}

// Write replaces the record atomically through a temp file and rename.
func (s *DirStorage) Write(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// Remove deletes a record; a missing record is not an error.
func (s *DirStorage) Remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
