package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File is a Store persisted as a single CBOR document.
//
// Every write replaces the file atomically through a temporary file in the same
// directory. Staged values are written by the next Set, Delete or Flush.
type File struct {
	*Memory

	path    string
	writeMu sync.Mutex
	writes  int
}

var _ Store = (*File)(nil)

// OpenFile opens the store at path. A missing file yields an empty store.
func OpenFile(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return f, nil
	}

	var values map[string]any
	if err := decMode.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", path, err)
	}
	for k, v := range values {
		f.Memory.values[k] = v
	}

	return f, nil
}

// Path returns the file path of the store.
func (f *File) Path() string { return f.path }

// Writes returns the number of times the file was written.
func (f *File) Writes() int {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	return f.writes
}

// Set implements Store.
func (f *File) Set(key string, value any) error {
	if err := f.Memory.Set(key, value); err != nil {
		return err
	}

	return f.write()
}

// Delete implements Store.
func (f *File) Delete(key string) error {
	if err := f.Memory.Delete(key); err != nil {
		return err
	}

	return f.write()
}

// Flush implements Store.
func (f *File) Flush() error {
	if f.Memory.Staged() == 0 {
		return nil
	}

	return f.write()
}

func (f *File) write() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	data, err := encMode.Marshal(f.Memory.snapshot())
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("store: rename to %s: %w", f.path, err)
	}

	_ = f.Memory.Flush()
	f.writes++

	return nil
}
