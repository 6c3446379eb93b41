package state

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend implements PersistenceBackend on top of the local filesystem,
// one file per key under dir. The kernel's checkpoint (§6.3) is a single
// JSON document, so this is intentionally a flat key/value store rather
// than anything more structured — there is no query surface to serve beyond
// "save", "load", and "list by prefix".
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackend creates a FileBackend rooted at dir, creating it if absent.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

// keyToPath maps a logical key to a filesystem path, escaping the path
// separator so a key can never escape dir. Colons (as in "checkpoint:latest")
// are valid filename bytes on this platform and are left untouched so List
// can hand back filenames as-is and have them match the original key.
func (f *FileBackend) keyToPath(key string) string {
	encoded := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(f.dir, encoded)
}

func (f *FileBackend) Save(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.keyToPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.keyToPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.keyToPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the original keys (not paths) whose name starts with prefix,
// matching PersistenceBackend's contract that List results round-trip
// through Load/Delete unchanged.
func (f *FileBackend) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	encodedPrefix := strings.ReplaceAll(prefix, string(os.PathSeparator), "_")

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		if strings.HasPrefix(name, encodedPrefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBackend) Close(_ context.Context) error {
	return nil
}
