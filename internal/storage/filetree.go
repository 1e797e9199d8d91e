package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileTreeAdapter persists one file per (collection, key), named
// "<collection>_<key>.json", JSON-pretty-printed, inside a single data
// directory that is created on first use.
type FileTreeAdapter struct {
	dir    string
	mu     sync.Mutex // serializes writes; the filesystem handles reads
	closed bool
}

// NewFileTreeAdapter creates a file-tree adapter rooted at dir,
// creating the directory if it does not already exist.
func NewFileTreeAdapter(dir string) (*FileTreeAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filetree: create data dir: %w", err)
	}
	return &FileTreeAdapter{dir: dir}, nil
}

func (f *FileTreeAdapter) path(collection, key string) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s_%s.json", collection, key))
}

func (f *FileTreeAdapter) Get(_ context.Context, collection, key string, _ Options) (Value, error) {
	if f.isClosed() {
		return Null, ErrClosed
	}
	data, err := os.ReadFile(f.path(collection, key))
	if os.IsNotExist(err) {
		return Null, nil
	}
	if err != nil {
		return Null, fmt.Errorf("filetree: read %s/%s: %w", collection, key, err)
	}
	return ValueFromJSON(data)
}

func (f *FileTreeAdapter) Set(_ context.Context, collection, key string, value Value, _ Options) (SetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return SetResult{}, ErrClosed
	}

	data, err := json.MarshalIndent(value.ToAny(), "", "  ")
	if err != nil {
		return SetResult{}, fmt.Errorf("filetree: marshal %s/%s: %w", collection, key, err)
	}
	if err := os.WriteFile(f.path(collection, key), data, 0o644); err != nil {
		return SetResult{}, fmt.Errorf("filetree: write %s/%s: %w", collection, key, err)
	}
	return SetResult{Key: key, Timestamp: time.Now().UnixMilli()}, nil
}

func (f *FileTreeAdapter) Delete(_ context.Context, collection, key string, _ Options) (DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return DeleteResult{}, ErrClosed
	}

	err := os.Remove(f.path(collection, key))
	if err != nil && !os.IsNotExist(err) {
		return DeleteResult{}, fmt.Errorf("filetree: delete %s/%s: %w", collection, key, err)
	}
	return DeleteResult{Deleted: key}, nil
}

func (f *FileTreeAdapter) Query(_ context.Context, collection string, predicate map[string]Value, _ Options) ([]QueryRow, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("filetree: list data dir: %w", err)
	}

	prefix := collection + "_"
	var rows []QueryRow
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")

		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			continue // file removed between ReadDir and ReadFile; skip it
		}
		value, err := ValueFromJSON(data)
		if err != nil {
			continue // not a value we can interpret; skip it
		}
		if !matchesPredicate(value, predicate) {
			continue
		}
		fields, _ := value.Fields()
		rows = append(rows, QueryRow{Key: key, Fields: fields})
	}
	return rows, nil
}

func (f *FileTreeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FileTreeAdapter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
