// Package blobstore holds the payloads of completed transfers until the call ends.
package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrReleased is returned when a released handle is read.
var ErrReleased = errors.New("blob released")

// Store persists a payload and returns a handle to it.
type Store interface {
	Put(name string, data []byte) (*Handle, error)
}

// Handle references one stored payload. It is safe for concurrent use.
type Handle struct {
	mu       sync.Mutex
	name     string
	size     int64
	data     []byte // memory handles
	path     string // file handles
	released bool
}

// Name returns the name the payload was stored under.
func (h *Handle) Name() string { return h.name }

// Size returns the payload length in bytes.
func (h *Handle) Size() int64 { return h.size }

// Path returns the backing file, or "" for memory handles.
func (h *Handle) Path() string { return h.path }

// Bytes returns a copy of the payload.
func (h *Handle) Bytes() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrReleased
	}
	if h.path == "" {
		return bytes.Clone(h.data), nil
	}
	return os.ReadFile(h.path)
}

// Open returns a reader over the payload.
func (h *Handle) Open() (io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrReleased
	}
	if h.path == "" {
		return io.NopCloser(bytes.NewReader(h.data)), nil
	}
	return os.Open(h.path)
}

// Release frees the payload. Releasing twice is a no-op.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.data = nil
	if h.path != "" {
		if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Memory keeps payloads on the heap.
type Memory struct{}

// NewMemory returns a heap-backed store.
func NewMemory() Memory { return Memory{} }

// Put implements Store. The payload is copied.
func (Memory) Put(name string, data []byte) (*Handle, error) {
	return &Handle{name: name, size: int64(len(data)), data: bytes.Clone(data)}, nil
}

// Dir writes each payload to its own temp file under a directory.
type Dir struct {
	root string
}

// NewDir returns a store rooted at dir, creating it if needed.
// An empty dir uses the system temp directory.
func NewDir(dir string) (*Dir, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Dir{root: dir}, nil
}

// Put implements Store.
func (d *Dir) Put(name string, data []byte) (*Handle, error) {
	f, err := os.CreateTemp(d.root, "callfiles-*"+filepath.Ext(filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("create blob: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("close blob: %w", err)
	}
	return &Handle{name: name, size: int64(len(data)), path: f.Name()}, nil
}
