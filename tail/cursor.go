package tail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Cursor is the read position in a tailed file.
type Cursor struct {
	// Offset is the byte offset just past the last line the consumer finished
	// with.
	Offset int64 `json:"offset"`

	// Size is the file size observed when the cursor was last saved. A file
	// smaller than Offset has been truncated or rotated.
	Size int64 `json:"size"`
}

// CursorStore persists cursors by file path. Load returns the zero Cursor
// for a path it has never seen.
type CursorStore interface {
	Load(ctx context.Context, path string) (Cursor, error)
	Save(ctx context.Context, path string, c Cursor) error
}

// OffsetSuffix is appended to a tailed file's path to name its cursor file.
const OffsetSuffix = ".offset"

// FileStore keeps each cursor in a small JSON file next to the tailed file.
type FileStore struct{}

func NewFileStore() *FileStore {
	return &FileStore{}
}

func (s *FileStore) Load(_ context.Context, path string) (Cursor, error) {
	data, err := os.ReadFile(path + OffsetSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Cursor{}, nil
		}

		return Cursor{}, fmt.Errorf("failed to read cursor file: %w", err)
	}

	var c Cursor

	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("failed to decode cursor file %s: %w", path+OffsetSuffix, err)
	}

	return c, nil
}

// Save writes the cursor to a temporary file and renames it into place, so
// a crash never leaves a half-written cursor behind.
func (s *FileStore) Save(_ context.Context, path string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+OffsetSuffix+".*")
	if err != nil {
		return fmt.Errorf("failed to create cursor file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write cursor file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cursor file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path+OffsetSuffix); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}

	return nil
}

// MemoryStore keeps cursors in memory. Cursors do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]Cursor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]Cursor)}
}

func (s *MemoryStore) Load(_ context.Context, path string) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursors[path], nil
}

func (s *MemoryStore) Save(_ context.Context, path string, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[path] = c

	return nil
}
