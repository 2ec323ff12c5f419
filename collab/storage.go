package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/natefinch/atomic"
)

var ErrNotFound = errors.New("Not found")

type StorageModel struct {
	Content      []byte
	LastModified time.Time
}

// Storage is safe to call concurrently for different paths.
// Callers serialize access per path.
type Storage interface {
	Get(ctx context.Context, path string) (*StorageModel, error)
	// metadata only
	Stat(ctx context.Context, path string) (time.Time, error)
	Save(ctx context.Context, path string, content []byte) (time.Time, error)
}

// decodes stored bytes into the value a replica loads
func DecodeContent(format string, content []byte) (StructuredValue, error) {
	switch format {
	case FormatJson:
		if len(bytes.TrimSpace(content)) == 0 {
			return nil, nil
		}
		var value any
		if err := json.Unmarshal(content, &value); err != nil {
			return nil, err
		}
		return value, nil
	default:
		return string(content), nil
	}
}

func EncodeContent(format string, value StructuredValue) ([]byte, error) {
	switch v := value.(type) {
	case string:
		// text, or json already serialized
		return []byte(v), nil
	default:
		b, err := json.MarshalIndent(v, "", " ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
}

// files under a root directory
type FileStorage struct {
	root string
}

func NewFileStorage(root string) *FileStorage {
	return &FileStorage{
		root: filepath.Clean(root),
	}
}

func (self *FileStorage) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	resolved := filepath.Join(self.root, clean)
	if resolved != self.root && !strings.HasPrefix(resolved, self.root+string(filepath.Separator)) {
		return "", fmt.Errorf("Path escapes storage root: %s", path)
	}
	return resolved, nil
}

func (self *FileStorage) Get(ctx context.Context, path string) (*StorageModel, error) {
	resolved, err := self.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}
	return &StorageModel{
		Content:      content,
		LastModified: info.ModTime(),
	}, nil
}

func (self *FileStorage) Stat(ctx context.Context, path string) (time.Time, error) {
	resolved, err := self.resolve(path)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (self *FileStorage) Save(ctx context.Context, path string, content []byte) (time.Time, error) {
	resolved, err := self.resolve(path)
	if err != nil {
		return time.Time{}, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return time.Time{}, err
	}
	// The modification time is read from the temporary file before it replaces the
	// target. A write that lands after the rename is then seen as newer. On a filesystem
	// with coarse timestamps a write in the same tick still compares equal and is missed.
	tmp, err := os.CreateTemp(filepath.Dir(resolved), "."+filepath.Base(resolved)+".*.tmp")
	if err != nil {
		return time.Time{}, err
	}
	defer os.Remove(tmp.Name())

	mode := os.FileMode(0o644)
	if info, err := os.Stat(resolved); err == nil {
		mode = info.Mode().Perm()
	}
	err = func() error {
		defer tmp.Close()
		if _, err := io.Copy(tmp, bytes.NewReader(content)); err != nil {
			return err
		}
		if err := tmp.Chmod(mode); err != nil {
			return err
		}
		return tmp.Sync()
	}()
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(tmp.Name())
	if err != nil {
		return time.Time{}, err
	}
	if err := atomic.ReplaceFile(tmp.Name(), resolved); err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// in memory storage with modification times from a clock
type MemoryStorage struct {
	clock clock.Clock

	stateLock sync.Mutex
	models    map[string]*StorageModel
	// every save gets a strictly newer time, even on a stopped mock clock
	lastTime time.Time
}

func NewMemoryStorage(c clock.Clock) *MemoryStorage {
	return &MemoryStorage{
		clock:  c,
		models: map[string]*StorageModel{},
	}
}

func (self *MemoryStorage) Get(ctx context.Context, path string) (*StorageModel, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	model, ok := self.models[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return &StorageModel{
		Content:      bytes.Clone(model.Content),
		LastModified: model.LastModified,
	}, nil
}

func (self *MemoryStorage) Stat(ctx context.Context, path string) (time.Time, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	model, ok := self.models[path]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return model.LastModified, nil
}

func (self *MemoryStorage) Save(ctx context.Context, path string, content []byte) (time.Time, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.clock.Now()
	if !now.After(self.lastTime) {
		now = self.lastTime.Add(time.Millisecond)
	}
	self.lastTime = now
	self.models[path] = &StorageModel{
		Content:      bytes.Clone(content),
		LastModified: now,
	}
	return now, nil
}
