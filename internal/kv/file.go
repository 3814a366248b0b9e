package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/gofrs/flock"

	"pkt.systems/pslog"
)

// lockTimeout bounds how long a write waits for another instance.
const lockTimeout = 5 * time.Second

// FileStore is a durable store kept as one JSON file per origin. Every
// operation re-reads the file when it changed on disk, so writes made by
// other processes (other tabs) are observed. Writes hold an advisory file
// lock across read, change and rename, so last-writer-wins applies per key.
type FileStore struct {
	dir    string
	path   string
	origin string
	log    pslog.Logger
	lock   *flock.Flock

	mu        sync.Mutex
	items     map[string]string
	fileState fileState
	lastWrite fileState
}

type storeFile struct {
	Version int               `json:"version"`
	Origin  string            `json:"origin"`
	Items   map[string]string `json:"items"`
}

// NewFileStore constructs a durable store for origin under dir.
func NewFileStore(dir, origin string) (*FileStore, error) {
	return NewFileStoreWithLogger(dir, origin, nil)
}

// NewFileStoreWithLogger constructs a durable store with logging.
func NewFileStoreWithLogger(dir, origin string, logger pslog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if strings.TrimSpace(origin) == "" {
		return nil, errors.New("origin is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	name := sanitize(origin)
	if logger != nil {
		logger = logger.With("durable_store", name)
	}
	return &FileStore{
		dir:    dir,
		path:   filepath.Join(dir, name+".json"),
		origin: origin,
		log:    logger,
		lock:   flock.New(filepath.Join(dir, name+".lock"), flock.SetPermissions(0o600)),
		items:  make(map[string]string),
	}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get implements Store.
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return "", false, err
	}
	value, ok := s.items[key]
	return value, ok, nil
}

// Set implements Store.
func (s *FileStore) Set(key, value string) error {
	return s.mutate(func(items map[string]string) bool {
		items[key] = value
		return true
	})
}

// Remove implements Store.
func (s *FileStore) Remove(key string) error {
	return s.mutate(func(items map[string]string) bool {
		if _, ok := items[key]; !ok {
			return false
		}
		delete(items, key)
		return true
	})
}

// Keys implements Store.
func (s *FileStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	return sortedKeys(s.items), nil
}

// Clear implements Store.
func (s *FileStore) Clear() error {
	return s.mutate(func(items map[string]string) bool {
		clear(items)
		return true
	})
}

// mutate applies fn to the on-disk items under the file lock and writes
// the result back when fn reports a change.
func (s *FileStore) mutate(fn func(items map[string]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 5*time.Millisecond)
	if err == nil && !locked {
		err = errors.New("durable store lock not acquired")
	}
	if err != nil {
		if s.log != nil {
			s.log.Warn("durable store lock failed", "err", err)
		}
		return fmt.Errorf("lock durable store: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil && s.log != nil {
			s.log.Warn("durable store unlock failed", "err", err)
		}
	}()
	// Another instance may have replaced the file within the stat granularity.
	s.fileState = fileState{}
	if err := s.refreshLocked(); err != nil {
		return err
	}
	if !fn(s.items) {
		return nil
	}
	return s.saveLocked()
}

func (s *FileStore) refreshLocked() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.items = make(map[string]string)
			s.fileState = fileState{}
			return nil
		}
		if s.log != nil {
			s.log.Warn("durable store stat failed", "err", err)
		}
		return err
	}
	latest := fileStateFromInfo(info)
	if s.fileState.equal(latest) {
		return nil
	}
	items, err := readStoreFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.items = make(map[string]string)
			s.fileState = fileState{}
			return nil
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			// Unreadable content is treated as an empty store; the next write replaces it.
			if s.log != nil {
				s.log.Warn("durable store corrupt; treating as empty", "err", err)
			}
			s.items = make(map[string]string)
			s.fileState = latest
			return nil
		}
		if s.log != nil {
			s.log.Warn("durable store load failed", "err", err)
		}
		return err
	}
	s.items = items
	s.fileState = latest
	if s.log != nil {
		s.log.Trace("durable store reloaded", "keys", len(items))
	}
	return nil
}

func readStoreFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Items == nil {
		file.Items = make(map[string]string)
	}
	return file.Items, nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(storeFile{Version: 1, Origin: s.origin, Items: s.items}, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "durable-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		if s.log != nil {
			s.log.Warn("durable store save failed", "err", err)
		}
		return fmt.Errorf("replace durable store: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		s.fileState = fileStateFromInfo(info)
		s.lastWrite = s.fileState
	} else if s.log != nil {
		s.log.Warn("durable store save failed to stat", "err", err)
	}
	if s.log != nil {
		s.log.Trace("durable store save ok", "keys", len(s.items))
	}
	return nil
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
		state.dev = uint64(stat.Dev)
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
