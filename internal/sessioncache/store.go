// Package sessioncache resolves and persists the session id used for each
// agent conversation.
package sessioncache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/avatalk/internal/fileutil"
)

// KeyPrefix prefixes every cache key.
const KeyPrefix = "session_id:"

// ReloadDebounce is the delay before an external change to the cache file is
// reloaded.
const ReloadDebounce = 100 * time.Millisecond

// Key returns the cache key for an agent.
func Key(botID string) string {
	return KeyPrefix + botID
}

// Cache is the key-value view the Resolver reads and writes.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// FileStore is a Cache persisted as a JSON object in a single file.
// Writes are atomic. When watching, the in-memory view follows changes made
// to the file by other processes, including its removal.
//
// All methods are safe for concurrent use.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]string

	watcher       *fsnotify.Watcher
	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	done          chan struct{}
	stopped       chan struct{}
}

// OpenFile loads the cache file at path. A missing file yields an empty cache.
func OpenFile(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		path:    path,
		logger:  logger,
		entries: make(map[string]string),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) reload() error {
	entries := make(map[string]string)
	err := fileutil.ReadJSON(s.path, &entries)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load session cache: %w", err)
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return s.persistLocked()
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.persistLocked()
}

// Entries returns a copy of all cached entries.
func (s *FileStore) Entries() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func (s *FileStore) persistLocked() error {
	if err := fileutil.WriteJSONAtomic(s.path, s.entries, 0o600); err != nil {
		return fmt.Errorf("save session cache: %w", err)
	}
	return nil
}

// Watch starts following external changes to the cache file. The parent
// directory is watched so that removal and re-creation are both seen.
func (s *FileStore) Watch() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.eventLoop()
	return nil
}

// Close stops watching. It is a no-op if Watch was never called.
func (s *FileStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	<-s.stopped

	s.debounceMu.Lock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	s.debounceMu.Unlock()
	s.watcher = nil
	return err
}

func (s *FileStore) eventLoop() {
	defer close(s.stopped)

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Session cache watcher error", "error", err)
		}
	}
}

func (s *FileStore) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(s.path) {
		return
	}
	if !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
		return
	}

	s.debounceMu.Lock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(ReloadDebounce, func() {
		if err := s.reload(); err != nil {
			s.logger.Warn("Failed to reload session cache", "path", s.path, "error", err)
			return
		}
		s.logger.Debug("Session cache reloaded", "path", s.path, "op", event.Op.String())
	})
	s.debounceMu.Unlock()
}
