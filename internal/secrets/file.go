package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/inercia/avatalk/internal/fileutil"
)

// FileStore keeps credentials in a JSON file readable only by the owner.
// It is the fallback on platforms without a keychain.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on the
// first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// fileKey joins service and account into one map key.
func fileKey(service, account string) string {
	return service + "/" + account
}

func (f *FileStore) load() (map[string]string, error) {
	entries := map[string]string{}
	err := fileutil.ReadJSON(f.path, &entries)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return entries, nil
}

// Get retrieves a credential. Returns ErrNotFound if it is not stored.
func (f *FileStore) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := entries[fileKey(service, account)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores or replaces a credential.
func (f *FileStore) Set(service, account, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	entries[fileKey(service, account)] = password
	return fileutil.WriteJSONAtomic(f.path, entries, 0o600)
}

// Delete removes a credential. Returns ErrNotFound if it is not stored.
func (f *FileStore) Delete(service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	key := fileKey(service, account)
	if _, ok := entries[key]; !ok {
		return ErrNotFound
	}
	delete(entries, key)
	return fileutil.WriteJSONAtomic(f.path, entries, 0o600)
}

// IsSupported is always true.
func (f *FileStore) IsSupported() bool {
	return true
}
