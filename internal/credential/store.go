package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Store persists the whole credential collection. Implementations must
// serialize concurrent writers; the pool performs read-modify-write cycles
// over the full collection.
type Store interface {
	// Load reads every persisted credential. A missing backing file yields an
	// empty collection, not an error.
	Load(ctx context.Context) ([]*Credential, error)
	// Save replaces the persisted collection.
	Save(ctx context.Context, creds []*Credential) error
}

// FileStore keeps the credential collection as a JSON array on disk. Writes
// go through a temp file plus rename so a crash never leaves a truncated
// store behind.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential store: read %s: %w", s.path, err)
	}
	var creds []*Credential
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("credential store: parse %s: %w", s.path, err)
	}
	return creds, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, creds []*Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credential store: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("credential store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("credential store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("credential store: write %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credential store: close %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credential store: rename %s: %w", s.path, err)
	}
	return nil
}

// MemStore is an in-memory Store used by tests and ephemeral deployments.
type MemStore struct {
	mu    sync.Mutex
	creds []*Credential

	// FailLoad and FailSave force the next corresponding operation to fail.
	FailLoad error
	FailSave error
}

// NewMemStore seeds an in-memory store with copies of the given credentials.
func NewMemStore(creds ...*Credential) *MemStore {
	s := &MemStore{}
	s.creds = cloneCredentials(creds)
	return s
}

// Load implements Store.
func (s *MemStore) Load(ctx context.Context) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailLoad != nil {
		return nil, s.FailLoad
	}
	return cloneCredentials(s.creds), nil
}

// Save implements Store.
func (s *MemStore) Save(ctx context.Context, creds []*Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	s.creds = cloneCredentials(creds)
	return nil
}

// Snapshot returns a copy of the currently persisted collection.
func (s *MemStore) Snapshot() []*Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCredentials(s.creds)
}

func cloneCredentials(in []*Credential) []*Credential {
	out := make([]*Credential, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		cp := *c
		if c.Enabled != nil {
			v := *c.Enabled
			cp.Enabled = &v
		}
		out = append(out, &cp)
	}
	return out
}

// WatchStore watches the file backing a FileStore and forces a pool reload
// whenever the file is rewritten externally, shortening the staleness window
// for accounts added while the proxy is running. It blocks until ctx is done.
func WatchStore(ctx context.Context, store *FileStore, pool *Pool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential store: watcher: %w", err)
	}
	defer func() {
		if errClose := watcher.Close(); errClose != nil {
			log.Errorf("credential store: close watcher: %v", errClose)
		}
	}()

	// Watch the directory: editors and the store itself replace the file by
	// rename, which drops a watch placed on the file directly.
	if err = watcher.Add(filepath.Dir(store.Path())); err != nil {
		return fmt.Errorf("credential store: watch %s: %w", store.Path(), err)
	}

	target := filepath.Clean(store.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debugf("credential store changed on disk, reloading pool")
			if err = pool.Load(ctx, true); err != nil {
				log.Warnf("credential store: reload after change: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("credential store: watch error: %v", err)
		}
	}
}
