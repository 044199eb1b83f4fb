package usecase

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"docrag/internal/adapter/store"
	"docrag/internal/domain"
	"docrag/internal/logger"
	"docrag/internal/port"
)

// IndexRegistry owns every live vector index, keyed by document id, and the
// per-document directories they are persisted to under root.
type IndexRegistry struct {
	root  string
	store port.IndexStore

	mu      sync.RWMutex
	handles map[string]port.VectorIndex
	loads   singleflight.Group
}

func NewIndexRegistry(root string, st port.IndexStore) *IndexRegistry {
	return &IndexRegistry{
		root:    root,
		store:   st,
		handles: make(map[string]port.VectorIndex),
	}
}

// validID rejects ids that could escape root or name a temp directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\.`)
}

func (r *IndexRegistry) dir(id string) string {
	return filepath.Join(r.root, id)
}

// EnsureLoaded returns the live index for id, loading it from disk on a
// miss. Concurrent misses for one id share a single load.
func (r *IndexRegistry) EnsureLoaded(id string) (port.VectorIndex, error) {
	if !validID(id) {
		return nil, fmt.Errorf("index %q: %w", id, domain.ErrNotFound)
	}
	if idx, ok := r.get(id); ok {
		return idx, nil
	}

	v, err, _ := r.loads.Do(id, func() (any, error) {
		if idx, ok := r.get(id); ok {
			return idx, nil
		}
		idx, err := r.store.Load(r.dir(id))
		if err != nil {
			return nil, err
		}
		r.Register(id, idx)
		logger.Debug("loaded index %s from disk (%d chunks)", id, idx.Len())
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(port.VectorIndex), nil
}

func (r *IndexRegistry) get(id string) (port.VectorIndex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.handles[id]
	return idx, ok
}

// Install builds an index from items, persists it, then registers it,
// replacing any previous handle for id.
func (r *IndexRegistry) Install(id string, items []port.VectorItem, manifest port.IndexManifest) (port.VectorIndex, error) {
	if !validID(id) {
		return nil, fmt.Errorf("invalid document id %q", id)
	}
	idx, err := r.store.Build(items, manifest)
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	if err := r.store.Save(r.dir(id), idx); err != nil {
		return nil, fmt.Errorf("save index: %w", err)
	}
	r.Register(id, idx)
	return idx, nil
}

func (r *IndexRegistry) Register(id string, idx port.VectorIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = idx
}

// Evict drops the in-memory handle only.
func (r *IndexRegistry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// DeletePersisted removes the index directory of id. Missing directories
// are not an error.
func (r *IndexRegistry) DeletePersisted(id string) error {
	if !validID(id) {
		return fmt.Errorf("invalid document id %q", id)
	}
	if err := os.RemoveAll(r.dir(id)); err != nil {
		return fmt.Errorf("remove index %s: %w", id, err)
	}
	return nil
}

// IsIndexed reports whether id has a live handle or a persisted index.
func (r *IndexRegistry) IsIndexed(id string) bool {
	if _, ok := r.get(id); ok {
		return true
	}
	if !validID(id) {
		return false
	}
	_, err := os.Stat(filepath.Join(r.dir(id), store.IndexFileName))
	return err == nil
}

// Loaded returns the number of live handles.
func (r *IndexRegistry) Loaded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// PersistedIDs lists the ids that have an index directory, sorted.
func (r *IndexRegistry) PersistedIDs() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && validID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadAll loads every persisted index. Unreadable or untrusted indices are
// logged and skipped; leftover temp directories from interrupted saves are
// removed. It returns the manifests of the indices that loaded.
func (r *IndexRegistry) LoadAll() ([]port.IndexManifest, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan index dir: %w", err)
	}

	var manifests []port.IndexManifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-") {
			logger.Debug("removing interrupted index write %s", name)
			os.RemoveAll(filepath.Join(r.root, name))
			continue
		}
		if !validID(name) {
			continue
		}

		idx, err := r.EnsureLoaded(name)
		if err != nil {
			if errors.Is(err, domain.ErrDeserializationUntrusted) {
				logger.Warn("skipping index %s: %v", name, err)
			} else {
				logger.Warn("failed to load index %s: %v", name, err)
			}
			continue
		}
		manifests = append(manifests, idx.Manifest())
	}
	return manifests, nil
}
