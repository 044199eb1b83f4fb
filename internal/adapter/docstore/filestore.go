// Package docstore keeps uploaded raw files on disk and the ordered
// metadata of the documents that were ingested from them.
package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"docrag/internal/domain"
)

const idLength = 8

// FileStore stores raw uploads as {id}_{name} under dir. A saved document
// stays pending, invisible to Get and List, until it is committed.
type FileStore struct {
	dir    string
	accept []string

	mu      sync.RWMutex
	docs    map[string]domain.Document
	order   []string
	pending map[string]struct{}

	newID func() string
	now   func() time.Time
}

func NewFileStore(dir string, accept []string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	for _, pattern := range accept {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid accept pattern %q", pattern)
		}
	}
	return &FileStore{
		dir:     dir,
		accept:  accept,
		docs:    make(map[string]domain.Document),
		pending: make(map[string]struct{}),
		newID:   func() string { return uuid.NewString()[:idLength] },
		now:     time.Now,
	}, nil
}

// Accepts reports whether name matches one of the accepted patterns.
func (s *FileStore) Accepts(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, pattern := range s.accept {
		if matched, err := doublestar.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}

// Save writes data under a fresh id and reserves that id.
func (s *FileStore) Save(name string, data []byte) (domain.Document, error) {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || !s.Accepts(name) {
		return domain.Document{}, fmt.Errorf("%s: %w", name, domain.ErrUnsupportedFormat)
	}

	id := s.reserveID()
	doc := domain.Document{
		ID:         id,
		Name:       name,
		StoredPath: filepath.Join(s.dir, id+"_"+name),
		CreatedAt:  s.now().UTC(),
	}

	if err := os.WriteFile(doc.StoredPath, data, 0644); err != nil {
		s.release(id)
		os.Remove(doc.StoredPath)
		return domain.Document{}, fmt.Errorf("failed to write %s: %w", doc.StoredPath, err)
	}
	return doc, nil
}

func (s *FileStore) reserveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := s.newID()
		if _, taken := s.docs[id]; taken {
			continue
		}
		if _, taken := s.pending[id]; taken {
			continue
		}
		s.pending[id] = struct{}{}
		return id
	}
}

func (s *FileStore) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Commit makes a saved document visible.
func (s *FileStore) Commit(doc domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, doc.ID)
	if _, exists := s.docs[doc.ID]; !exists {
		s.order = append(s.order, doc.ID)
	}
	s.docs[doc.ID] = doc
}

// Discard removes the raw file of an uncommitted document and frees its id.
func (s *FileStore) Discard(doc domain.Document) error {
	s.release(doc.ID)
	if err := os.Remove(doc.StoredPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Restore registers a document recovered from a persisted index. It is a
// no-op if the id is already known. Names that would place the raw file
// outside the upload dir are rejected.
func (s *FileStore) Restore(doc domain.Document) error {
	if !domain.ValidDocumentName(doc.Name) {
		return fmt.Errorf("restore %s: invalid name %q", doc.ID, doc.Name)
	}
	if doc.StoredPath == "" {
		doc.StoredPath = s.PathFor(doc.ID, doc.Name)
	}
	if !s.contains(doc.StoredPath) {
		return fmt.Errorf("restore %s: %s is outside %s", doc.ID, doc.StoredPath, s.dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return nil
	}
	s.docs[doc.ID] = doc
	s.order = append(s.order, doc.ID)
	return nil
}

// contains reports whether path is a file directly inside the upload dir.
func (s *FileStore) contains(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == filepath.Clean(s.dir)
}

func (s *FileStore) Get(id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return domain.Document{}, &domain.NotFoundError{ID: id}
	}
	return doc, nil
}

// List returns committed documents in registration order.
func (s *FileStore) List() []domain.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Document, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.docs[id])
	}
	return out
}

// Latest returns the most recently registered document.
func (s *FileStore) Latest() (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return domain.Document{}, domain.ErrNoDocuments
	}
	return s.docs[s.order[len(s.order)-1]], nil
}

func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Delete removes the raw file and the metadata. A raw file that is already
// gone is not an error.
func (s *FileStore) Delete(id string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return domain.Document{}, &domain.NotFoundError{ID: id}
	}
	if !s.contains(doc.StoredPath) {
		return domain.Document{}, fmt.Errorf("refusing to remove %s: outside %s", doc.StoredPath, s.dir)
	}
	if err := os.Remove(doc.StoredPath); err != nil && !os.IsNotExist(err) {
		return domain.Document{}, fmt.Errorf("failed to remove %s: %w", doc.StoredPath, err)
	}

	delete(s.docs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return doc, nil
}

// PathFor returns where the raw file for id and name is stored.
func (s *FileStore) PathFor(id, name string) string {
	return filepath.Join(s.dir, id+"_"+name)
}

// Sweep removes raw files whose id is neither committed, pending nor in keep
// and that were last written more than grace ago. Pending ids are only
// known to this process, so grace must cover the longest upload another
// process sharing the directory could be running. It returns the removed
// paths.
func (s *FileStore) Sweep(keep map[string]bool, grace time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-grace)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var removed []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, _, ok := strings.Cut(e.Name(), "_")
		if !ok || len(id) != idLength {
			continue
		}
		if _, known := s.docs[id]; known || keep[id] {
			continue
		}
		if _, busy := s.pending[id]; busy {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, path)
	}
	return removed, nil
}
