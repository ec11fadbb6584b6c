// Package memorystore is a map-backed Storage implementation with no
// durability, used by tests; cmd/syncnode always uses leveldbstore.
// GetMatchingDocuments is a full scan, which spec.md §6.3 explicitly
// allows ("a naïve full-scan implementation is acceptable").
package memorystore

import (
	"context"
	"sync"

	"github.com/meshdb/syncd/internal/storage"
)

type collection struct {
	docs map[string]storage.Document
	raw  map[string][]byte
}

// Store is an in-memory Storage. The zero value is not usable; use
// New. A single mutex guards every operation, including reads: coll
// lazily creates collections on first reference, so even GetDocument
// writes s.collections on a miss and a plain RWMutex would let two
// concurrent readers race on that write.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]storage.Document), raw: make(map[string][]byte)}
		s.collections[name] = c
	}
	return c
}

func (s *Store) GetAllDocuments(ctx context.Context, name string) ([]storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	out := make([]storage.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (s *Store) GetMatchingDocuments(ctx context.Context, name, field string, value any) ([]storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	var out []storage.Document
	for _, d := range c.docs {
		if v, ok := d[field]; ok && v == value {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetDocument(ctx context.Context, name, id string) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	d, ok := c.docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) StoreDocument(ctx context.Context, name string, doc storage.Document) error {
	id := doc.ID()
	if id == "" {
		return storage.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coll(name).docs[id] = doc.Clone()
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.coll(name).docs, id)
	return nil
}

func (s *Store) DeleteAllDocuments(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[name] = &collection{docs: make(map[string]storage.Document), raw: make(map[string][]byte)}
	return nil
}

func (s *Store) GetRaw(ctx context.Context, name, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.coll(name).raw[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) PutRaw(ctx context.Context, name, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.coll(name).raw[key] = cp
	return nil
}

func (s *Store) Close() error { return nil }
