// Package leveldbstore is the durable Storage implementation backing
// a node's data directory: one goleveldb database with collection
// names used as key prefixes, matching how the teacher's rawdb layer
// shares a single ethdb.Database across logically distinct key
// spaces (headers, canonical hashes, tx lookups, ...).
package leveldbstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/meshdb/syncd/internal/storage"
)

const lockFileName = "LOCK.syncd"

// Store is a goleveldb-backed Storage. Documents are stored as JSON
// under key "<collection>\x00doc\x00<id>"; raw records under
// "<collection>\x00raw\x00<key>". The prefix scheme lets
// GetAllDocuments/GetMatchingDocuments range-scan one collection
// without touching another.
type Store struct {
	db   *leveldb.DB
	lock *flock.Flock
	dir  string
}

// Open opens (creating if absent) a goleveldb database at dir, first
// taking an exclusive file lock so a second process pointed at the
// same data directory fails fast instead of corrupting the store (the
// same single-owner guarantee the teacher's node.Node datadir lock
// provides).
func Open(dir string) (*Store, error) {
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("leveldbstore: acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("leveldbstore: data directory %s is already in use by another process", dir)
	}

	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("leveldbstore: opening %s: %w", dir, err)
	}
	return &Store{db: db, lock: lock, dir: dir}, nil
}

func docKey(collection, id string) []byte {
	return []byte(collection + "\x00doc\x00" + id)
}

func docPrefix(collection string) []byte {
	return []byte(collection + "\x00doc\x00")
}

func rawKey(collection, key string) []byte {
	return []byte(collection + "\x00raw\x00" + key)
}

func (s *Store) GetAllDocuments(ctx context.Context, collection string) ([]storage.Document, error) {
	prefix := docPrefix(collection)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []storage.Document
	for iter.Next() {
		var doc storage.Document
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			return nil, fmt.Errorf("leveldbstore: decoding document: %w", err)
		}
		out = append(out, doc)
	}
	return out, iter.Error()
}

func (s *Store) GetMatchingDocuments(ctx context.Context, collection, field string, value any) ([]storage.Document, error) {
	all, err := s.GetAllDocuments(ctx, collection)
	if err != nil {
		return nil, err
	}
	var out []storage.Document
	for _, d := range all {
		if v, ok := d[field]; ok && v == value {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (storage.Document, error) {
	data, err := s.db.Get(docKey(collection, id), nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc storage.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("leveldbstore: decoding document: %w", err)
	}
	return doc, nil
}

func (s *Store) StoreDocument(ctx context.Context, collection string, doc storage.Document) error {
	id := doc.ID()
	if id == "" {
		return storage.ErrNotFound
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("leveldbstore: encoding document: %w", err)
	}
	return s.db.Put(docKey(collection, id), data, nil)
}

func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	return s.db.Delete(docKey(collection, id), nil)
}

func (s *Store) DeleteAllDocuments(ctx context.Context, collection string) error {
	prefix := docPrefix(collection)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *Store) GetRaw(ctx context.Context, collection, key string) ([]byte, error) {
	data, err := s.db.Get(rawKey(collection, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	return data, err
}

func (s *Store) PutRaw(ctx context.Context, collection, key string, value []byte) error {
	return s.db.Put(rawKey(collection, key), value, nil)
}

// Close closes the underlying database and releases the data
// directory lock. Safe to call more than once.
func (s *Store) Close() error {
	dbErr := s.db.Close()
	lockErr := s.lock.Unlock()
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}
