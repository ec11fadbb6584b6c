// Package storage defines the abstract per-collection key/value
// capability the rest of the node is built on (spec.md §6.3). It owns
// durability; in-memory state elsewhere in the node is a cache that
// can be rebuilt from Storage on restart.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetDocument when no document with the
// given id exists in the collection.
var ErrNotFound = errors.New("storage: document not found")

// Document is a mapping of field name to value plus the reserved
// "_id" primary key, matching spec.md's Document description.
type Document map[string]any

// ID returns the document's "_id" field, or "" if unset.
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Clone returns a shallow copy of d so callers can mutate the result
// without corrupting the stored value.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Storage is a mapping (collectionName, id) -> document, plus raw
// byte accessors used by internal/blockgraph to persist blocks and
// head-pointer records under their own collection names. Blocks/heads
// and per-user document collections use disjoint collection names, so
// no coordination between the sync engine and the database is needed
// (spec.md §5 Node "Shared resources").
type Storage interface {
	GetAllDocuments(ctx context.Context, collection string) ([]Document, error)
	GetMatchingDocuments(ctx context.Context, collection, field string, value any) ([]Document, error)
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	StoreDocument(ctx context.Context, collection string, doc Document) error
	DeleteDocument(ctx context.Context, collection, id string) error
	DeleteAllDocuments(ctx context.Context, collection string) error

	// GetRaw/PutRaw back internal/blockgraph's rawdb accessors: blocks
	// and head-pointer records aren't documents with an "_id", they're
	// opaque encoded records keyed by a storage-chosen key.
	GetRaw(ctx context.Context, collection, key string) ([]byte, error)
	PutRaw(ctx context.Context, collection, key string, value []byte) error

	// Close releases any resources the store holds (file handles,
	// locks). Safe to call more than once.
	Close() error
}
