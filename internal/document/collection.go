// Package document implements the application-facing Database/
// Collection API described in spec.md §4.2/§6.1: per-collection
// document CRUD that produces Update records, applies incoming
// updates from the sync engine, and fans updates out to subscribers.
package document

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshdb/syncd/internal/storage"
	"github.com/meshdb/syncd/internal/update"
)

// OutgoingFunc receives the updates a local write produced, in order,
// destined for the sync engine's commit queue.
type OutgoingFunc func(updates []update.Update)

// SubscribeFunc receives a batch of updates affecting the collection
// it was registered on.
type SubscribeFunc func(updates []update.Update)

// Collection is a single named, ordered bag of documents addressed by
// "_id". It is not safe for concurrent use by multiple goroutines
// issuing writes to the *same* collection (spec.md §4.2 concurrency
// contract: "callers must treat a Collection as single-threaded from
// the application's perspective"); storage calls across distinct
// Collections may run in parallel.
type Collection struct {
	name    string
	store   storage.Storage
	outFunc OutgoingFunc
	nowFunc func() int64

	mu   sync.Mutex
	subs []*subscription
}

type subscription struct {
	id int
	cb SubscribeFunc
}

func newCollection(name string, store storage.Storage, out OutgoingFunc) *Collection {
	return &Collection{
		name:    name,
		store:   store,
		outFunc: out,
		nowFunc: func() int64 { return time.Now().UnixMilli() },
	}
}

// GetAll returns every document in the collection.
func (c *Collection) GetAll(ctx context.Context) ([]storage.Document, error) {
	return c.store.GetAllDocuments(ctx, c.name)
}

// GetMatching returns every document whose field equals value.
func (c *Collection) GetMatching(ctx context.Context, field string, value any) ([]storage.Document, error) {
	return c.store.GetMatchingDocuments(ctx, c.name, field, value)
}

// GetOne returns the document with the given id, or (nil, false) if
// absent.
func (c *Collection) GetOne(ctx context.Context, id string) (storage.Document, bool, error) {
	doc, err := c.store.GetDocument(ctx, c.name, id)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// UpsertOne builds one Field update per field in partial (excluding
// "_id"), each timestamped with the current wall clock, then in order:
// (1) notifies subscribers, (2) hands the updates to OutgoingFunc
// (which reaches SyncEngine.CommitUpdates), (3) fetch-merges the
// existing document with partial and writes it back to storage.
func (c *Collection) UpsertOne(ctx context.Context, id string, partial map[string]any) error {
	if id == "" {
		return fmt.Errorf("document: UpsertOne: empty id")
	}
	ts := c.nowFunc()

	fields := make([]string, 0, len(partial))
	for f := range partial {
		if f == "_id" {
			continue
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	updates := make([]update.Update, 0, len(fields))
	for _, f := range fields {
		updates = append(updates, update.NewField(ts, c.name, id, f, partial[f]))
	}

	c.notifySubscribers(updates)
	if c.outFunc != nil {
		c.outFunc(updates)
	}

	existing, found, err := c.GetOne(ctx, id)
	if err != nil {
		return err
	}
	var doc storage.Document
	if found {
		doc = existing.Clone()
	} else {
		doc = storage.Document{}
	}
	doc["_id"] = id
	for _, f := range fields {
		doc[f] = partial[f]
	}
	return c.store.StoreDocument(ctx, c.name, doc)
}

// DeleteOne emits a single Delete update, runs the same three-step
// fan-out, and finally deletes the document from storage.
func (c *Collection) DeleteOne(ctx context.Context, id string) error {
	ts := c.nowFunc()
	updates := []update.Update{update.NewDelete(ts, c.name, id)}

	c.notifySubscribers(updates)
	if c.outFunc != nil {
		c.outFunc(updates)
	}
	return c.store.DeleteDocument(ctx, c.name, id)
}

// Subscribe registers cb to be invoked with every batch of updates
// affecting this collection and returns an unsubscribe function.
// Subscription is unfiltered; filtering (e.g. a query view) is a
// concern of higher layers.
//
// Implemented as a plain registration list per spec.md §9: unsubscribe
// is safe to call from inside a notification callback because
// notifySubscribers iterates a snapshot taken under the lock, not the
// live slice.
func (c *Collection) Subscribe(cb SubscribeFunc) (unsubscribe func()) {
	c.mu.Lock()
	id := len(c.subs)
	for _, s := range c.subs {
		if s.id >= id {
			id = s.id + 1
		}
	}
	sub := &subscription{id: id, cb: cb}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Collection) notifySubscribers(updates []update.Update) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	snapshot := make([]*subscription, len(c.subs))
	copy(snapshot, c.subs)
	c.mu.Unlock()

	for _, s := range snapshot {
		s.cb(updates)
	}
}

// applyIncoming writes updates (already ordered by the caller) to
// storage one by one, without re-notifying subscribers (the caller,
// Database.applyIncomingUpdates, handles subscriber notification
// itself so it can batch it per collection ahead of the per-update
// storage writes).
func (c *Collection) applyIncoming(ctx context.Context, updates []update.Update) error {
	for _, u := range updates {
		if !u.Valid() {
			return fmt.Errorf("document: invalid update for %s/%s: missing required field", u.Collection, u.DocID)
		}
		switch u.Kind {
		case update.DeleteUpdate:
			if err := c.store.DeleteDocument(ctx, c.name, u.DocID); err != nil {
				return err
			}
		case update.FieldUpdate:
			existing, found, err := c.GetOne(ctx, u.DocID)
			if err != nil {
				return err
			}
			var doc storage.Document
			if found {
				doc = existing.Clone()
			} else {
				doc = storage.Document{}
			}
			doc["_id"] = u.DocID
			doc[u.Field] = u.Value
			if err := c.store.StoreDocument(ctx, c.name, doc); err != nil {
				return err
			}
		}
	}
	return nil
}
