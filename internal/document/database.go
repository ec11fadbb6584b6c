package document

import (
	"context"
	"sort"
	"sync"

	"github.com/meshdb/syncd/internal/storage"
	"github.com/meshdb/syncd/internal/update"
)

// Database is a named namespace of Collections, all sharing one
// Storage backend. It is called by the UI layer (which consumes
// Collection.Subscribe and calls UpsertOne/DeleteOne) and by the sync
// engine (which calls ApplyIncomingUpdates only).
type Database struct {
	store   storage.Storage
	outFunc OutgoingFunc

	mu          sync.Mutex
	collections map[string]*Collection
}

// New returns a Database over store. outFunc is called with every
// batch of updates a local write produces; it is expected to forward
// to SyncEngine.CommitUpdates.
func New(store storage.Storage, outFunc OutgoingFunc) *Database {
	return &Database{
		store:       store,
		outFunc:     outFunc,
		collections: make(map[string]*Collection),
	}
}

// Collection returns the named Collection, creating it on first use.
func (d *Database) Collection(name string) *Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		c = newCollection(name, d.store, d.outFunc)
		d.collections[name] = c
	}
	return c
}

// ApplyIncomingUpdates is called by the sync engine only, with
// updates already in timestamp order (SyncCore.ReceiveBlocks sorts
// before dispatch). It partitions updates by collection, notifies
// each collection's subscribers first (so the UI sees updates with
// low latency), then applies the updates to storage one by one, in
// the same order they arrived, per collection.
func (d *Database) ApplyIncomingUpdates(ctx context.Context, updates []update.Update) error {
	if len(updates) == 0 {
		return nil
	}

	byCollection := make(map[string][]update.Update)
	var order []string
	for _, u := range updates {
		if _, seen := byCollection[u.Collection]; !seen {
			order = append(order, u.Collection)
		}
		byCollection[u.Collection] = append(byCollection[u.Collection], u)
	}
	sort.Strings(order) // deterministic notify order; doesn't affect per-collection update order

	cols := make(map[string]*Collection, len(order))
	for _, name := range order {
		cols[name] = d.Collection(name)
	}

	for _, name := range order {
		cols[name].notifySubscribers(byCollection[name])
	}
	for _, name := range order {
		if err := cols[name].applyIncoming(ctx, byCollection[name]); err != nil {
			return err
		}
	}
	return nil
}
