// Package blockgraph implements the per-node, per-user append-only
// DAG of update blocks described in spec.md §3/§4.1: persistence and
// querying of the graph, head tracking, and integration of blocks
// received from peers.
//
// Commit calls are serialized against each other by an internal
// commit mutex; Integrate and the read paths take a separate internal
// mutex and may run concurrently with each other and with Commit.
package blockgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/block"
	"github.com/meshdb/syncd/internal/logging"
	"github.com/meshdb/syncd/internal/storage"
	"github.com/meshdb/syncd/internal/update"
)

// BlockGraph is the in-memory, fetch-through-cached view of the DAG
// backed by Storage. The in-memory maps are a cache per data model
// lifecycle rules ("Storage owns durability; in-memory state is a
// cache that may be rebuilt from storage on restart").
type BlockGraph struct {
	store storage.Storage
	log   *zap.SugaredLogger

	mu        sync.Mutex
	blockMap  map[uuid.UUID]block.Block
	heads     map[uuid.UUID]struct{}
	commitMu  sync.Mutex // serializes Commit per spec.md; Integrate doesn't need it
}

// New returns a BlockGraph over store. Callers must call
// LoadHeadBlocks before using the graph.
func New(store storage.Storage, log *zap.SugaredLogger) *BlockGraph {
	if log == nil {
		log = logging.Nop()
	}
	return &BlockGraph{
		store:    store,
		log:      log,
		blockMap: make(map[uuid.UUID]block.Block),
		heads:    make(map[uuid.UUID]struct{}),
	}
}

// LoadHeadBlocks reads the "block-graphs/head-blocks" record, then
// lazily hydrates the listed head blocks from the blocks collection.
// If no record exists yet, the graph starts empty with no heads and no
// block is created: Commit's first call then has an empty PrevBlocks
// set, and that block becomes the graph's source block.
func (g *BlockGraph) LoadHeadBlocks(ctx context.Context) error {
	ids, err := readHeadBlockIDs(ctx, g.store)
	if err != nil {
		return fmt.Errorf("blockgraph: loading head blocks: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.heads = make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		g.heads[id] = struct{}{}
	}

	for _, id := range ids {
		if _, ok := g.blockMap[id]; ok {
			continue
		}
		b, err := readBlock(ctx, g.store, id)
		if err != nil {
			return fmt.Errorf("blockgraph: hydrating head block %s: %w", id, err)
		}
		g.blockMap[id] = b
	}
	return nil
}

// GetHeadBlockIDs returns the current heads, sorted for deterministic
// iteration order.
func (g *BlockGraph) GetHeadBlockIDs() []uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedIDs(g.heads)
}

// GetHeadBlocks returns the current heads projected to
// block.HeadBlockDetails, per SyncCore.CheckIn step 1.
func (g *BlockGraph) GetHeadBlocks() []block.HeadBlockDetails {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := sortedIDs(g.heads)
	out := make([]block.HeadBlockDetails, 0, len(ids))
	for _, id := range ids {
		if b, ok := g.blockMap[id]; ok {
			out = append(out, b.Details())
		} else {
			out = append(out, block.HeadBlockDetails{ID: id})
		}
	}
	return out
}

// HasBlock reports whether id is present either in memory or in
// storage, fetching on a cache miss.
func (g *BlockGraph) HasBlock(ctx context.Context, id uuid.UUID) bool {
	g.mu.Lock()
	if _, ok := g.blockMap[id]; ok {
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	b, err := readBlock(ctx, g.store, id)
	if err != nil {
		return false
	}
	g.mu.Lock()
	g.blockMap[id] = b
	g.mu.Unlock()
	return true
}

// GetBlock is a fetch-through cache: it stores blocks fetched from
// storage into the in-memory map.
func (g *BlockGraph) GetBlock(ctx context.Context, id uuid.UUID) (block.Block, bool, error) {
	g.mu.Lock()
	if b, ok := g.blockMap[id]; ok {
		g.mu.Unlock()
		return b, true, nil
	}
	g.mu.Unlock()

	b, err := readBlock(ctx, g.store, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return block.Block{}, false, nil
		}
		return block.Block{}, false, err
	}
	g.mu.Lock()
	g.blockMap[id] = b
	g.mu.Unlock()
	return b, true, nil
}

// Commit allocates a new block with PrevBlocks set to the current
// heads, makes it the sole head, and persists both the block and the
// head record. The two writes are independent and are issued
// concurrently; Commit only resolves once both have succeeded
// (spec.md §4.1). If PrevBlocks has more than one entry (the graph had
// diverged before this commit), the result is a merge block (multi-head
// commit is supported, and exercised by graph_test.go).
//
// Concurrent Commit calls on the same graph are serialized by
// commitMu: each one observes the heads the previous one left.
func (g *BlockGraph) Commit(ctx context.Context, data []update.Update) (block.Block, error) {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	prevBlocks := g.GetHeadBlockIDs()
	b := block.New(prevBlocks, data)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := writeBlock(ctx, g.store, b); err != nil {
			errs <- fmt.Errorf("writing block: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := writeHeadBlockIDs(ctx, g.store, []uuid.UUID{b.ID}); err != nil {
			errs <- fmt.Errorf("writing head-blocks record: %w", err)
		}
	}()
	wg.Wait()
	close(errs)

	// The in-memory graph is updated regardless of persistence
	// outcome: per spec.md §4.1 edge cases, a persistence failure
	// surfaces an error but the in-memory state is not rolled back
	// (on restart the graph rehydrates from storage and may lose the
	// uncommitted head).
	g.mu.Lock()
	g.blockMap[b.ID] = b
	g.heads = map[uuid.UUID]struct{}{b.ID: {}}
	g.mu.Unlock()

	var result *multierror.Error
	for err := range errs {
		result = multierror.Append(result, err)
	}
	if result != nil {
		g.log.Errorw("failed to persist committed block", "blockID", b.ID, "error", result)
		return b, fmt.Errorf("blockgraph: commit %s: %w", b.ID, result)
	}
	return b, nil
}

// Integrate inserts a foreign block into the graph: it is a no-op if
// the id is already present, otherwise it removes every PrevBlocks
// entry from the head set, adds the new id, and persists both the
// block and the updated heads. Integration is idempotent by id.
func (g *BlockGraph) Integrate(ctx context.Context, b block.Block) error {
	g.mu.Lock()
	if _, ok := g.blockMap[b.ID]; ok {
		g.mu.Unlock()
		return nil
	}
	g.blockMap[b.ID] = b
	for _, prev := range b.PrevBlocks {
		delete(g.heads, prev)
	}
	g.heads[b.ID] = struct{}{}
	newHeads := sortedIDs(g.heads)
	g.mu.Unlock()

	if err := writeBlock(ctx, g.store, b); err != nil {
		return fmt.Errorf("blockgraph: integrating block %s: %w", b.ID, err)
	}
	if err := writeHeadBlockIDs(ctx, g.store, newHeads); err != nil {
		return fmt.Errorf("blockgraph: integrating block %s (heads): %w", b.ID, err)
	}
	return nil
}

// GetLoadedBlocks returns every block currently hydrated in memory,
// for export/inspection/rebuild.
func (g *BlockGraph) GetLoadedBlocks() []block.Block {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]block.Block, 0, len(g.blockMap))
	for _, b := range g.blockMap {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
