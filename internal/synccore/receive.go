package synccore

import (
	"context"
	"fmt"
	"sort"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/block"
	"github.com/meshdb/syncd/internal/update"
)

// PullBlocksFunc performs the POST /pull-blocks long poll. It blocks
// until a peer pushes blocks, the broker's long-poll timeout expires
// (then it returns no blocks), or the context is cancelled.
type PullBlocksFunc func(ctx context.Context) ([]block.Block, error)

// OnIncomingUpdatesFunc is called with every batch of updates produced
// by integrating a newly-closed block, in timestamp order.
type OnIncomingUpdatesFunc func(ctx context.Context, updates []update.Update) error

// BlockIntegrator is the subset of BlockGraph ReceiveBlocks needs.
type BlockIntegrator interface {
	BlockSource
	Integrate(ctx context.Context, b block.Block) error
}

// ReceiveBlocks implements spec.md §4.3.2: pull whatever the broker has
// queued, add it to the pending set, then repeatedly integrate any
// pending block whose PrevBlocks are all already present in the graph,
// until no further progress is made (the "pending closure" invariant).
func ReceiveBlocks(ctx context.Context, graph BlockIntegrator, pending *PendingMap,
	pullBlocks PullBlocksFunc, onIncomingUpdates OnIncomingUpdatesFunc) error {

	pulled, err := pullBlocks(ctx)
	if err != nil {
		return fmt.Errorf("synccore: pull-blocks: %w", err)
	}
	for _, b := range pulled {
		if graph.HasBlock(ctx, b.ID) {
			continue
		}
		pending.Put(b)
	}

	for {
		ready := readyBlocks(ctx, graph, pending)
		if len(ready) == 0 {
			return nil
		}
		for _, b := range ready {
			if err := integrateIncoming(ctx, graph, b, onIncomingUpdates); err != nil {
				return err
			}
			pending.Delete(b.ID)
		}
	}
}

// readyBlocks returns every pending block whose PrevBlocks are all
// present in the graph, sorted by id for deterministic integration
// order within one pass.
func readyBlocks(ctx context.Context, graph BlockSource, pending *PendingMap) []block.Block {
	var out []block.Block
	for _, b := range pending.Snapshot() {
		allPresent := true
		for _, prev := range b.PrevBlocks {
			if !graph.HasBlock(ctx, prev) {
				allPresent = false
				break
			}
		}
		if allPresent {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// integrateIncoming closes block B into the graph and dispatches the
// updates it (and any blocks whose effective timestamp it subsumes)
// contributes, per spec.md §4.3.2:
//
//  1. minT is the smallest update timestamp in B.
//  2. findBlocksFromTime walks backward from the current heads across
//     PrevBlocks, including a block iff its LastTimestamp is >= minT.
//     This bounds how far back re-delivery of already-applied updates
//     can reach: a block entirely older than B's earliest update is
//     excluded.
//  3. The walked blocks' data is concatenated, B's own data is
//     appended after it, and the combined set is stable-sorted by
//     timestamp, so on equal timestamps B's updates come last.
//  4. B is integrated into the graph (after computing the walk, since
//     the walk starts from the heads as they stood before B), and then
//     the sorted updates are handed to onIncomingUpdates.
func integrateIncoming(ctx context.Context, graph BlockIntegrator, b block.Block, onIncomingUpdates OnIncomingUpdatesFunc) error {
	var minT int64
	if len(b.Data) > 0 {
		minT = b.Data[0].Timestamp
		for _, u := range b.Data[1:] {
			if u.Timestamp < minT {
				minT = u.Timestamp
			}
		}
	}

	included, err := findBlocksFromTime(ctx, graph, minT)
	if err != nil {
		return fmt.Errorf("synccore: integrating block %s: %w", b.ID, err)
	}

	var all []update.Update
	for _, ib := range included {
		all = append(all, ib.Data...)
	}
	all = append(all, b.Data...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })

	if err := graph.Integrate(ctx, b); err != nil {
		return fmt.Errorf("synccore: integrating block %s: %w", b.ID, err)
	}

	if onIncomingUpdates != nil && len(all) > 0 {
		if err := onIncomingUpdates(ctx, all); err != nil {
			return fmt.Errorf("synccore: dispatching incoming updates for block %s: %w", b.ID, err)
		}
	}
	return nil
}

// findBlocksFromTime walks backward from the graph's current heads
// over PrevBlocks, breadth-first, including a block iff its
// LastTimestamp is >= minT. It is a cutoff walk: a block older than
// minT is excluded and its PrevBlocks are not followed, so ancestors
// reachable only through such a block are never visited. A visited set
// keyed by id keeps each block from being visited twice.
func findBlocksFromTime(ctx context.Context, graph BlockSource, minT int64) ([]block.Block, error) {
	visited := make(map[uuid.UUID]struct{})
	var frontier deque.Deque[uuid.UUID]
	for _, h := range graph.GetHeadBlocks() {
		frontier.PushBack(h.ID)
		visited[h.ID] = struct{}{}
	}

	var included []block.Block
	for frontier.Len() > 0 {
		id := frontier.PopFront()
		b, ok, err := graph.GetBlock(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if b.LastTimestamp() < minT {
			continue
		}
		included = append(included, b)
		for _, prev := range b.PrevBlocks {
			if _, seen := visited[prev]; seen {
				continue
			}
			visited[prev] = struct{}{}
			frontier.PushBack(prev)
		}
	}
	return included, nil
}
