package synccore_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meshdb/syncd/internal/block"
	"github.com/meshdb/syncd/internal/blockgraph"
	"github.com/meshdb/syncd/internal/storage/memorystore"
	"github.com/meshdb/syncd/internal/synccore"
	"github.com/meshdb/syncd/internal/update"
)

func newGraph(t *testing.T) *blockgraph.BlockGraph {
	t.Helper()
	g := blockgraph.New(memorystore.New(), nil)
	require.NoError(t, g.LoadHeadBlocks(context.Background()))
	return g
}

func TestCheckInRequestsMissingAncestorsAndSkipsSelf(t *testing.T) {
	ctx := context.Background()
	local := newGraph(t)
	pending := synccore.NewPendingMap()

	foreignID := uuid.New()
	checkInFn := func(ctx context.Context, heads []block.HeadBlockDetails) (synccore.CheckInResult, error) {
		return synccore.CheckInResult{
			NodeDetails: map[string]synccore.NodeDetail{
				"self": {HeadBlocks: heads},
				"peer": {HeadBlocks: []block.HeadBlockDetails{{ID: foreignID}}},
			},
		}, nil
	}

	var requested []uuid.UUID
	requestFn := func(ctx context.Context, ids []uuid.UUID) error {
		requested = ids
		return nil
	}
	pushFn := func(ctx context.Context, peerID string, blocks []block.Block) error {
		t.Fatalf("unexpected push to %s", peerID)
		return nil
	}

	err := synccore.CheckIn(ctx, "self", local, pending, checkInFn, pushFn, requestFn)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{foreignID}, requested)
}

func TestCheckInPushesResolvedWantedBlocksExcludingSelf(t *testing.T) {
	ctx := context.Background()
	local := newGraph(t)
	b1, err := local.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", "A")})
	require.NoError(t, err)
	pending := synccore.NewPendingMap()

	checkInFn := func(ctx context.Context, heads []block.HeadBlockDetails) (synccore.CheckInResult, error) {
		return synccore.CheckInResult{
			WantsData: map[string]synccore.WantsData{
				"self": {RequiredHashes: []uuid.UUID{b1.ID}},
				"peer": {RequiredHashes: []uuid.UUID{b1.ID}},
			},
		}, nil
	}

	var pushedTo string
	var pushedBlocks []block.Block
	pushFn := func(ctx context.Context, peerID string, blocks []block.Block) error {
		pushedTo = peerID
		pushedBlocks = blocks
		return nil
	}
	requestFn := func(ctx context.Context, ids []uuid.UUID) error { return nil }

	err = synccore.CheckIn(ctx, "self", local, pending, checkInFn, pushFn, requestFn)
	require.NoError(t, err)
	require.Equal(t, "peer", pushedTo)
	require.Len(t, pushedBlocks, 1)
	require.Equal(t, b1.ID, pushedBlocks[0].ID)
}

func TestReceiveBlocksIntegratesSingleBlockAndDispatches(t *testing.T) {
	ctx := context.Background()
	remote := newGraph(t)
	pending := synccore.NewPendingMap()

	source := newGraph(t)
	b1, err := source.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", "A")})
	require.NoError(t, err)

	pullFn := func(ctx context.Context) ([]block.Block, error) {
		return []block.Block{b1}, nil
	}
	var dispatched []update.Update
	onIncoming := func(ctx context.Context, updates []update.Update) error {
		dispatched = append(dispatched, updates...)
		return nil
	}

	err = synccore.ReceiveBlocks(ctx, remote, pending, pullFn, onIncoming)
	require.NoError(t, err)
	require.True(t, remote.HasBlock(ctx, b1.ID))
	require.Equal(t, 0, pending.Len())
	require.Len(t, dispatched, 1)
	require.Equal(t, "A", dispatched[0].Value)
}

// TestReceiveBlocksOutOfOrderDeliveryConverges exercises the
// out-of-order delivery scenario from spec.md §8: a child
// block arrives before its parent, is held pending, and is only
// integrated once the parent closes the gap.
func TestReceiveBlocksOutOfOrderDeliveryConverges(t *testing.T) {
	ctx := context.Background()
	source := newGraph(t)
	parent, err := source.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", "A")})
	require.NoError(t, err)
	child, err := source.Commit(ctx, []update.Update{update.NewField(2, "x", "d1", "f", "B")})
	require.NoError(t, err)

	remote := newGraph(t)
	pending := synccore.NewPendingMap()

	// First poll only returns the child; it should be held pending,
	// not integrated, since its parent is missing.
	firstPoll := true
	pullFn := func(ctx context.Context) ([]block.Block, error) {
		if firstPoll {
			firstPoll = false
			return []block.Block{child}, nil
		}
		return []block.Block{parent}, nil
	}
	var dispatched [][]update.Update
	onIncoming := func(ctx context.Context, updates []update.Update) error {
		dispatched = append(dispatched, updates)
		return nil
	}

	require.NoError(t, synccore.ReceiveBlocks(ctx, remote, pending, pullFn, onIncoming))
	require.False(t, remote.HasBlock(ctx, child.ID))
	require.Equal(t, 1, pending.Len())
	require.Empty(t, dispatched)

	// Second poll delivers the parent: the fixed-point loop must then
	// integrate both parent and child in the same ReceiveBlocks call.
	require.NoError(t, synccore.ReceiveBlocks(ctx, remote, pending, pullFn, onIncoming))
	require.True(t, remote.HasBlock(ctx, parent.ID))
	require.True(t, remote.HasBlock(ctx, child.ID))
	require.Equal(t, 0, pending.Len())
	require.ElementsMatch(t, []uuid.UUID{child.ID}, remote.GetHeadBlockIDs())
}

// TestReceiveBlocksLastWriterWinsOrdering exercises the last-writer-
// wins scenario under reordered delivery: a later-timestamped block
// arrives and is integrated first, then an earlier-timestamped,
// independently-forked block arrives. Because the earlier block's
// minT falls within the already-integrated block's timestamp range,
// findBlocksFromTime must pull the already-integrated block back in
// so both are re-dispatched together in timestamp order.
func TestReceiveBlocksLastWriterWinsOrdering(t *testing.T) {
	ctx := context.Background()
	lateSource := newGraph(t)
	late, err := lateSource.Commit(ctx, []update.Update{update.NewField(10, "x", "d1", "f", "new")})
	require.NoError(t, err)

	earlySource := newGraph(t)
	early, err := earlySource.Commit(ctx, []update.Update{update.NewField(5, "x", "d1", "f", "old")})
	require.NoError(t, err)

	remote := newGraph(t)
	pending := synccore.NewPendingMap()

	call := 0
	pullFn := func(ctx context.Context) ([]block.Block, error) {
		call++
		if call == 1 {
			return []block.Block{late}, nil
		}
		return []block.Block{early}, nil
	}
	var dispatched [][]update.Update
	onIncoming := func(ctx context.Context, updates []update.Update) error {
		dispatched = append(dispatched, updates)
		return nil
	}

	require.NoError(t, synccore.ReceiveBlocks(ctx, remote, pending, pullFn, onIncoming))
	require.Len(t, dispatched, 1)
	require.Equal(t, "new", dispatched[0][0].Value)

	require.NoError(t, synccore.ReceiveBlocks(ctx, remote, pending, pullFn, onIncoming))
	require.Len(t, dispatched, 2)
	second := dispatched[1]
	require.Len(t, second, 2)
	require.Equal(t, "old", second[0].Value)
	require.Equal(t, "new", second[1].Value)
}

// TestReceiveBlocksDeleteThenFieldOrdering exercises the delete-then-
// field scenario: a delete followed by a later field write on the same
// document must dispatch (and so apply) in timestamp order, leaving
// the field write as the final state.
func TestReceiveBlocksDeleteThenFieldOrdering(t *testing.T) {
	ctx := context.Background()
	source := newGraph(t)
	b1, err := source.Commit(ctx, []update.Update{
		update.NewDelete(1, "x", "d1"),
	})
	require.NoError(t, err)
	b2, err := source.Commit(ctx, []update.Update{
		update.NewField(2, "x", "d1", "f", "revived"),
	})
	require.NoError(t, err)

	remote := newGraph(t)
	pending := synccore.NewPendingMap()

	calls := 0
	pullFn := func(ctx context.Context) ([]block.Block, error) {
		calls++
		if calls == 1 {
			return []block.Block{b1, b2}, nil
		}
		return nil, nil
	}
	var dispatched []update.Update
	onIncoming := func(ctx context.Context, updates []update.Update) error {
		dispatched = append(dispatched, updates...)
		return nil
	}

	require.NoError(t, synccore.ReceiveBlocks(ctx, remote, pending, pullFn, onIncoming))
	require.Len(t, dispatched, 2)
	require.Equal(t, update.DeleteUpdate, dispatched[0].Kind)
	require.Equal(t, update.FieldUpdate, dispatched[1].Kind)
}
