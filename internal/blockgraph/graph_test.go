package blockgraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshdb/syncd/internal/blockgraph"
	"github.com/meshdb/syncd/internal/storage/memorystore"
	"github.com/meshdb/syncd/internal/update"
)

func newGraph(t *testing.T) *blockgraph.BlockGraph {
	t.Helper()
	g := blockgraph.New(memorystore.New(), nil)
	require.NoError(t, g.LoadHeadBlocks(context.Background()))
	return g
}

func TestCommitSetsHeadsAndPrevBlocks(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)

	require.Empty(t, g.GetHeadBlockIDs())

	b1, err := g.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", "A")})
	require.NoError(t, err)
	require.Empty(t, b1.PrevBlocks)
	require.Equal(t, []interface{}{b1.ID}, idsToAny(g.GetHeadBlockIDs()))

	b2, err := g.Commit(ctx, []update.Update{update.NewField(2, "x", "d1", "f", "B")})
	require.NoError(t, err)
	require.Equal(t, []interface{}{b1.ID}, idsToAny(b2.PrevBlocks))
	require.Equal(t, []interface{}{b2.ID}, idsToAny(g.GetHeadBlockIDs()))
}

func TestIntegrateIsIdempotentAndUpdatesHeads(t *testing.T) {
	ctx := context.Background()
	local := newGraph(t)
	b1, err := local.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", "A")})
	require.NoError(t, err)

	remote := newGraph(t)
	require.NoError(t, remote.Integrate(ctx, b1))
	require.ElementsMatch(t, []interface{}{b1.ID}, idsToAny(remote.GetHeadBlockIDs()))

	// Idempotent: integrating twice doesn't change the head set.
	require.NoError(t, remote.Integrate(ctx, b1))
	require.ElementsMatch(t, []interface{}{b1.ID}, idsToAny(remote.GetHeadBlockIDs()))
}

func TestIntegrateMultiHeadMergeBlock(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)

	a, err := g.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", "A")})
	require.NoError(t, err)

	// Fork: integrate a foreign sibling of `a` with an independent
	// (empty) PrevBlocks set, so the graph now has two heads.
	sibling, err := newGraph(t).Commit(ctx, []update.Update{update.NewField(2, "x", "d2", "f", "B")})
	require.NoError(t, err)
	require.NoError(t, g.Integrate(ctx, sibling))
	require.ElementsMatch(t, []interface{}{a.ID, sibling.ID}, idsToAny(g.GetHeadBlockIDs()))

	// Commit now with two current heads: PrevBlocks must carry both.
	merge, err := g.Commit(ctx, []update.Update{update.NewField(3, "x", "d1", "f", "C")})
	require.NoError(t, err)
	require.ElementsMatch(t, []interface{}{a.ID, sibling.ID}, idsToAny(merge.PrevBlocks))
	require.ElementsMatch(t, []interface{}{merge.ID}, idsToAny(g.GetHeadBlockIDs()))
}

func TestGetBlockFetchesThroughStorage(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	g := blockgraph.New(store, nil)
	require.NoError(t, g.LoadHeadBlocks(ctx))

	b1, err := g.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", "A")})
	require.NoError(t, err)

	// A fresh graph over the same storage rehydrates from disk.
	reloaded := blockgraph.New(store, nil)
	require.NoError(t, reloaded.LoadHeadBlocks(ctx))
	got, ok, err := reloaded.GetBlock(ctx, b1.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b1.Data, got.Data)
	require.True(t, reloaded.HasBlock(ctx, b1.ID))
}

func idsToAny[T any](in []T) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
