package document_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshdb/syncd/internal/document"
	"github.com/meshdb/syncd/internal/storage/memorystore"
	"github.com/meshdb/syncd/internal/update"
)

func TestUpsertOneProducesFieldUpdatesAndWritesDocument(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	var outgoing [][]update.Update
	db := document.New(store, func(u []update.Update) { outgoing = append(outgoing, u) })

	col := db.Collection("tasks")
	require.NoError(t, col.UpsertOne(ctx, "d1", map[string]any{"title": "buy milk", "done": false}))

	require.Len(t, outgoing, 1)
	require.Len(t, outgoing[0], 2) // "done", "title" sorted
	require.Equal(t, update.FieldUpdate, outgoing[0][0].Kind)

	doc, found, err := col.GetOne(ctx, "d1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "buy milk", doc["title"])
	require.Equal(t, false, doc["done"])
}

func TestSubscribeReceivesBatchAndUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	db := document.New(store, nil)
	col := db.Collection("tasks")

	var received int
	unsubscribe := col.Subscribe(func(u []update.Update) { received++ })

	require.NoError(t, col.UpsertOne(ctx, "d1", map[string]any{"title": "a"}))
	require.Equal(t, 1, received)

	unsubscribe()
	require.NoError(t, col.UpsertOne(ctx, "d1", map[string]any{"title": "b"}))
	require.Equal(t, 1, received)
}

func TestUnsubscribeFromInsideCallbackIsSafe(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	db := document.New(store, nil)
	col := db.Collection("tasks")

	var unsubscribe func()
	var calls int
	unsubscribe = col.Subscribe(func(u []update.Update) {
		calls++
		unsubscribe()
	})
	second := 0
	col.Subscribe(func(u []update.Update) { second++ })

	require.NoError(t, col.UpsertOne(ctx, "d1", map[string]any{"title": "a"}))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, second)

	require.NoError(t, col.UpsertOne(ctx, "d1", map[string]any{"title": "b"}))
	require.Equal(t, 1, calls) // first subscriber no longer invoked
	require.Equal(t, 2, second)
}

func TestDeleteOneRemovesDocument(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	db := document.New(store, nil)
	col := db.Collection("tasks")

	require.NoError(t, col.UpsertOne(ctx, "d1", map[string]any{"title": "a"}))
	require.NoError(t, col.DeleteOne(ctx, "d1"))

	_, found, err := col.GetOne(ctx, "d1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyIncomingUpdatesNotifiesThenAppliesInOrderPerCollection(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	db := document.New(store, nil)

	var notifyOrder []string
	db.Collection("x").Subscribe(func(u []update.Update) { notifyOrder = append(notifyOrder, "x") })
	db.Collection("y").Subscribe(func(u []update.Update) { notifyOrder = append(notifyOrder, "y") })

	updates := []update.Update{
		update.NewField(1, "x", "d1", "f", "A"),
		update.NewField(2, "y", "d1", "f", "B"),
		update.NewField(3, "x", "d1", "f", "C"), // last-writer-wins: overwrites the ts=1 write
	}
	require.NoError(t, db.ApplyIncomingUpdates(ctx, updates))
	require.Equal(t, []string{"x", "y"}, notifyOrder)

	doc, found, err := db.Collection("x").GetOne(ctx, "d1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "C", doc["f"])
}

// TestHashDatabaseConvergesRegardlessOfWriteOrder exercises the
// spec.md §4.5 convergence property: two databases that end up with
// the same documents hash equal, even if the underlying updates were
// applied in a different order.
func TestHashDatabaseConvergesRegardlessOfWriteOrder(t *testing.T) {
	ctx := context.Background()

	dbA := document.New(memorystore.New(), nil)
	require.NoError(t, dbA.Collection("tasks").UpsertOne(ctx, "d1", map[string]any{"title": "a"}))
	require.NoError(t, dbA.Collection("tasks").UpsertOne(ctx, "d2", map[string]any{"title": "b"}))

	dbB := document.New(memorystore.New(), nil)
	require.NoError(t, dbB.Collection("tasks").UpsertOne(ctx, "d2", map[string]any{"title": "b"}))
	require.NoError(t, dbB.Collection("tasks").UpsertOne(ctx, "d1", map[string]any{"title": "a"}))

	hashA, err := dbA.HashDatabase(ctx)
	require.NoError(t, err)
	hashB, err := dbB.HashDatabase(ctx)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)

	require.NoError(t, dbB.Collection("tasks").UpsertOne(ctx, "d1", map[string]any{"title": "different"}))
	hashBModified, err := dbB.HashDatabase(ctx)
	require.NoError(t, err)
	require.NotEqual(t, hashA, hashBModified)
}
