package generator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshdb/syncd/internal/document"
	"github.com/meshdb/syncd/internal/generator"
	"github.com/meshdb/syncd/internal/storage/memorystore"
	"github.com/meshdb/syncd/internal/update"
)

func TestGeneratorWritesExactlyTicksDocuments(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	var outgoing int
	db := document.New(store, func(u []update.Update) { outgoing += len(u) })

	gen := generator.New(db, "node-a", 42, 3, nil)
	gen.Run(ctx, time.Millisecond)

	docs, err := db.Collection("generated").GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, 3, outgoing)
}

func TestGeneratorIsDeterministicForSameSeedAndNode(t *testing.T) {
	ctx := context.Background()

	storeA := memorystore.New()
	dbA := document.New(storeA, nil)
	generator.New(dbA, "node-a", 7, 2, nil).Run(ctx, time.Millisecond)

	storeB := memorystore.New()
	dbB := document.New(storeB, nil)
	generator.New(dbB, "node-a", 7, 2, nil).Run(ctx, time.Millisecond)

	hashA, err := dbA.HashDatabase(ctx)
	require.NoError(t, err)
	hashB, err := dbB.HashDatabase(ctx)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestGeneratorStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := memorystore.New()
	db := document.New(store, nil)

	cancel()
	generator.New(db, "node-a", 1, 1000, nil).Run(ctx, time.Second)

	docs, err := db.Collection("generated").GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)
}
