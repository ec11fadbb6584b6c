package blockgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/block"
	"github.com/meshdb/syncd/internal/storage"
)

// Storage collection names. Disjoint from any document collection a
// Database uses, so the sync engine and the application layer never
// contend over the same keyspace (spec.md §5 Node "Shared resources").
const (
	blocksCollection      = "blocks"
	blockGraphsCollection = "block-graphs"
	headBlocksKey         = "head-blocks"
)

// readBlock fetches and decodes a single block by id, or reports
// storage.ErrNotFound.
func readBlock(ctx context.Context, store storage.Storage, id uuid.UUID) (block.Block, error) {
	data, err := store.GetRaw(ctx, blocksCollection, id.String())
	if err != nil {
		return block.Block{}, err
	}
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return block.Block{}, fmt.Errorf("blockgraph: decoding block %s: %w", id, err)
	}
	return b, nil
}

// writeBlock encodes and persists b. Blocks are immutable once
// written (data model lifecycle rule); callers must not call this
// twice for the same id with different content.
func writeBlock(ctx context.Context, store storage.Storage, b block.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("blockgraph: encoding block %s: %w", b.ID, err)
	}
	return store.PutRaw(ctx, blocksCollection, b.ID.String(), data)
}

// headBlocksRecord is the persisted "block-graphs/head-blocks" record:
// the full set of current head block ids.
type headBlocksRecord struct {
	Heads []uuid.UUID `json:"heads"`
}

func readHeadBlockIDs(ctx context.Context, store storage.Storage) ([]uuid.UUID, error) {
	data, err := store.GetRaw(ctx, blockGraphsCollection, headBlocksKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec headBlocksRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("blockgraph: decoding head-blocks record: %w", err)
	}
	return rec.Heads, nil
}

func writeHeadBlockIDs(ctx context.Context, store storage.Storage, heads []uuid.UUID) error {
	data, err := json.Marshal(headBlocksRecord{Heads: heads})
	if err != nil {
		return fmt.Errorf("blockgraph: encoding head-blocks record: %w", err)
	}
	return store.PutRaw(ctx, blockGraphsCollection, headBlocksKey, data)
}
