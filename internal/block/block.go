// Package block defines the immutable, id-addressed bundle
// of updates that nodes exchange: the Block, identified by a random
// UUID rather than a hash of its contents (data model §3).
package block

import (
	"sort"

	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/update"
)

// Block is an immutable bundle of updates. PrevBlocks is the set of
// head ids the committing node observed immediately before commit;
// it is carried as a sorted slice on the wire for deterministic JSON
// but treated as a set everywhere else.
type Block struct {
	ID         uuid.UUID      `json:"id"`
	PrevBlocks []uuid.UUID    `json:"prevBlocks"`
	Data       []update.Update `json:"data"`
}

// New allocates a fresh block id and normalizes PrevBlocks into sorted
// order, so the encoded PrevBlocks do not depend on the order the
// caller passed them in.
func New(prevBlocks []uuid.UUID, data []update.Update) Block {
	return Block{
		ID:         uuid.New(),
		PrevBlocks: sortedCopy(prevBlocks),
		Data:       data,
	}
}

// PrevBlockSet returns PrevBlocks as a set for membership checks.
func (b Block) PrevBlockSet() map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(b.PrevBlocks))
	for _, id := range b.PrevBlocks {
		set[id] = struct{}{}
	}
	return set
}

// LastTimestamp returns the largest update timestamp in the block, or 0
// for an empty block. For a block committed from a single
// upsertOne/deleteOne call, whose updates share one timestamp, this is
// also the timestamp of its last update. findBlocksFromTime uses it as
// the block's cutoff comparison value.
func (b Block) LastTimestamp() int64 {
	if len(b.Data) == 0 {
		return 0
	}
	max := b.Data[0].Timestamp
	for _, u := range b.Data[1:] {
		if u.Timestamp > max {
			max = u.Timestamp
		}
	}
	return max
}

func sortedCopy(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// HeadBlockDetails is the projection of a Block used on the wire and
// in the broker's node directory: id + parent set, without the data
// payload.
type HeadBlockDetails struct {
	ID         uuid.UUID   `json:"id"`
	PrevBlocks []uuid.UUID `json:"prevBlocks"`
}

// Details projects b down to its HeadBlockDetails.
func (b Block) Details() HeadBlockDetails {
	return HeadBlockDetails{ID: b.ID, PrevBlocks: b.PrevBlocks}
}
