package synccore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/block"
)

// NodeDetail is what a peer advertises about itself in a check-in
// response: its heads plus bookkeeping the broker attaches.
type NodeDetail struct {
	HeadBlocks     []block.HeadBlockDetails `json:"headBlocks"`
	Time           int64                    `json:"time"`
	LastSeen       int64                    `json:"lastSeen"`
	DatabaseHash   string                   `json:"databaseHash,omitempty"`
	GeneratingData bool                     `json:"generatingData,omitempty"`
}

// WantsData lists the block ids a peer still needs from us.
type WantsData struct {
	RequiredHashes []uuid.UUID `json:"requiredHashes"`
}

// CheckInResult is the broker's response to a check-in call.
type CheckInResult struct {
	NodeDetails map[string]NodeDetail `json:"nodeDetails"`
	WantsData   map[string]WantsData  `json:"wantsData,omitempty"`
}

// CheckInFunc performs the POST /check-in call.
type CheckInFunc func(ctx context.Context, headBlocks []block.HeadBlockDetails) (CheckInResult, error)

// PushBlocksFunc performs the POST /push-blocks call addressed to peerID.
type PushBlocksFunc func(ctx context.Context, peerID string, blocks []block.Block) error

// RequestBlocksFunc performs the POST /request-blocks call, replacing
// the caller's full set of wanted block ids.
type RequestBlocksFunc func(ctx context.Context, ids []uuid.UUID) error

// BlockSource is the subset of BlockGraph CheckIn needs.
type BlockSource interface {
	GetHeadBlocks() []block.HeadBlockDetails
	GetBlock(ctx context.Context, id uuid.UUID) (block.Block, bool, error)
	HasBlock(ctx context.Context, id uuid.UUID) bool
}

// CheckIn implements spec.md §4.3.1. selfID is excluded from both the
// push and the want set, regardless of what the broker reports
// (the "No-self-push" testable property).
func CheckIn(ctx context.Context, selfID string, graph BlockSource, pending *PendingMap,
	checkIn CheckInFunc, pushBlocks PushBlocksFunc, requestBlocks RequestBlocksFunc) error {

	headBlocks := graph.GetHeadBlocks()

	result, err := checkIn(ctx, headBlocks)
	if err != nil {
		return fmt.Errorf("synccore: check-in: %w", err)
	}

	for peerID, want := range result.WantsData {
		if peerID == selfID {
			continue
		}
		var resolved []block.Block
		for _, id := range want.RequiredHashes {
			b, ok, err := graph.GetBlock(ctx, id)
			if err != nil {
				return fmt.Errorf("synccore: resolving requested block %s: %w", id, err)
			}
			if ok {
				resolved = append(resolved, b)
			}
		}
		if len(resolved) > 0 {
			if err := pushBlocks(ctx, peerID, resolved); err != nil {
				return fmt.Errorf("synccore: pushing blocks to %s: %w", peerID, err)
			}
		}
	}

	needed := make(map[uuid.UUID]struct{})
	for peerID, detail := range result.NodeDetails {
		if peerID == selfID {
			continue
		}
		for _, head := range detail.HeadBlocks {
			if pending.Has(head.ID) {
				continue
			}
			if graph.HasBlock(ctx, head.ID) {
				continue
			}
			needed[head.ID] = struct{}{}
		}
	}
	for _, b := range pending.Snapshot() {
		for _, prev := range b.PrevBlocks {
			if pending.Has(prev) {
				continue
			}
			if graph.HasBlock(ctx, prev) {
				continue
			}
			needed[prev] = struct{}{}
		}
	}

	if len(needed) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}
	if err := requestBlocks(ctx, ids); err != nil {
		return fmt.Errorf("synccore: requesting blocks: %w", err)
	}
	return nil
}
