// Package synccore implements the two pure, transport-agnostic
// procedures that drive convergence: CheckIn and ReceiveBlocks
// (spec.md §4.3). Both take callback function values so they can be
// tested without any HTTP transport.
package synccore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/block"
)

// PendingMap holds blocks received from peers whose ancestors are not
// yet all present locally (data model "PendingBlockMap"). It is
// disjoint from BlockGraph.blockMap by construction: a block is
// removed from here in the same step it is added there
// (integrateIncoming).
type PendingMap struct {
	mu      sync.Mutex
	pending map[uuid.UUID]block.Block
}

// NewPendingMap returns an empty pending map.
func NewPendingMap() *PendingMap {
	return &PendingMap{pending: make(map[uuid.UUID]block.Block)}
}

// Put inserts b, keyed by its id. A block already integrated should
// never be put back; callers check BlockGraph first.
func (p *PendingMap) Put(b block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[b.ID] = b
}

// Has reports whether id is currently pending.
func (p *PendingMap) Has(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

// Delete removes id from the pending set.
func (p *PendingMap) Delete(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}

// Snapshot returns a copy of every currently pending block.
func (p *PendingMap) Snapshot() []block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]block.Block, 0, len(p.pending))
	for _, b := range p.pending {
		out = append(out, b)
	}
	return out
}

// Len returns the number of pending blocks.
func (p *PendingMap) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
