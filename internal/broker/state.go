// Package broker implements the stateless, per-user relay described
// in spec.md §4.6: a node directory, a block-request registry, and
// long-poll rendezvous for /pull-blocks, all scoped to one user at a
// time by a logical per-user lock.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/block"
)

// nodeEntry is one node's last-known directory state.
type nodeEntry struct {
	headBlocks     []block.HeadBlockDetails
	time           int64
	lastSeen       time.Time
	databaseHash   string
	generatingData bool
}

// pullSlot is a pending /pull-blocks long-poll registration. It is
// fulfilled at most once, either by a matching push or by its timer.
type pullSlot struct {
	resultCh chan pullResult
	once     sync.Once
}

type pullResult struct {
	blocks     []block.Block
	fromNodeID string
}

func newPullSlot() *pullSlot {
	return &pullSlot{resultCh: make(chan pullResult, 1)}
}

// fulfill resolves the slot exactly once; later callers' values are
// discarded, matching spec.md §5 "either side may win the race; the
// loser observes the registration already cleared" (the broker clears
// the registration under the user lock before calling fulfill, so in
// practice there is only ever one caller, but this guards the channel
// send itself against being invoked twice regardless).
func (s *pullSlot) fulfill(res pullResult) {
	s.once.Do(func() {
		s.resultCh <- res
	})
}

// userState is the per-user record guarded by mu: exactly the three
// maps spec.md §4.6 names.
type userState struct {
	mu sync.Mutex

	nodes             map[string]*nodeEntry
	pullRegistrations map[string]*pullSlot
	blockRequests     map[string]map[uuid.UUID]struct{}
}

func newUserState() *userState {
	return &userState{
		nodes:             make(map[string]*nodeEntry),
		pullRegistrations: make(map[string]*pullSlot),
		blockRequests:     make(map[string]map[uuid.UUID]struct{}),
	}
}

// Directory is the set of all users' state, keyed by user id. Each
// user's record is independent; the directory map itself is guarded
// by its own lock only for insertion/deletion of whole users (a rare
// path compared to the per-user traffic inside userState).
type Directory struct {
	mu    sync.Mutex
	users map[string]*userState
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]*userState)}
}

func (d *Directory) userFor(userID string) *userState {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		u = newUserState()
		d.users[userID] = u
	}
	return u
}

// dropUserIfEmpty removes userID's record once it has no nodes left,
// per spec.md §4.6 gc tick "drop the user when its last node is gone".
func (d *Directory) dropUserIfEmpty(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return
	}
	u.mu.Lock()
	empty := len(u.nodes) == 0
	u.mu.Unlock()
	if empty {
		delete(d.users, userID)
	}
}

// snapshotUserIDs returns every user id currently tracked, for the gc
// tick to iterate without holding the directory lock during the scan.
func (d *Directory) snapshotUserIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.users))
	for id := range d.users {
		out = append(out, id)
	}
	return out
}
