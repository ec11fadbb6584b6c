// Package syncengine owns the BlockGraph and pending-block map for one
// node and runs the two cooperative loops described in spec.md §4.4:
// a fixed-interval check-in tick and a continuously re-issued
// long-poll pull. Both loops call into internal/synccore; syncengine
// supplies the transport callbacks and the scheduling.
package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/meshdb/syncd/internal/blockgraph"
	"github.com/meshdb/syncd/internal/logging"
	"github.com/meshdb/syncd/internal/synccore"
	"github.com/meshdb/syncd/internal/update"
)

// Config bundles the callbacks and node identity an Engine needs; the
// transport implementation (internal/nodeclient) and the application
// wiring (internal/document) are assembled by the caller.
type Config struct {
	SelfID            string
	TickInterval      time.Duration
	CheckIn           synccore.CheckInFunc
	PushBlocks        synccore.PushBlocksFunc
	RequestBlocks     synccore.RequestBlocksFunc
	PullBlocks        synccore.PullBlocksFunc
	OnIncomingUpdates synccore.OnIncomingUpdatesFunc
}

// Engine is the node's sync runtime: one BlockGraph, one pending map,
// two goroutines. StartSync/StopSync follow the same
// node.Lifecycle-flavored start/stop pair the teacher uses for its
// long-running services.
type Engine struct {
	cfg   Config
	graph *blockgraph.BlockGraph
	pend  *synccore.PendingMap
	log   *zap.SugaredLogger

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// mu serializes concurrent CommitUpdates calls (local application
	// writes) against each other. It does NOT serialize checkInLoop or
	// pullLoop against CommitUpdates or against each other: pullLoop's
	// ReceiveBlocks call includes the broker's 120s long-poll, and
	// holding a lock across that would starve checkInLoop for up to two
	// minutes per cycle. BlockGraph and PendingMap carry their own
	// internal locking, which is what actually keeps their data
	// structures consistent under this interleaving; a findBlocksFromTime
	// walk can still observe the graph mid-way through a concurrent
	// Commit or Integrate, but BlockGraph.Commit/Integrate are each
	// atomic with respect to their own lock, and every loop iteration
	// re-derives its state from the graph's current heads, so a stale
	// read is corrected on the next tick rather than corrupting state.
	mu sync.Mutex
}

// New returns an Engine over graph, ready for StartSync, which calls
// graph.LoadHeadBlocks itself.
func New(graph *blockgraph.BlockGraph, cfg Config, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Engine{
		cfg:   cfg,
		graph: graph,
		pend:  synccore.NewPendingMap(),
		log:   log,
	}
}

// StartSync loads head blocks, initializes the pending map, and spawns
// the check-in and pull loops. Calling StartSync again while the engine
// is running does nothing and returns nil.
func (e *Engine) StartSync(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.graph.LoadHeadBlocks(ctx); err != nil {
		e.running.Store(false)
		return err
	}

	e.stopCh = make(chan struct{})
	e.wg.Add(2)
	go e.checkInLoop(ctx)
	go e.pullLoop(ctx)
	return nil
}

// StopSync sets the running flag false; both loops exit cooperatively
// at their next suspension point. It never cancels an in-flight
// network call (spec.md §4.4); it only guarantees no new work is
// scheduled. Blocks until both loops have returned.
func (e *Engine) StopSync() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
}

// CommitUpdates forwards to BlockGraph.Commit, per spec.md §4.4
// commitUpdates.
func (e *Engine) CommitUpdates(ctx context.Context, updates []update.Update) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.graph.Commit(ctx, updates)
	return err
}

// GetBlockGraph returns the underlying graph, for debugging/inspection
// only (spec.md §4.4).
func (e *Engine) GetBlockGraph() *blockgraph.BlockGraph {
	return e.graph
}

func (e *Engine) checkInLoop(ctx context.Context) {
	defer e.wg.Done()

	backoffPolicy := newCheckInBackoff(e.cfg.TickInterval)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := synccore.CheckIn(ctx, e.cfg.SelfID, e.graph, e.pend,
			e.cfg.CheckIn, e.cfg.PushBlocks, e.cfg.RequestBlocks)
		interval := e.cfg.TickInterval
		if err != nil {
			e.log.Errorw("check-in failed", "error", err)
			backoffPolicy.Reset()
		} else {
			// Adaptive backoff: every successful check-in grows the
			// interval, capped at MaxInterval so the loop never
			// starves. Whether the check-in exchanged any blocks is
			// not considered. Any error resets straight back to the
			// fixed tick interval.
			interval = backoffPolicy.NextBackOff()
			if interval == backoff.Stop {
				interval = e.cfg.TickInterval
			}
		}

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (e *Engine) pullLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := synccore.ReceiveBlocks(ctx, e.graph, e.pend, e.cfg.PullBlocks, e.cfg.OnIncomingUpdates)
		if err != nil {
			e.log.Errorw("pull failed", "error", err)
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		// On success the underlying pull was itself a long poll; the
		// loop re-issues immediately (spec.md §4.4).
	}
}

// newCheckInBackoff returns a capped exponential backoff that advances
// on every successful check-in and is reset by a failed one; spec.md
// §4.4 requires the loop never starve, so MaxInterval bounds it well under
// anything a human operator would notice as "stopped".
func newCheckInBackoff(tickInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = tickInterval
	b.MaxInterval = 30 * time.Second
	if b.MaxInterval < tickInterval {
		b.MaxInterval = tickInterval
	}
	b.MaxElapsedTime = 0 // never stop
	return b
}
