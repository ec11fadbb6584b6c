// Package generator drives synthetic writes into a Database for the
// test-driven runs spec.md §6.4 names MAX_GENERATION_TICKS and
// RANDOM_SEED for: a bounded, seeded sequence of document upserts used
// to exercise convergence across a cluster of nodes without a human
// driving the UI layer.
package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/meshdb/syncd/internal/document"
	"github.com/meshdb/syncd/internal/logging"
)

const collectionName = "generated"

// Generator writes pseudo-random documents into one collection of a
// Database, ticks times, paced by interval, then stops. It is seeded
// so that two generators given the same seed and nodeID produce the
// same sequence of document ids and field values, useful for
// reproducing a specific convergence scenario across runs.
type Generator struct {
	db    *document.Database
	rng   *rand.Rand
	ticks int
	log   *zap.SugaredLogger
}

// New returns a Generator that will run for ticks calls to Run's loop,
// deriving its randomness from seed mixed with nodeID so distinct
// nodes sharing a seed don't write identical documents.
func New(db *document.Database, nodeID string, seed int64, ticks int, log *zap.SugaredLogger) *Generator {
	if log == nil {
		log = logging.Nop()
	}
	mixed := seed
	for _, r := range nodeID {
		mixed = mixed*31 + int64(r)
	}
	return &Generator{
		db:    db,
		rng:   rand.New(rand.NewSource(mixed)),
		ticks: ticks,
		log:   log,
	}
}

// Run writes one document per interval tick until ticks writes have
// happened or ctx is cancelled, whichever comes first. It blocks; the
// caller runs it in its own goroutine.
func (g *Generator) Run(ctx context.Context, interval time.Duration) {
	if g.ticks <= 0 {
		return
	}
	col := g.db.Collection(collectionName)
	for i := 0; i < g.ticks; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		id := fmt.Sprintf("gen-%d", g.rng.Int63())
		if err := col.UpsertOne(ctx, id, map[string]any{
			"value": g.rng.Int63(),
			"tick":  i,
		}); err != nil {
			g.log.Errorw("generator: upsert failed", "id", id, "error", err)
		}
	}
}
