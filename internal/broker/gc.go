package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshdb/syncd/internal/logging"
)

const (
	gcInterval    = 1 * time.Second
	nodeIdleLimit = 20 * time.Second
)

// RunGC drives the periodic directory sweep described in spec.md §4.6:
// every gcInterval, drop any node whose lastSeen exceeds nodeIdleLimit,
// and drop a user entirely once its last node is gone. Blocks until
// ctx is cancelled.
func RunGC(ctx context.Context, dir *Directory, log *zap.SugaredLogger) {
	if log == nil {
		log = logging.Nop()
	}
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(dir, log)
		}
	}
}

func sweep(dir *Directory, log *zap.SugaredLogger) {
	now := time.Now()
	for _, userID := range dir.snapshotUserIDs() {
		u := dir.userFor(userID)
		u.mu.Lock()
		for nodeID, entry := range u.nodes {
			if now.Sub(entry.lastSeen) > nodeIdleLimit {
				delete(u.nodes, nodeID)
				delete(u.pullRegistrations, nodeID)
				delete(u.blockRequests, nodeID)
				log.Debugw("gc: dropped idle node", "user", userID, "node", nodeID)
			}
		}
		u.mu.Unlock()
		dir.dropUserIfEmpty(userID)
	}
}
