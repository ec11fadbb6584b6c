package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/meshdb/syncd/internal/canonicaljson"
)

// HashDatabase implements the test contract of spec.md §4.5: read
// every document in every known collection, sort each collection's
// documents by "_id", build a collectionName -> documents mapping,
// canonical-JSON-encode it, and return the SHA-256 hex digest. Two
// databases with equal head sets must produce equal hashes here
// (the "Convergence" testable property).
func (d *Database) HashDatabase(ctx context.Context) (string, error) {
	d.mu.Lock()
	names := make([]string, 0, len(d.collections))
	cols := make(map[string]*Collection, len(d.collections))
	for name, c := range d.collections {
		names = append(names, name)
		cols[name] = c
	}
	d.mu.Unlock()
	sort.Strings(names)

	snapshot := make(map[string]any, len(names))
	for _, name := range names {
		docs, err := cols[name].GetAll(ctx)
		if err != nil {
			return "", fmt.Errorf("document: hashing collection %s: %w", name, err)
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
		snapshot[name] = docs
	}

	encoded, err := canonicaljson.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("document: canonicalizing database snapshot: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
