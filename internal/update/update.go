// Package update defines the single atomic unit of change replicated
// between nodes: a field assignment or a document delete, timestamped
// at the node that originated it.
package update

// Kind distinguishes the two Update variants.
type Kind string

const (
	// FieldUpdate sets a single field on a document.
	FieldUpdate Kind = "field"
	// DeleteUpdate removes a document entirely.
	DeleteUpdate Kind = "delete"
)

// Update is the tagged sum described by the data model: a Field update
// carries Field/Value, a Delete update carries neither. Timestamp is
// the originating node's wall clock in milliseconds since epoch and is
// the sole ordering key used during rebuild.
type Update struct {
	Kind       Kind   `json:"kind"`
	Timestamp  int64  `json:"timestamp"`
	Collection string `json:"collection"`
	DocID      string `json:"docId"`

	// Field and Value are set only when Kind == FieldUpdate.
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
}

// NewField builds a Field update.
func NewField(ts int64, collection, docID, field string, value any) Update {
	return Update{
		Kind:       FieldUpdate,
		Timestamp:  ts,
		Collection: collection,
		DocID:      docID,
		Field:      field,
		Value:      value,
	}
}

// NewDelete builds a Delete update.
func NewDelete(ts int64, collection, docID string) Update {
	return Update{
		Kind:       DeleteUpdate,
		Timestamp:  ts,
		Collection: collection,
		DocID:      docID,
	}
}

// Valid reports whether u carries the fields its Kind requires.
// Every update in every integrated block must have a timestamp set;
// an absent timestamp is an integration error (data model invariant 5).
func (u Update) Valid() bool {
	if u.Timestamp == 0 {
		return false
	}
	if u.Collection == "" || u.DocID == "" {
		return false
	}
	if u.Kind == FieldUpdate && u.Field == "" {
		return false
	}
	return u.Kind == FieldUpdate || u.Kind == DeleteUpdate
}
