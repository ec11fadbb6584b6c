// Package wire defines the HTTP+JSON message bodies exchanged between
// a node and the broker (spec.md §6.2). These types are shared by
// internal/broker (server side) and internal/nodeclient (client side)
// so the two stay byte-for-byte in sync; block identity on the wire
// uses the canonical `id` field resolved in DESIGN.md's Open Question
// decisions, never `_id`.
package wire

import (
	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/block"
)

// CheckInRequest is the POST /check-in request body.
type CheckInRequest struct {
	NodeID         string                   `json:"nodeId"`
	HeadBlocks     []block.HeadBlockDetails `json:"headBlocks"`
	Time           int64                    `json:"time"`
	DatabaseHash   string                   `json:"databaseHash,omitempty"`
	GeneratingData bool                     `json:"generatingData,omitempty"`
}

// NodeDetail mirrors synccore.NodeDetail on the wire.
type NodeDetail struct {
	HeadBlocks     []block.HeadBlockDetails `json:"headBlocks"`
	Time           int64                    `json:"time"`
	LastSeen       int64                    `json:"lastSeen"`
	DatabaseHash   string                   `json:"databaseHash,omitempty"`
	GeneratingData bool                     `json:"generatingData,omitempty"`
}

// WantsData mirrors synccore.WantsData on the wire.
type WantsData struct {
	RequiredHashes []uuid.UUID `json:"requiredHashes"`
}

// CheckInResponse is the POST /check-in response body.
type CheckInResponse struct {
	NodeDetails map[string]NodeDetail `json:"nodeDetails"`
	WantsData   map[string]WantsData  `json:"wantsData,omitempty"`
}

// PullBlocksRequest is the POST /pull-blocks request body.
type PullBlocksRequest struct {
	NodeID string `json:"nodeId"`
}

// PullBlocksResponse is the POST /pull-blocks response body. Blocks is
// empty on the 120s timeout and when a registration for the node is
// already outstanding; FromNodeID is then "broker". A push carries the
// pushing node's id in FromNodeID (spec.md §6.2).
type PullBlocksResponse struct {
	Blocks     []block.Block `json:"blocks"`
	FromNodeID string        `json:"fromNodeId"`
}

// PushBlocksRequest is the POST /push-blocks request body.
type PushBlocksRequest struct {
	ToNodeID   string        `json:"toNodeId"`
	FromNodeID string        `json:"fromNodeId"`
	Blocks     []block.Block `json:"blocks"`
}

// RequestBlocksRequest is the POST /request-blocks request body. It
// always replaces the caller's previously-advertised want set; the
// broker never unions requests across calls.
type RequestBlocksRequest struct {
	NodeID         string      `json:"nodeId"`
	RequiredHashes []uuid.UUID `json:"requiredHashes"`
}

// StatusResponse is the GET /status debug response body: the full
// per-user directory state, for operator inspection.
type StatusResponse struct {
	Nodes          map[string]NodeDetail  `json:"nodes"`
	BlockRequests  map[string][]uuid.UUID `json:"blockRequests,omitempty"`
	PullRegistered map[string]bool        `json:"pullRegistered,omitempty"`
}

// HeaderUserID is the header every broker request must carry; its
// absence is a 401 per spec.md §6.2.
const HeaderUserID = "X-User-Id"
