package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fjl/memsize"
	"github.com/google/uuid"

	"github.com/meshdb/syncd/internal/logging"
	"github.com/meshdb/syncd/internal/wire"
)

const pullTimeout = 120 * time.Second

// Server is the HTTP handler set for the five endpoints in spec.md
// §6.2, backed by one Directory.
type Server struct {
	dir *Directory
	log *zap.SugaredLogger
}

// NewServer returns a Server and its gorilla/mux router, ready to be
// passed to http.ListenAndServe.
func NewServer(log *zap.SugaredLogger) (*Server, *mux.Router) {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{dir: NewDirectory(), log: log}

	r := mux.NewRouter()
	r.HandleFunc("/check-in", s.handleCheckIn).Methods(http.MethodPost)
	r.HandleFunc("/pull-blocks", s.handlePullBlocks).Methods(http.MethodPost)
	r.HandleFunc("/push-blocks", s.handlePushBlocks).Methods(http.MethodPost)
	r.HandleFunc("/request-blocks", s.handleRequestBlocks).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return s, r
}

// Directory exposes the underlying Directory for the gc loop.
func (s *Server) Directory() *Directory { return s.dir }

func userID(r *http.Request) (string, bool) {
	id := r.Header.Get(wire.HeaderUserID)
	return id, id != ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}
	var req wire.CheckInRequest
	if !decodeBody(r, &req) || req.NodeID == "" {
		http.Error(w, "malformed check-in body", http.StatusBadRequest)
		return
	}

	u := s.dir.userFor(uid)
	u.mu.Lock()
	u.nodes[req.NodeID] = &nodeEntry{
		headBlocks:     req.HeadBlocks,
		time:           req.Time,
		lastSeen:       time.Now(),
		databaseHash:   req.DatabaseHash,
		generatingData: req.GeneratingData,
	}

	resp := wire.CheckInResponse{
		NodeDetails: make(map[string]wire.NodeDetail, len(u.nodes)),
	}
	now := time.Now()
	for peerID, entry := range u.nodes {
		resp.NodeDetails[peerID] = wire.NodeDetail{
			HeadBlocks:     entry.headBlocks,
			Time:           entry.time,
			LastSeen:       now.Sub(entry.lastSeen).Milliseconds(),
			DatabaseHash:   entry.databaseHash,
			GeneratingData: entry.generatingData,
		}
	}
	for peerID, want := range u.blockRequests {
		if len(want) == 0 {
			continue
		}
		if resp.WantsData == nil {
			resp.WantsData = make(map[string]wire.WantsData)
		}
		hashes := make([]uuid.UUID, 0, len(want))
		for id := range want {
			hashes = append(hashes, id)
		}
		resp.WantsData[peerID] = wire.WantsData{RequiredHashes: hashes}
	}
	u.mu.Unlock()

	s.log.Debugw("check-in", "user", uid, "node", req.NodeID)
	writeJSON(w, resp)
}

func (s *Server) handlePullBlocks(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}
	var req wire.PullBlocksRequest
	if !decodeBody(r, &req) || req.NodeID == "" {
		http.Error(w, "malformed pull-blocks body", http.StatusBadRequest)
		return
	}

	u := s.dir.userFor(uid)
	u.mu.Lock()
	if _, exists := u.pullRegistrations[req.NodeID]; exists {
		// A registration is already outstanding for this node: return
		// immediately with empty blocks rather than stacking a second
		// registration (spec.md §4.6).
		u.mu.Unlock()
		writeJSON(w, wire.PullBlocksResponse{FromNodeID: "broker"})
		return
	}
	slot := newPullSlot()
	u.pullRegistrations[req.NodeID] = slot
	u.mu.Unlock()

	timer := time.NewTimer(pullTimeout)
	defer timer.Stop()

	select {
	case res := <-slot.resultCh:
		writeJSON(w, wire.PullBlocksResponse{Blocks: res.blocks, FromNodeID: res.fromNodeID})
	case <-timer.C:
		u.mu.Lock()
		if u.pullRegistrations[req.NodeID] == slot {
			delete(u.pullRegistrations, req.NodeID)
		}
		u.mu.Unlock()
		writeJSON(w, wire.PullBlocksResponse{FromNodeID: "broker"})
	case <-r.Context().Done():
		u.mu.Lock()
		if u.pullRegistrations[req.NodeID] == slot {
			delete(u.pullRegistrations, req.NodeID)
		}
		u.mu.Unlock()
	}
}

func (s *Server) handlePushBlocks(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}
	var req wire.PushBlocksRequest
	if !decodeBody(r, &req) || req.ToNodeID == "" {
		http.Error(w, "malformed push-blocks body", http.StatusBadRequest)
		return
	}

	u := s.dir.userFor(uid)
	u.mu.Lock()
	slot, exists := u.pullRegistrations[req.ToNodeID]
	if exists {
		delete(u.pullRegistrations, req.ToNodeID)
	}
	if want, ok := u.blockRequests[req.ToNodeID]; ok {
		for _, b := range req.Blocks {
			delete(want, b.ID)
		}
	}
	u.mu.Unlock()

	if exists {
		slot.fulfill(pullResult{blocks: req.Blocks, fromNodeID: req.FromNodeID})
	}
	s.log.Debugw("push-blocks", "user", uid, "to", req.ToNodeID, "from", req.FromNodeID, "count", len(req.Blocks))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRequestBlocks(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}
	var req wire.RequestBlocksRequest
	if !decodeBody(r, &req) || req.NodeID == "" {
		http.Error(w, "malformed request-blocks body", http.StatusBadRequest)
		return
	}

	u := s.dir.userFor(uid)
	want := make(map[uuid.UUID]struct{}, len(req.RequiredHashes))
	for _, id := range req.RequiredHashes {
		want[id] = struct{}{}
	}
	u.mu.Lock()
	u.blockRequests[req.NodeID] = want
	u.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}
	u := s.dir.userFor(uid)
	u.mu.Lock()
	resp := wire.StatusResponse{
		Nodes:          make(map[string]wire.NodeDetail, len(u.nodes)),
		BlockRequests:  make(map[string][]uuid.UUID, len(u.blockRequests)),
		PullRegistered: make(map[string]bool, len(u.pullRegistrations)),
	}
	now := time.Now()
	for nodeID, entry := range u.nodes {
		resp.Nodes[nodeID] = wire.NodeDetail{
			HeadBlocks:     entry.headBlocks,
			Time:           entry.time,
			LastSeen:       now.Sub(entry.lastSeen).Milliseconds(),
			DatabaseHash:   entry.databaseHash,
			GeneratingData: entry.generatingData,
		}
	}
	for nodeID, want := range u.blockRequests {
		ids := make([]uuid.UUID, 0, len(want))
		for id := range want {
			ids = append(ids, id)
		}
		resp.BlockRequests[nodeID] = ids
	}
	for nodeID := range u.pullRegistrations {
		resp.PullRegistered[nodeID] = true
	}
	u.mu.Unlock()

	s.log.Debugw("status", "user", uid, "memory", memsize.Scan(&resp).Total)
	writeJSON(w, resp)
}
