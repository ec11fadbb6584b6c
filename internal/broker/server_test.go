package broker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meshdb/syncd/internal/block"
	"github.com/meshdb/syncd/internal/broker"
	"github.com/meshdb/syncd/internal/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *broker.Server) {
	t.Helper()
	s, router := broker.NewServer(nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, s
}

func post(t *testing.T, srv *httptest.Server, userID, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set(wire.HeaderUserID, userID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestCheckInMissingUserIDIs401(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/check-in", bytes.NewReader([]byte(`{}`)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv, "u1", "/no-such-route", map[string]any{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckInReturnsFullDirectory(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv, "u1", "/check-in", wire.CheckInRequest{
		NodeID:     "a",
		HeadBlocks: []block.HeadBlockDetails{},
		Time:       1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2 := post(t, srv, "u1", "/check-in", wire.CheckInRequest{
		NodeID:     "b",
		HeadBlocks: []block.HeadBlockDetails{},
		Time:       2,
	})
	var out wire.CheckInResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	require.Len(t, out.NodeDetails, 2)
	require.Contains(t, out.NodeDetails, "a")
	require.Contains(t, out.NodeDetails, "b")
}

func TestRequestBlocksThenCheckInAdvertisesWantsData(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "a", Time: 1})

	id := uuid.New()
	resp := post(t, srv, "u1", "/request-blocks", wire.RequestBlocksRequest{
		NodeID:         "a",
		RequiredHashes: []uuid.UUID{id},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	checkInResp := post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "b", Time: 2})
	var out wire.CheckInResponse
	require.NoError(t, json.NewDecoder(checkInResp.Body).Decode(&out))
	require.Contains(t, out.WantsData, "a")
	require.Equal(t, []uuid.UUID{id}, out.WantsData["a"].RequiredHashes)
}

func TestPushBlocksDeliversToWaitingPull(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "a", Time: 1})
	post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "b", Time: 1})

	pushed := block.New(nil, nil)

	pullDone := make(chan wire.PullBlocksResponse, 1)
	go func() {
		resp := post(t, srv, "u1", "/pull-blocks", wire.PullBlocksRequest{NodeID: "b"})
		var out wire.PullBlocksResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		pullDone <- out
	}()

	// Give the pull handler time to install its registration before
	// pushing.
	time.Sleep(50 * time.Millisecond)

	resp := post(t, srv, "u1", "/push-blocks", wire.PushBlocksRequest{
		ToNodeID:   "b",
		FromNodeID: "a",
		Blocks:     []block.Block{pushed},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case out := <-pullDone:
		require.Len(t, out.Blocks, 1)
		require.Equal(t, pushed.ID, out.Blocks[0].ID)
		require.Equal(t, "a", out.FromNodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("pull-blocks did not resolve")
	}
}

func TestPushBlocksClearsBlockRequestEntries(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "b", Time: 1})

	pushed := block.New(nil, nil)
	post(t, srv, "u1", "/request-blocks", wire.RequestBlocksRequest{
		NodeID:         "b",
		RequiredHashes: []uuid.UUID{pushed.ID},
	})

	resp := post(t, srv, "u1", "/push-blocks", wire.PushBlocksRequest{
		ToNodeID:   "b",
		FromNodeID: "a",
		Blocks:     []block.Block{pushed},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	checkInResp := post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "c", Time: 2})
	var out wire.CheckInResponse
	require.NoError(t, json.NewDecoder(checkInResp.Body).Decode(&out))
	require.NotContains(t, out.WantsData, "b")
}

func TestGCLeavesFreshNodesAlone(t *testing.T) {
	srv, s := newTestServer(t)
	post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "a", Time: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.RunGC(ctx, s.Directory(), nil)

	// The node just checked in, well under the 20s idle limit; a GC
	// tick (every 1s) running briefly must not drop it.
	time.Sleep(1200 * time.Millisecond)

	resp := post(t, srv, "u1", "/check-in", wire.CheckInRequest{NodeID: "b", Time: 2})
	var out wire.CheckInResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out.NodeDetails, "a")
}
