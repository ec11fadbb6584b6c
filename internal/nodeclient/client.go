// Package nodeclient implements the four synccore callback signatures
// (CheckInFunc, PushBlocksFunc, RequestBlocksFunc, PullBlocksFunc)
// over HTTP against a broker, so SyncEngine can drive SyncCore without
// knowing about net/http itself.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshdb/syncd/internal/block"
	"github.com/meshdb/syncd/internal/logging"
	"github.com/meshdb/syncd/internal/synccore"
	"github.com/meshdb/syncd/internal/wire"
)

// longPollClientTimeout must exceed the broker's 120s pull timeout
// (spec.md §6.2 "Client-side HTTP timeout must exceed this").
const longPollClientTimeout = 130 * time.Second

// Client talks to one broker on behalf of one node.
type Client struct {
	brokerURL string
	userID    string
	nodeID    string
	log       *zap.SugaredLogger

	httpClient     *http.Client
	longPollClient *http.Client
}

// New returns a Client addressed at brokerURL, authenticating as
// userID and identifying itself as nodeID.
func New(brokerURL, userID, nodeID string, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		brokerURL:      brokerURL,
		userID:         userID,
		nodeID:         nodeID,
		log:            log,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		longPollClient: &http.Client{Timeout: longPollClientTimeout},
	}
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, path string, reqBody, respBody any) error {
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return fmt.Errorf("nodeclient: encoding %s request: %w", path, err)
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.brokerURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(wire.HeaderUserID, c.userID)

		resp, err := httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("nodeclient: %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("nodeclient: %s: status %d: %s", path, resp.StatusCode, body)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if respBody == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("nodeclient: %s: decoding response: %w", path, err)
		}
		return nil
	}

	// Transient transport errors are retried a bounded number of times
	// within this single call (spec.md §7 "Transient transport ...
	// retried on next tick"); the engine's own tick is the outer retry,
	// this inner backoff absorbs brief blips without waiting a full
	// tick interval.
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}
	return nil
}

// CheckIn implements synccore.CheckInFunc.
func (c *Client) CheckIn(ctx context.Context, headBlocks []block.HeadBlockDetails) (synccore.CheckInResult, error) {
	req := wire.CheckInRequest{
		NodeID:     c.nodeID,
		HeadBlocks: headBlocks,
		Time:       time.Now().UnixMilli(),
	}
	var resp wire.CheckInResponse
	if err := c.do(ctx, c.httpClient, "/check-in", req, &resp); err != nil {
		return synccore.CheckInResult{}, err
	}

	result := synccore.CheckInResult{
		NodeDetails: make(map[string]synccore.NodeDetail, len(resp.NodeDetails)),
	}
	for id, d := range resp.NodeDetails {
		result.NodeDetails[id] = synccore.NodeDetail{
			HeadBlocks:     d.HeadBlocks,
			Time:           d.Time,
			LastSeen:       d.LastSeen,
			DatabaseHash:   d.DatabaseHash,
			GeneratingData: d.GeneratingData,
		}
	}
	if resp.WantsData != nil {
		result.WantsData = make(map[string]synccore.WantsData, len(resp.WantsData))
		for id, w := range resp.WantsData {
			result.WantsData[id] = synccore.WantsData{RequiredHashes: w.RequiredHashes}
		}
	}
	return result, nil
}

// PushBlocks implements synccore.PushBlocksFunc.
func (c *Client) PushBlocks(ctx context.Context, peerID string, blocks []block.Block) error {
	req := wire.PushBlocksRequest{
		ToNodeID:   peerID,
		FromNodeID: c.nodeID,
		Blocks:     blocks,
	}
	return c.do(ctx, c.httpClient, "/push-blocks", req, nil)
}

// RequestBlocks implements synccore.RequestBlocksFunc.
func (c *Client) RequestBlocks(ctx context.Context, ids []uuid.UUID) error {
	req := wire.RequestBlocksRequest{
		NodeID:         c.nodeID,
		RequiredHashes: ids,
	}
	return c.do(ctx, c.httpClient, "/request-blocks", req, nil)
}

// PullBlocks implements synccore.PullBlocksFunc: a long poll against
// /pull-blocks using the extended-timeout client.
func (c *Client) PullBlocks(ctx context.Context) ([]block.Block, error) {
	req := wire.PullBlocksRequest{NodeID: c.nodeID}
	var resp wire.PullBlocksResponse
	if err := c.do(ctx, c.longPollClient, "/pull-blocks", req, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}
