// Package client talks to an Ethy node's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"Ethy/internal/api"
	"Ethy/internal/bridge"
	"Ethy/internal/proof"
)

// ErrNotFound is returned when the node has no proof for an event.
var ErrNotFound = errors.New("proof not found")

// Client connects to an Ethy node via HTTP.
type Client struct {
	baseURL string        // baseURL is the node's HTTP root, e.g. "http://127.0.0.1:8080"
	http    *http.Client  // http sends requests
	nextID  atomic.Uint64 // nextID numbers JSON-RPC requests
}

// Status is the node's GET /status response.
type Status struct {
	Finalized      uint64 `json:"finalized"`      // Finalized is the last processed block
	ValidatorSetID uint64 `json:"validatorSetId"` // ValidatorSetID is the active set
	Floor          uint64 `json:"floor"`          // Floor is the minimum valid event id
	PendingCalls   int    `json:"pendingCalls"`   // PendingCalls is the number of active chain calls
}

// NewClient creates a client for the node at addr ("host:port" or a full URL).
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}

	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Status queries GET /status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.httpGet(ctx, "/status", &s); err != nil {
		return nil, err
	}

	return &s, nil
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	Version string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call invokes method and decodes its result. Returns ErrNotFound on a null result.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req := rpcRequest{
		Version: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	var resp rpcResponse
	if err := c.httpPostJSON(ctx, "/rpc", req, &resp); err != nil {
		return err
	}

	if resp.Error != nil {
		return fmt.Errorf("%s: %s", method, resp.Error.Message)
	}

	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return ErrNotFound
	}

	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result:\n%w", method, err)
	}

	return nil
}

// EventProof fetches the Ethereum proof of eventID.
func (c *Client) EventProof(ctx context.Context, eventID uint64) (*proof.EventProofResponse, error) {
	var resp proof.EventProofResponse
	if err := c.call(ctx, "ethy.getEventProof", api.EventProofArgs{EventID: eventID}, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// XrplTxProof fetches the XRPL proof of eventID.
func (c *Client) XrplTxProof(ctx context.Context, eventID uint64) (*proof.XrplTxProofResponse, error) {
	var resp proof.XrplTxProofResponse
	if err := c.call(ctx, "ethy.getXrplTxProof", api.EventProofArgs{EventID: eventID}, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// ValidatorSet fetches validator set id, or the latest when id is zero.
func (c *Client) ValidatorSet(ctx context.Context, id uint64) (*api.ValidatorSetReply, error) {
	var reply api.ValidatorSetReply
	if err := c.call(ctx, "ethy.validatorSet", api.ValidatorSetArgs{ID: id}, &reply); err != nil {
		return nil, err
	}

	return &reply, nil
}

// ChainCallResolutions fetches the node's most recent chain call resolutions.
func (c *Client) ChainCallResolutions(ctx context.Context) ([]api.ChainCallResolution, error) {
	var reply api.ChainCallResolutionsReply
	if err := c.call(ctx, "ethy.chainCallResolutions", api.ChainCallResolutionsArgs{}, &reply); err != nil {
		return nil, err
	}

	return reply.Resolutions, nil
}

// PostFinalized submits a finalized header.
func (c *Client) PostFinalized(ctx context.Context, h *api.FinalizedHeaderJSON) error {
	return c.httpPostJSON(ctx, "/finalized", h, nil)
}

// PostChallenges submits challenged XRPL transactions.
func (c *Client) PostChallenges(ctx context.Context, challenges []api.ChallengeJSON) error {
	return c.httpPostJSON(ctx, "/challenges", challenges, nil)
}

// Subscription streams proofs pushed by the node.
type Subscription struct {
	conn  *websocket.Conn // conn is the websocket connection
	chain bridge.ChainID  // chain selects the message format
}

// Subscribe opens a proof subscription for chain.
func (c *Client) Subscribe(ctx context.Context, chain bridge.ChainID) (*Subscription, error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/event-proofs?chain=" + chain.String()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial subscription:\n%w", err)
	}

	return &Subscription{conn: conn, chain: chain}, nil
}

// NextEventProof blocks for the next Ethereum proof.
func (s *Subscription) NextEventProof() (*proof.EventProofResponse, error) {
	if s.chain != bridge.ChainEthereum {
		return nil, fmt.Errorf("subscription is for %s", s.chain)
	}

	var resp proof.EventProofResponse
	if err := s.conn.ReadJSON(&resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// NextXrplTxProof blocks for the next XRPL proof.
func (s *Subscription) NextXrplTxProof() (*proof.XrplTxProofResponse, error) {
	if s.chain != bridge.ChainXrpl {
		return nil, fmt.Errorf("subscription is for %s", s.chain)
	}

	var resp proof.XrplTxProofResponse
	if err := s.conn.ReadJSON(&resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.conn.Close()
}
