package xrpl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"Ethy/internal/logger"
)

const (
	// defaultTimeout bounds a single request when the context has no deadline.
	defaultTimeout = 10 * time.Second

	// resultSuccess is the engine result of an applied transaction.
	resultSuccess = "tesSUCCESS"

	// errTxnNotFound is the error code for an unknown transaction.
	errTxnNotFound = "txnNotFound"
)

var (
	// ErrNotValidated is returned when the transaction is not in a validated ledger.
	ErrNotValidated = errors.New("transaction not validated")

	// ErrTxFailed is returned when the transaction did not apply successfully.
	ErrTxFailed = errors.New("transaction failed")

	// ErrUnsupportedAmount is returned for non-XRP amounts.
	ErrUnsupportedAmount = errors.New("unsupported amount")

	// ErrTxNotFound is returned when the node has no record of the transaction.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrHashMismatch is returned when the node answers for another transaction.
	ErrHashMismatch = errors.New("transaction hash mismatch")
)

// TxResult is the checked outcome of a validated XRPL payment.
type TxResult struct {
	Hash        [32]byte  // Hash is the transaction hash
	LedgerIndex uint64    // LedgerIndex is the validated ledger containing the tx
	Amount      uint64    // Amount is the delivered amount in drops
	Destination AccountID // Destination is the receiving account
}

// Client queries an XRPL node over its websocket API.
// Each request dials a fresh connection bounded by the request context.
type Client struct {
	url    string            // url is the websocket endpoint (ws:// or wss://)
	dialer *websocket.Dialer // dialer opens connections
	nextID atomic.Uint64     // nextID numbers requests
	log    *slog.Logger      // log is tagged with the endpoint
}

// NewClient creates a client for the given websocket endpoint.
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    logger.With("xrpl", url),
	}
}

// txRequest is the "tx" command.
type txRequest struct {
	ID          uint64 `json:"id"`
	Command     string `json:"command"`
	Transaction string `json:"transaction"`
}

// txResponse is the subset of the "tx" response the checker needs.
type txResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Result struct {
		Hash        string          `json:"hash"`
		LedgerIndex uint64          `json:"ledger_index"`
		Validated   bool            `json:"validated"`
		Amount      json.RawMessage `json:"Amount"`
		Destination string          `json:"Destination"`
		Meta        struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	} `json:"result"`
}

// Tx fetches a transaction and checks it was validated and applied successfully.
func (c *Client) Tx(ctx context.Context, hash [32]byte) (*TxResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial xrpl:\n%w", err)
	}
	defer conn.Close()

	// Unblock reads when the context ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	req := txRequest{
		ID:          c.nextID.Add(1),
		Command:     "tx",
		Transaction: strings.ToUpper(hex.EncodeToString(hash[:])),
	}

	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	var resp txResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	c.log.Debug("tx response", "id", resp.ID, "status", resp.Status, "hash", resp.Result.Hash)

	return parseTxResponse(hash, &resp)
}

// parseTxResponse validates a "tx" response against the requested hash.
func parseTxResponse(hash [32]byte, resp *txResponse) (*TxResult, error) {
	if resp.Status != "success" {
		if resp.Error == errTxnNotFound {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("xrpl error: %s", resp.Error)
	}

	got, err := hex.DecodeString(resp.Result.Hash)
	if err != nil || len(got) != 32 {
		return nil, fmt.Errorf("malformed tx hash %q", resp.Result.Hash)
	}
	if [32]byte(got) != hash {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, resp.Result.Hash)
	}

	if !resp.Result.Validated {
		return nil, ErrNotValidated
	}

	if resp.Result.Meta.TransactionResult != resultSuccess {
		return nil, fmt.Errorf("%w: %s", ErrTxFailed, resp.Result.Meta.TransactionResult)
	}

	amount, err := parseDrops(resp.Result.Amount)
	if err != nil {
		return nil, err
	}

	dest, err := DecodeClassicAddress(resp.Result.Destination)
	if err != nil {
		return nil, fmt.Errorf("decode destination:\n%w", err)
	}

	return &TxResult{
		Hash:        hash,
		LedgerIndex: resp.Result.LedgerIndex,
		Amount:      amount,
		Destination: dest,
	}, nil
}

// parseDrops parses an XRP amount, which XRPL encodes as a decimal string of drops.
func parseDrops(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, ErrUnsupportedAmount
	}

	drops, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount:\n%w", err)
	}

	return drops, nil
}
