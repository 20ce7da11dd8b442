package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"Ethy/internal/api"
	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
	"Ethy/internal/notification"
	"Ethy/internal/storage"
	"Ethy/internal/witness"
)

// recorder captures ingested headers and challenges.
type recorder struct {
	headers    []*witness.FinalizedHeader
	challenges [][32]byte
}

func (r *recorder) Ingest(h *witness.FinalizedHeader, _ [][]byte) error {
	r.headers = append(r.headers, h)
	return nil
}

func (r *recorder) Push(txHash [32]byte, _ uint64) {
	r.challenges = append(r.challenges, txHash)
}

// testNode is an API server over a real proof store.
type testNode struct {
	ks     *keystore.Keystore
	id     bridge.AuthorityID
	store  *storage.ProofStore
	hub    *notification.Hub
	rec    *recorder
	client *Client
}

// startTestNode serves the API with one authority in set 1.
func startTestNode(t *testing.T) *testNode {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	n := &testNode{
		ks:    keystore.New(),
		store: storage.NewProofStore(db),
		hub:   notification.NewHub(8, nil),
		rec:   &recorder{},
	}
	t.Cleanup(n.hub.Close)

	if n.id, err = n.ks.Generate(); err != nil {
		t.Fatalf("generate: %v", err)
	}

	set, _ := bridge.NewValidatorSet(1, 1, []bridge.AuthorityID{n.id})
	if err := n.store.PutValidatorSet(set); err != nil {
		t.Fatalf("put set: %v", err)
	}
	if err := n.store.PutXrplSigners(set); err != nil {
		t.Fatalf("put xrpl signers: %v", err)
	}

	handler, err := api.New(api.Params{
		Proofs:     n.store,
		Hub:        n.hub,
		Headers:    n.rec,
		Challenges: n.rec,
	}).Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n.client = NewClient(srv.URL)

	return n
}

// sealed returns a proof for eventID signed by the node's authority.
func (n *testNode) sealed(t *testing.T, eventID uint64) *bridge.VersionedEventProof {
	t.Helper()

	p := &bridge.EventProof{
		Digest:         keystore.Keccak256([]byte{byte(eventID)}),
		EventID:        eventID,
		ValidatorSetID: 1,
	}

	sig, err := n.ks.Sign(n.id, p.Digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.Signatures = []bridge.SignatureEntry{{Index: 0, Signature: sig}}

	return bridge.Seal(p)
}

// TestNewClientAddress tests base URL normalisation.
func TestNewClientAddress(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"http://node:1/", "http://node:1"},
		{"https://node", "https://node"},
	}

	for _, tt := range tests {
		if got := NewClient(tt.addr).baseURL; got != tt.want {
			t.Errorf("NewClient(%q): got %s, want %s", tt.addr, got, tt.want)
		}
	}
}

// TestProofQueries tests the JSON-RPC proof and set queries.
func TestProofQueries(t *testing.T) {
	n := startTestNode(t)
	ctx := context.Background()

	if err := n.store.Put(bridge.ChainEthereum, n.sealed(t, 5)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := n.store.Put(bridge.ChainXrpl, n.sealed(t, 6)); err != nil {
		t.Fatalf("put: %v", err)
	}

	eth, err := n.client.EventProof(ctx, 5)
	if err != nil {
		t.Fatalf("event proof: %v", err)
	}
	if eth.EventID != 5 || len(eth.Signatures) != 1 {
		t.Errorf("unexpected proof: %+v", eth)
	}

	xrp, err := n.client.XrplTxProof(ctx, 6)
	if err != nil {
		t.Fatalf("xrpl proof: %v", err)
	}
	if xrp.EventID != 6 || len(xrp.SignerKeys) != 1 {
		t.Errorf("unexpected xrpl proof: %+v", xrp)
	}

	if _, err := n.client.EventProof(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	set, err := n.client.ValidatorSet(ctx, 0)
	if err != nil {
		t.Fatalf("validator set: %v", err)
	}
	if set.ID != 1 || len(set.Validators) != 1 {
		t.Errorf("unexpected set: %+v", set)
	}

	if _, err := n.client.ValidatorSet(ctx, 7); err == nil {
		t.Errorf("expected error for unknown set")
	}

	if res, err := n.client.ChainCallResolutions(ctx); err != nil || len(res) != 0 {
		t.Errorf("resolutions without notary: %v %v", res, err)
	}
}

// TestIngest tests header and challenge submission.
func TestIngest(t *testing.T) {
	n := startTestNode(t)
	ctx := context.Background()

	digest := keystore.Keccak256([]byte("req"))
	err := n.client.PostFinalized(ctx, &api.FinalizedHeaderJSON{
		Number: 3,
		Hash:   common.Hash{0x33},
		ProofRequests: []api.ProofRequestJSON{
			{Chain: "ethereum", EventID: 1, Data: hexutil.Bytes(digest[:])},
		},
	})
	if err != nil {
		t.Fatalf("post finalized: %v", err)
	}

	if len(n.rec.headers) != 1 || n.rec.headers[0].Number != 3 || n.rec.headers[0].Hash[0] != 0x33 {
		t.Errorf("unexpected headers: %+v", n.rec.headers)
	}

	err = n.client.PostFinalized(ctx, &api.FinalizedHeaderJSON{
		Number:        4,
		ProofRequests: []api.ProofRequestJSON{{Chain: "btc", EventID: 1}},
	})
	if err == nil {
		t.Errorf("expected error for unknown chain")
	}

	if err := n.client.PostChallenges(ctx, []api.ChallengeJSON{{TxHash: common.Hash{0x01}, LedgerIndex: 9}}); err != nil {
		t.Fatalf("post challenges: %v", err)
	}
	if len(n.rec.challenges) != 1 || n.rec.challenges[0][0] != 0x01 {
		t.Errorf("unexpected challenges: %v", n.rec.challenges)
	}
}

// TestSubscribe tests the websocket proof stream.
func TestSubscribe(t *testing.T) {
	n := startTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := n.client.Subscribe(ctx, bridge.ChainEthereum)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	deadline := time.Now().Add(5 * time.Second)
	for n.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	n.hub.Notify(bridge.ChainEthereum, n.sealed(t, 11))

	got, err := sub.NextEventProof()
	if err != nil {
		t.Fatalf("next proof: %v", err)
	}
	if got.EventID != 11 {
		t.Errorf("expected event 11, got %d", got.EventID)
	}

	if _, err := sub.NextXrplTxProof(); err == nil {
		t.Errorf("expected format error on an ethereum subscription")
	}
}
