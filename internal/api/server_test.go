package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
	"Ethy/internal/notary"
	"Ethy/internal/notification"
	"Ethy/internal/proof"
	"Ethy/internal/storage"
	"Ethy/internal/witness"
)

// fakeStatus reports fixed node state.
type fakeStatus struct{}

func (fakeStatus) Finalized() uint64      { return 12 }
func (fakeStatus) ValidatorSetID() uint64 { return 1 }
func (fakeStatus) Floor() uint64          { return 5 }
func (fakeStatus) PendingCalls() int      { return 3 }

// fakeResolutions returns a failed call followed by a confirmed payment.
type fakeResolutions struct{}

func (fakeResolutions) Resolutions() []notary.Resolution {
	ok := notary.ChainCallResult{TxHash: [32]byte{0xAA}, LedgerIndex: 7, Amount: 1000}

	return []notary.Resolution{
		{CallID: 3, Result: notary.CallFailed, Reached: false, SignerBitmap: []byte{0b100}},
		{CallID: 4, Result: ok, Reached: true, SignerBitmap: notary.BuildSignerBitmap([]uint16{0, 2, 3}, 4)},
	}
}

// sinks records ingested headers and challenges.
type sinks struct {
	mu         sync.Mutex
	headers    []*witness.FinalizedHeader
	keys       [][][]byte
	challenges map[[32]byte]uint64
	reject     error
}

func (s *sinks) Ingest(h *witness.FinalizedHeader, keys [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reject != nil {
		return s.reject
	}

	s.headers = append(s.headers, h)
	s.keys = append(s.keys, keys)

	return nil
}

func (s *sinks) Push(txHash [32]byte, ledgerIndex uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.challenges == nil {
		s.challenges = make(map[[32]byte]uint64)
	}
	s.challenges[txHash] = ledgerIndex
}

// fixture is a server over a real store and hub.
type fixture struct {
	ks      *keystore.Keystore
	ids     []bridge.AuthorityID
	store   *storage.ProofStore
	hub     *notification.Hub
	sinks   *sinks
	handler http.Handler
}

// newFixture stores set 1 of two authorities, with only the first enrolled on XRPL.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		ks:    keystore.New(),
		store: storage.NewProofStore(db),
		hub:   notification.NewHub(8, nil),
		sinks: &sinks{},
	}
	t.Cleanup(f.hub.Close)

	for i := 0; i < 2; i++ {
		id, err := f.ks.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		f.ids = append(f.ids, id)
	}

	set, _ := bridge.NewValidatorSet(1, 2, f.ids)
	if err := f.store.PutValidatorSet(set); err != nil {
		t.Fatalf("put set: %v", err)
	}

	xs, _ := bridge.NewValidatorSet(1, 1, f.ids[:1])
	if err := f.store.PutXrplSigners(xs); err != nil {
		t.Fatalf("put xrpl signers: %v", err)
	}

	server := New(Params{
		Proofs:      f.store,
		Hub:         f.hub,
		Status:      fakeStatus{},
		Resolutions: fakeResolutions{},
		Headers:     f.sinks,
		Challenges:  f.sinks,
	})

	f.handler, err = server.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	return f
}

// proof builds a proof for eventID signed by both authorities.
func (f *fixture) proof(t *testing.T, eventID uint64) *bridge.VersionedEventProof {
	t.Helper()

	p := &bridge.EventProof{
		Digest:         keystore.Keccak256([]byte("event"), []byte{byte(eventID)}),
		EventID:        eventID,
		ValidatorSetID: 1,
	}
	p.Block[0] = 0xB0

	for i, id := range f.ids {
		sig, err := f.ks.Sign(id, p.Digest)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		p.Signatures = append(p.Signatures, bridge.SignatureEntry{Index: uint32(i), Signature: sig})
	}

	return bridge.Seal(p)
}

// call performs a JSON-RPC request and returns the raw result.
func (f *fixture) call(t *testing.T, method string, params any) (json.RawMessage, json.RawMessage) {
	t.Helper()

	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})

	req := httptest.NewRequest("POST", "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("%s: status %d: %s", method, w.Code, w.Body.String())
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}

	return resp.Result, resp.Error
}

// TestHealthEndpoint tests GET /health.
func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

// TestStatusEndpoint tests GET /status.
func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))

	var resp map[string]uint64
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["finalized"] != 12 || resp["validatorSetId"] != 1 || resp["floor"] != 5 || resp["pendingCalls"] != 3 {
		t.Errorf("unexpected status: %v", resp)
	}
}

// TestGetEventProof tests the query for a present and an absent proof.
func TestGetEventProof(t *testing.T) {
	f := newFixture(t)

	if err := f.store.Put(bridge.ChainEthereum, f.proof(t, 7)); err != nil {
		t.Fatalf("put: %v", err)
	}

	result, rpcErr := f.call(t, "ethy.getEventProof", map[string]any{"eventId": 7})
	if rpcErr != nil && string(rpcErr) != "null" {
		t.Fatalf("rpc error: %s", rpcErr)
	}

	var resp proof.EventProofResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		t.Fatalf("parse proof: %v", err)
	}

	if resp.EventID != 7 || resp.ValidatorSetID != 1 {
		t.Errorf("ids: got %d/%d", resp.EventID, resp.ValidatorSetID)
	}
	if len(resp.Signatures) != 2 || len(resp.Validators) != 2 {
		t.Errorf("expected 2 signatures and validators, got %d/%d", len(resp.Signatures), len(resp.Validators))
	}
	if resp.Block[0] != 0xB0 {
		t.Errorf("block: got %s", resp.Block)
	}

	result, _ = f.call(t, "ethy.getEventProof", map[string]any{"eventId": 8})
	if string(result) != "null" {
		t.Errorf("absent proof: got %s, want null", result)
	}
}

// TestGetXrplTxProof tests that only enrolled XRPL signers are returned.
func TestGetXrplTxProof(t *testing.T) {
	f := newFixture(t)

	if err := f.store.Put(bridge.ChainXrpl, f.proof(t, 3)); err != nil {
		t.Fatalf("put: %v", err)
	}

	result, _ := f.call(t, "ethy.getXrplTxProof", map[string]any{"eventId": 3})

	var resp proof.XrplTxProofResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		t.Fatalf("parse proof: %v", err)
	}

	if resp.EventID != 3 || len(resp.Signatures) != 1 || len(resp.Signers) != 1 {
		t.Fatalf("unexpected proof: %+v", resp)
	}
	if !strings.HasPrefix(resp.Signers[0], "r") {
		t.Errorf("signer is not a classic address: %s", resp.Signers[0])
	}

	if result, _ := f.call(t, "ethy.getEventProof", map[string]any{"eventId": 3}); string(result) != "null" {
		t.Errorf("xrpl proof visible as ethereum: %s", result)
	}
}

// TestValidatorSetRPC tests the latest and explicit set queries.
func TestValidatorSetRPC(t *testing.T) {
	f := newFixture(t)

	result, _ := f.call(t, "ethy.validatorSet", map[string]any{})

	var reply ValidatorSetReply
	if err := json.Unmarshal(result, &reply); err != nil {
		t.Fatalf("parse reply: %v", err)
	}

	if reply.ID != 1 || reply.ProofThreshold != 2 || len(reply.Validators) != 2 {
		t.Errorf("unexpected set: %+v", reply)
	}
	if !bytes.Equal(reply.Validators[1], f.ids[1][:]) {
		t.Errorf("validator order not preserved")
	}

	if _, rpcErr := f.call(t, "ethy.validatorSet", map[string]any{"id": 9}); rpcErr == nil || string(rpcErr) == "null" {
		t.Errorf("expected error for unknown set")
	}
}

// TestChainCallResolutionsRPC tests listing decided chain calls.
func TestChainCallResolutionsRPC(t *testing.T) {
	f := newFixture(t)

	result, rpcErr := f.call(t, "ethy.chainCallResolutions", map[string]any{})
	if len(rpcErr) != 0 && string(rpcErr) != "null" {
		t.Fatalf("rpc error: %s", rpcErr)
	}

	var reply ChainCallResolutionsReply
	if err := json.Unmarshal(result, &reply); err != nil {
		t.Fatalf("parse reply: %v", err)
	}

	if len(reply.Resolutions) != 2 {
		t.Fatalf("resolutions: %+v", reply.Resolutions)
	}

	failed := reply.Resolutions[0]
	if failed.CallID != 3 || failed.Result != "failed" || failed.Reached || failed.TxHash != nil {
		t.Errorf("failed call: %+v", failed)
	}
	if len(failed.Signers) != 1 || failed.Signers[0] != 2 {
		t.Errorf("failed call signers: %v", failed.Signers)
	}

	ok := reply.Resolutions[1]
	if ok.CallID != 4 || ok.Result != "ok" || !ok.Reached || ok.Amount != 1000 || ok.LedgerIndex != 7 {
		t.Errorf("ok call: %+v", ok)
	}
	if ok.TxHash == nil || ok.TxHash[0] != 0xAA || ok.Destination == "" {
		t.Errorf("ok call transaction: %+v", ok)
	}
	if len(ok.Signers) != 3 || ok.Signers[2] != 3 {
		t.Errorf("ok call signers: %v", ok.Signers)
	}
}

// TestPostFinalized tests header ingest and its validation.
func TestPostFinalized(t *testing.T) {
	f := newFixture(t)

	digest := keystore.Keccak256([]byte("x"))
	body, _ := json.Marshal(map[string]any{
		"number": 4,
		"hash":   "0x" + strings.Repeat("ab", 32),
		"proofRequests": []map[string]any{
			{"chain": "ethereum", "eventId": 1, "data": "0x" + hex.EncodeToString(digest[:])},
			{"chain": "xrpl", "eventId": 2, "data": "0x1234"},
		},
		"authoritiesChange": map[string]any{
			"id":             2,
			"proofThreshold": 1,
			"validators":     []string{"0x" + hex.EncodeToString(f.ids[0][:])},
		},
		"notaryKeys": []string{"0x" + strings.Repeat("11", 48)},
	})

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest("POST", "/finalized", bytes.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(f.sinks.headers) != 1 {
		t.Fatalf("expected 1 header, got %d", len(f.sinks.headers))
	}

	h := f.sinks.headers[0]
	if h.Number != 4 || h.Hash[0] != 0xAB || len(h.ProofRequests) != 2 {
		t.Errorf("unexpected header: %+v", h)
	}
	if h.ProofRequests[1].ChainID != bridge.ChainXrpl || h.ProofRequests[0].Data[0] != digest[0] {
		t.Errorf("unexpected requests: %+v", h.ProofRequests)
	}
	if h.AuthoritiesChange == nil || h.AuthoritiesChange.ID != 2 || !h.AuthoritiesChange.Contains(f.ids[0]) {
		t.Errorf("unexpected authorities change: %+v", h.AuthoritiesChange)
	}
	if h.XrplSigners != nil {
		t.Errorf("xrpl signers should be absent")
	}
	if len(f.sinks.keys[0]) != 1 || len(f.sinks.keys[0][0]) != 48 {
		t.Errorf("unexpected notary keys: %v", f.sinks.keys[0])
	}
}

// TestPostFinalizedRejects tests malformed headers.
func TestPostFinalizedRejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", `{"number":1,"extra":true}`},
		{"unknown chain", `{"number":1,"proofRequests":[{"chain":"btc","eventId":1,"data":"0x00"}]}`},
		{"short digest", `{"number":1,"proofRequests":[{"chain":"eth","eventId":1,"data":"0x00"}]}`},
		{"empty set", `{"number":1,"authoritiesChange":{"id":2,"proofThreshold":1,"validators":[]}}`},
		{"short validator", `{"number":1,"xrplSigners":{"id":2,"proofThreshold":1,"validators":["0x02"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, httptest.NewRequest("POST", "/finalized", strings.NewReader(tt.body)))

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
		})
	}

	if len(f.sinks.headers) != 0 {
		t.Errorf("rejected headers reached the sink")
	}
}

// TestPostChallenges tests challenge ingest.
func TestPostChallenges(t *testing.T) {
	f := newFixture(t)

	body := `[{"txHash":"0x` + strings.Repeat("01", 32) + `","ledgerIndex":77}]`

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest("POST", "/challenges", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var hash [32]byte
	for i := range hash {
		hash[i] = 0x01
	}

	if f.sinks.challenges[hash] != 77 {
		t.Errorf("challenge not recorded: %v", f.sinks.challenges)
	}
}

// TestSubscribeEventProofs tests per-chain websocket delivery.
func TestSubscribeEventProofs(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/event-proofs"

	eth, _, err := websocket.DefaultDialer.Dial(base, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer eth.Close()

	xrp, _, err := websocket.DefaultDialer.Dial(base+"?chain=xrpl", nil)
	if err != nil {
		t.Fatalf("dial xrpl: %v", err)
	}
	defer xrp.Close()

	waitFor(t, func() bool { return f.hub.Len() == 2 })

	f.hub.Notify(bridge.ChainXrpl, f.proof(t, 21))
	f.hub.Notify(bridge.ChainEthereum, f.proof(t, 20))

	eth.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ethResp proof.EventProofResponse
	if err := eth.ReadJSON(&ethResp); err != nil {
		t.Fatalf("read ethereum proof: %v", err)
	}
	if ethResp.EventID != 20 || len(ethResp.Validators) != 2 {
		t.Errorf("unexpected ethereum proof: %+v", ethResp)
	}

	xrp.SetReadDeadline(time.Now().Add(5 * time.Second))
	var xrpResp proof.XrplTxProofResponse
	if err := xrp.ReadJSON(&xrpResp); err != nil {
		t.Fatalf("read xrpl proof: %v", err)
	}
	if xrpResp.EventID != 21 || len(xrpResp.Signers) != 1 {
		t.Errorf("unexpected xrpl proof: %+v", xrpResp)
	}

	eth.Close()
	waitFor(t, func() bool { return f.hub.Len() == 1 })
}

// TestSubscribeUnknownChain tests that bad chains are refused before upgrade.
func TestSubscribeUnknownChain(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest("GET", "/ws/event-proofs?chain=btc", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

// waitFor polls cond for up to five seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
