package xrpl

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// genesisPub is the public key of the XRPL genesis account.
const genesisPub = "0330E7FC9D56BB25D6893BA3F317AE5BCF33B3291BD63DB32654A313222F7FD020"

// genesisAddr is the classic address of the XRPL genesis account.
const genesisAddr = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"

// mustHex decodes a hex string or fails the test.
func mustHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}

	return b
}

// TestAccountIDFromPublicKey tests the genesis account derivation.
func TestAccountIDFromPublicKey(t *testing.T) {
	id := AccountIDFromPublicKey(mustHex(t, genesisPub))

	if got := strings.ToUpper(hex.EncodeToString(id[:])); got != "B5F762798A53D543A014CAF8B297CFF8F2F937E8" {
		t.Errorf("account id: got %s", got)
	}

	if got := id.ClassicAddress(); got != genesisAddr {
		t.Errorf("classic address: got %s, want %s", got, genesisAddr)
	}
}

// TestDecodeClassicAddress tests round-trip and checksum rejection.
func TestDecodeClassicAddress(t *testing.T) {
	id, err := DecodeClassicAddress(genesisAddr)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if id != AccountIDFromPublicKey(mustHex(t, genesisPub)) {
		t.Errorf("decoded id mismatch")
	}

	// Swap two characters to break the checksum
	broken := genesisAddr[:5] + string(genesisAddr[6]) + string(genesisAddr[5]) + genesisAddr[7:]
	if _, err := DecodeClassicAddress(broken); err == nil {
		t.Errorf("expected checksum error")
	}
}

// TestMultiSigningDigestPerSigner tests that each signer gets a distinct digest.
func TestMultiSigningDigestPerSigner(t *testing.T) {
	data := []byte("payment blob")

	a := MultiSigningDigest(data, mustHex(t, genesisPub))
	b := MultiSigningDigest(data, mustHex(t, "02"+strings.Repeat("11", 32)))

	if a == b {
		t.Fatalf("digests should differ per signer")
	}

	if a != MultiSigningDigest(data, mustHex(t, genesisPub)) {
		t.Errorf("digest is not deterministic")
	}
}

// serveXrpl starts a websocket server answering every request with reply.
func serveXrpl(t *testing.T, reply func(req map[string]any) map[string]any) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		resp := reply(req)
		if resp == nil {
			// Hang until the client gives up
			time.Sleep(time.Second)
			return
		}

		conn.WriteJSON(resp)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// txReply builds a "tx" response for hash.
func txReply(hash string, validated bool, result string) map[string]any {
	return map[string]any{
		"id":     1,
		"status": "success",
		"type":   "response",
		"result": map[string]any{
			"hash":         hash,
			"ledger_index": 7_000_001,
			"validated":    validated,
			"Amount":       "2500000",
			"Destination":  genesisAddr,
			"meta":         map[string]any{"TransactionResult": result},
		},
	}
}

// TestClientTx tests a successful validated payment lookup.
func TestClientTx(t *testing.T) {
	var hash [32]byte
	hash[0] = 0xAB
	hashHex := strings.ToUpper(hex.EncodeToString(hash[:]))

	url := serveXrpl(t, func(req map[string]any) map[string]any {
		if req["command"] != "tx" || req["transaction"] != hashHex {
			t.Errorf("unexpected request: %v", req)
		}
		return txReply(hashHex, true, "tesSUCCESS")
	})

	res, err := NewClient(url).Tx(context.Background(), hash)
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	if res.LedgerIndex != 7_000_001 || res.Amount != 2_500_000 {
		t.Errorf("unexpected result: %+v", res)
	}

	if res.Destination.ClassicAddress() != genesisAddr {
		t.Errorf("destination: got %s", res.Destination)
	}
}

// TestClientTxRejects tests unvalidated and failed transactions.
func TestClientTxRejects(t *testing.T) {
	var hash [32]byte
	hashHex := strings.ToUpper(hex.EncodeToString(hash[:]))

	url := serveXrpl(t, func(map[string]any) map[string]any {
		return txReply(hashHex, false, "tesSUCCESS")
	})
	if _, err := NewClient(url).Tx(context.Background(), hash); !errors.Is(err, ErrNotValidated) {
		t.Errorf("expected ErrNotValidated, got %v", err)
	}

	url = serveXrpl(t, func(map[string]any) map[string]any {
		return txReply(hashHex, true, "tecUNFUNDED_PAYMENT")
	})
	if _, err := NewClient(url).Tx(context.Background(), hash); !errors.Is(err, ErrTxFailed) {
		t.Errorf("expected ErrTxFailed, got %v", err)
	}
}

// TestClientTxDefinitiveErrors tests answers that identify a missing or unusable transaction.
func TestClientTxDefinitiveErrors(t *testing.T) {
	var hash [32]byte
	hashHex := strings.ToUpper(hex.EncodeToString(hash[:]))

	var other [32]byte
	other[0] = 1
	otherHex := strings.ToUpper(hex.EncodeToString(other[:]))

	tests := []struct {
		name  string
		reply func() map[string]any
		want  error
	}{
		{"not found", func() map[string]any {
			return map[string]any{"id": 1, "status": "error", "type": "response", "error": "txnNotFound"}
		}, ErrTxNotFound},
		{"issued currency", func() map[string]any {
			r := txReply(hashHex, true, "tesSUCCESS")
			r["result"].(map[string]any)["Amount"] = map[string]any{"currency": "USD", "value": "1"}
			return r
		}, ErrUnsupportedAmount},
		{"other hash", func() map[string]any {
			return txReply(otherHex, true, "tesSUCCESS")
		}, ErrHashMismatch},
	}

	for _, tt := range tests {
		url := serveXrpl(t, func(map[string]any) map[string]any { return tt.reply() })
		if _, err := NewClient(url).Tx(context.Background(), hash); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}

	url := serveXrpl(t, func(map[string]any) map[string]any {
		return map[string]any{"id": 1, "status": "error", "type": "response", "error": "tooBusy"}
	})
	_, err := NewClient(url).Tx(context.Background(), hash)
	if err == nil || errors.Is(err, ErrTxNotFound) {
		t.Errorf("busy server: got %v", err)
	}
}

// TestClientTxTimeout tests that a silent server is bounded by the context.
func TestClientTxTimeout(t *testing.T) {
	url := serveXrpl(t, func(map[string]any) map[string]any { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := NewClient(url).Tx(ctx, [32]byte{}); err == nil {
		t.Fatalf("expected timeout error")
	}

	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("request not bounded by context: %v", time.Since(start))
	}
}
