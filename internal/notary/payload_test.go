package notary

import (
	"bytes"
	"errors"
	"testing"
)

// TestPayloadLayout tests the fixed payload encoding.
func TestPayloadLayout(t *testing.T) {
	p := Payload{CallID: 0x0102, AuthorityIndex: 7, Result: CallFailed}

	want := []byte{0, 0, 0, 0, 0, 0, 0, 0x01, 0x02, 0, 7, 0x01}
	if got := p.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("failed payload: got %x, want %x", got, want)
	}

	ok := Payload{CallID: 1, AuthorityIndex: 2, Result: okResult(5)}
	ok.Result.Destination[19] = 0xEE

	enc := ok.Encode()
	if len(enc) != headerSize+okResultSize || enc[headerSize] != kindOk || enc[len(enc)-1] != 0xEE {
		t.Fatalf("ok payload: %x", enc)
	}

	got, err := DecodePayload(enc)
	if err != nil || *got != ok {
		t.Errorf("decode: %+v %v", got, err)
	}
}

// TestDecodeRejects tests malformed payloads and transactions.
func TestDecodeRejects(t *testing.T) {
	valid := (&Payload{CallID: 1, Result: okResult(1)}).Encode()

	for name, data := range map[string][]byte{
		"empty":         nil,
		"wrong type":    append([]byte{1}, valid[1:]...),
		"unknown kind":  append(append([]byte(nil), valid[:headerSize]...), 0x05),
		"short result":  valid[:len(valid)-1],
		"trailing byte": append(append([]byte(nil), valid...), 0),
	} {
		if _, err := DecodePayload(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: got %v", name, err)
		}
	}

	if _, err := DecodeTransaction(make([]byte, SignatureSize)); !errors.Is(err, ErrMalformed) {
		t.Errorf("short transaction: got %v", err)
	}
}

// TestTransactionSignature tests signing and tamper detection.
func TestTransactionSignature(t *testing.T) {
	key, err := NewKeyPair([32]byte{1})
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	tx := NewTransaction(Payload{CallID: 3, AuthorityIndex: 1, Result: okResult(2)}, key)

	decoded, err := DecodeTransaction(tx.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !Verify(key.PublicKey(), decoded.Signature, decoded.Payload.Encode()) {
		t.Fatalf("signature does not verify")
	}

	decoded.Payload.Result = CallFailed
	if Verify(key.PublicKey(), decoded.Signature, decoded.Payload.Encode()) {
		t.Errorf("tampered payload verifies")
	}

	other, _ := NewKeyPair([32]byte{2})
	if Verify(other.PublicKey(), tx.Signature, tx.Payload.Encode()) {
		t.Errorf("signature verifies under another key")
	}
}

// TestParsePublicKeys tests key size and curve checks.
func TestParsePublicKeys(t *testing.T) {
	key, _ := NewKeyPair([32]byte{1})
	pub := key.PublicKey()

	keys, err := ParsePublicKeys([][]byte{pub[:]})
	if err != nil || keys[0] != pub {
		t.Fatalf("parse: %v %v", keys, err)
	}

	if _, err := ParsePublicKeys([][]byte{pub[:47]}); err == nil {
		t.Errorf("short key accepted")
	}
	if _, err := ParsePublicKeys([][]byte{make([]byte, PublicKeySize)}); err == nil {
		t.Errorf("invalid point accepted")
	}
}

// TestSignerBitmap tests bitmap construction.
func TestSignerBitmap(t *testing.T) {
	bitmap := BuildSignerBitmap([]uint16{0, 3, 9, 12}, 10)

	if len(bitmap) != 2 || bitmap[0] != 0b1001 || bitmap[1] != 0b10 {
		t.Fatalf("bitmap: %08b", bitmap)
	}

	got := ParseSignerBitmap(bitmap)
	if len(got) != 3 || got[0] != 0 || got[1] != 3 || got[2] != 9 {
		t.Errorf("parsed: %v", got)
	}
}

// TestPool tests tag uniqueness and longevity.
func TestPool(t *testing.T) {
	pool := NewPool()

	valid := func(call byte) ValidTransaction {
		return ValidTransaction{TagPrefix: TagPrefix, Provides: [][]byte{{call}}, Longevity: 3}
	}

	a := &Transaction{Payload: Payload{CallID: 1}}
	b := &Transaction{Payload: Payload{CallID: 2}}

	if err := pool.Submit(a, valid(1), 10); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := pool.Submit(a, valid(1), 11); !errors.Is(err, ErrDuplicateTag) {
		t.Errorf("duplicate tag: got %v", err)
	}
	if err := pool.Submit(b, valid(2), 12); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	pool.Prune(14)
	if pool.Len() != 1 {
		t.Fatalf("after prune: %d", pool.Len())
	}

	// An expired tag can be reused
	if err := pool.Submit(a, valid(1), 14); err != nil {
		t.Errorf("resubmit expired tag: %v", err)
	}

	txs := pool.Drain(15)
	if len(txs) != 2 || txs[0] != b || txs[1] != a {
		t.Errorf("drain order: %v", txs)
	}
	if pool.Len() != 0 {
		t.Errorf("pool not empty after drain")
	}

	pool.Submit(a, valid(1), 20)
	if txs := pool.Drain(24); len(txs) != 0 {
		t.Errorf("expired transaction dispatched")
	}
}

// TestQueueSource tests FIFO popping.
func TestQueueSource(t *testing.T) {
	q := NewQueueSource()
	for i := byte(1); i <= 3; i++ {
		q.Push([32]byte{i}, uint64(i))
	}

	first := q.Challenged(2)
	if len(first) != 2 || first[0].TxHash[0] != 1 || first[1].LedgerIndex != 2 {
		t.Errorf("first pop: %+v", first)
	}

	if rest := q.Challenged(5); len(rest) != 1 || q.Len() != 0 {
		t.Errorf("second pop: %+v", rest)
	}
	if q.Challenged(1) != nil {
		t.Errorf("empty queue returned items")
	}
}
