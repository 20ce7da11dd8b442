package keystore

import (
	"encoding/hex"
	"errors"
	"testing"

	"Ethy/internal/bridge"
)

// newKey creates an in-memory keystore with one fresh key.
func newKey(t *testing.T) (*Keystore, bridge.AuthorityID) {
	t.Helper()

	ks := New()
	id, err := ks.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	return ks, id
}

// TestSignVerify tests that signatures verify only for the signed digest and key.
func TestSignVerify(t *testing.T) {
	ks, id := newKey(t)
	digest := Keccak256([]byte("I am Alice!"))

	sig, err := ks.Sign(id, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if sig[64] > 1 {
		t.Errorf("recovery id should be 0 or 1, got %d", sig[64])
	}

	if !Verify(id, sig, digest) {
		t.Fatalf("valid signature rejected")
	}

	other := Keccak256([]byte("I am Bob!"))
	if Verify(id, sig, other) {
		t.Errorf("signature verified for a different digest")
	}

	_, bob := newKey(t)
	if Verify(bob, sig, digest) {
		t.Errorf("signature verified for a different key")
	}

	tampered := sig
	tampered[10] ^= 0xFF
	if Verify(id, tampered, digest) {
		t.Errorf("tampered signature accepted")
	}
}

// TestVerifyMalformed tests that malformed inputs are rejected without panicking.
func TestVerifyMalformed(t *testing.T) {
	ks, id := newKey(t)
	digest := Keccak256([]byte("msg"))
	sig, _ := ks.Sign(id, digest)

	var badKey bridge.AuthorityID
	badKey[0] = 0x05
	if Verify(badKey, sig, digest) {
		t.Errorf("invalid public key accepted")
	}

	if Verify(id, bridge.EmptySignature, digest) {
		t.Errorf("empty signature accepted")
	}

	var overflow bridge.Signature
	for i := 0; i < 64; i++ {
		overflow[i] = 0xFF
	}
	if Verify(id, overflow, digest) {
		t.Errorf("overflowing r/s accepted")
	}
}

// TestSignErrors tests typed key errors.
func TestSignErrors(t *testing.T) {
	var nilStore *Keystore
	if _, err := nilStore.Sign(bridge.AuthorityID{}, [32]byte{}); !errors.Is(err, ErrNoKeystore) {
		t.Errorf("expected ErrNoKeystore, got %v", err)
	}

	ks, _ := newKey(t)
	_, missing := newKey(t)
	if _, err := ks.Sign(missing, [32]byte{}); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("expected ErrKeyUnavailable, got %v", err)
	}
}

// TestFindLocalKey tests candidate selection order.
func TestFindLocalKey(t *testing.T) {
	ks, id := newKey(t)
	_, other := newKey(t)

	got, ok := ks.FindLocalKey([]bridge.AuthorityID{other, id})
	if !ok || got != id {
		t.Errorf("expected local key %s, got %s %v", id.Short(), got.Short(), ok)
	}

	if _, ok := ks.FindLocalKey([]bridge.AuthorityID{other}); ok {
		t.Errorf("found key that is not local")
	}

	var nilStore *Keystore
	if _, ok := nilStore.FindLocalKey([]bridge.AuthorityID{id}); ok {
		t.Errorf("nil keystore found a key")
	}
}

// TestOpenPersists tests that generated keys are reloaded from disk.
func TestOpenPersists(t *testing.T) {
	dir := t.TempDir()

	ks, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	id, err := ks.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if _, ok := reopened.FindLocalKey([]bridge.AuthorityID{id}); !ok {
		t.Errorf("key not reloaded")
	}
}

// TestImportKnownKey tests the compressed public key of a known secret.
func TestImportKnownKey(t *testing.T) {
	secret, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")

	id, err := New().Import(secret)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	// Generator point G
	want := "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	if id.String() != want {
		t.Errorf("public key: got %s, want %s", id, want)
	}
}

// TestDeriveSeed tests domain separation of derived seeds.
func TestDeriveSeed(t *testing.T) {
	ks, id := newKey(t)

	a, err := ks.DeriveSeed(id, "one")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	b, _ := ks.DeriveSeed(id, "two")
	if a == b {
		t.Errorf("seeds should differ per domain")
	}

	again, _ := ks.DeriveSeed(id, "one")
	if a != again {
		t.Errorf("seed is not deterministic")
	}
}

// TestEthereumAddress tests the address of a known key.
func TestEthereumAddress(t *testing.T) {
	secret, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	id, _ := New().Import(secret)

	addr, err := EthereumAddress(id)
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	want := "7e5f4552091a69125d5dfcb7b8c2659029395bdf"
	if hex.EncodeToString(addr[:]) != want {
		t.Errorf("address: got %x, want %s", addr, want)
	}
}
