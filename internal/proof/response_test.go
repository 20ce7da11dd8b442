package proof

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
	"Ethy/internal/xrpl"
)

// fixture is a signed proof over a three-member set.
type fixture struct {
	ks     *keystore.Keystore
	ids    []bridge.AuthorityID
	set    *bridge.ValidatorSet
	digest [32]byte
	vp     *bridge.VersionedEventProof
}

// newFixture signs digest with authorities 0 and 2.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{ks: keystore.New(), digest: keystore.Keccak256([]byte("transfer"))}

	for i := 0; i < 3; i++ {
		id, err := f.ks.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		f.ids = append(f.ids, id)
	}

	set, err := bridge.NewValidatorSet(4, 2, f.ids)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	f.set = set

	p := &bridge.EventProof{Digest: f.digest, EventID: 9, ValidatorSetID: 4}
	p.Block[0] = 0xBB

	for _, i := range []uint32{0, 2} {
		sig, err := f.ks.Sign(f.ids[i], f.digest)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		p.Signatures = append(p.Signatures, bridge.SignatureEntry{Index: i, Signature: sig})
	}

	f.vp = bridge.Seal(p)

	return f
}

// TestEventProofResponse tests expansion and JSON shape.
func TestEventProofResponse(t *testing.T) {
	f := newFixture(t)

	resp, err := BuildEventProofResponse(f.vp, f.set)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(resp.Signatures) != 3 || len(resp.Validators) != 3 {
		t.Fatalf("lengths: %d signatures, %d validators", len(resp.Signatures), len(resp.Validators))
	}

	for _, b := range resp.Signatures[1] {
		if b != 0 {
			t.Fatalf("missing signer should have the empty signature")
		}
	}

	addr, _ := keystore.EthereumAddress(f.ids[2])
	if resp.Validators[2] != addr {
		t.Errorf("validator address: got %s", resp.Validators[2].Hex())
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	text := string(raw)
	for _, want := range []string{`"eventId":9`, `"validatorSetId":4`, `"tag":null`, `"block":"0xbb`} {
		if !strings.Contains(text, want) {
			t.Errorf("json missing %s: %s", want, text)
		}
	}
}

// TestXrplTxProofResponse tests signer filtering and alignment.
func TestXrplTxProofResponse(t *testing.T) {
	f := newFixture(t)

	xrplSigners, _ := bridge.NewValidatorSet(1, 1, []bridge.AuthorityID{f.ids[2], f.ids[1]})

	resp, err := BuildXrplTxProofResponse(f.vp, f.set, xrplSigners)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(resp.Signatures) != 1 || len(resp.Signers) != 1 || len(resp.SignerKeys) != 1 {
		t.Fatalf("only authority 2 is both enrolled and signing: %+v", resp)
	}

	want := xrpl.AccountIDFromPublicKey(f.ids[2][:]).ClassicAddress()
	if resp.Signers[0] != want {
		t.Errorf("signer: got %s, want %s", resp.Signers[0], want)
	}

	sig, err := ecdsa.ParseDERSignature(resp.Signatures[0])
	if err != nil {
		t.Fatalf("parse der: %v", err)
	}

	pub, _ := secp256k1.ParsePubKey(resp.SignerKeys[0])
	if !sig.Verify(f.digest[:], pub) {
		t.Errorf("der signature does not verify")
	}
}

// TestNormalizedDERLowS tests that a high-S signature is normalised.
func TestNormalizedDERLowS(t *testing.T) {
	f := newFixture(t)
	orig := f.vp.Proof.Signatures[0].Signature

	var s secp256k1.ModNScalar
	s.SetByteSlice(orig[32:64])
	s.Negate()

	high := orig
	sBytes := s.Bytes()
	copy(high[32:64], sBytes[:])

	a, err := NormalizedDER(orig)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := NormalizedDER(high)
	if err != nil {
		t.Fatalf("normalize high: %v", err)
	}

	if string(a) != string(b) {
		t.Errorf("both forms should encode identically")
	}

	if _, err := NormalizedDER(bridge.EmptySignature); err == nil {
		t.Errorf("empty signature accepted")
	}
}
