package integration

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"Ethy/internal/api"
	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
)

// postAll sends the same finalized header to every node.
func postAll(t *testing.T, c *Cluster, h *api.FinalizedHeaderJSON) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < c.Size(); i++ {
		if err := c.Client(i).PostFinalized(ctx, h); err != nil {
			t.Fatalf("post header %d to node %d: %v", h.Number, i, err)
		}
	}
}

// activateSet posts a header rotating in every node's authority and waits for it to apply.
func activateSet(t *testing.T, c *Cluster, threshold uint32) {
	t.Helper()

	validators := make([]hexutil.Bytes, c.Size())
	for i, id := range c.Authorities() {
		validators[i] = append(hexutil.Bytes(nil), id[:]...)
	}

	postAll(t, c, &api.FinalizedHeaderJSON{
		Number: 1,
		Hash:   common.Hash{0x01},
		AuthoritiesChange: &api.ValidatorSetJSON{
			ID:             1,
			ProofThreshold: threshold,
			Validators:     validators,
		},
	})

	for i := 0; i < c.Size(); i++ {
		cli := c.Client(i)
		waitFor(t, 15*time.Second, "validator set on every node", func() bool {
			s, err := cli.Status(context.Background())
			return err == nil && s.ValidatorSetID == 1 && s.Finalized == 1
		})
	}
}

// TestThreeNodeEventProof tests that witnesses gossiped between three nodes produce the same proof everywhere.
func TestThreeNodeEventProof(t *testing.T) {
	c := NewCluster(t, 3)
	activateSet(t, c, 2)

	digest := keystore.Keccak256([]byte("withdrawal 42"))
	postAll(t, c, &api.FinalizedHeaderJSON{
		Number: 2,
		Hash:   common.Hash{0x02},
		ProofRequests: []api.ProofRequestJSON{
			{Chain: "ethereum", EventID: 42, Data: hexutil.Bytes(digest[:])},
		},
	})

	for i := 0; i < c.Size(); i++ {
		cli := c.Client(i)
		waitFor(t, 30*time.Second, "event proof", func() bool {
			_, err := cli.EventProof(context.Background(), 42)
			return err == nil
		})

		p, err := cli.EventProof(context.Background(), 42)
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}

		if p.ValidatorSetID != 1 || len(p.Validators) != 3 || len(p.Signatures) != 3 {
			t.Errorf("node %d: unexpected proof shape: %+v", i, p)
		}
		if p.Block != (common.Hash{0x02}) {
			t.Errorf("node %d: block: got %s", i, p.Block)
		}

		signed := 0
		for j, sig := range p.Signatures {
			if len(sig) == 0 || allZero(sig) {
				continue
			}
			signed++

			var s bridge.Signature
			copy(s[:], sig)
			if !keystore.Verify(c.Authorities()[j], s, digest) {
				t.Errorf("node %d: signature %d does not verify", i, j)
			}
		}

		if signed < 2 {
			t.Errorf("node %d: proof has %d signatures, want at least 2", i, signed)
		}
	}
}

// TestSubscriptionDelivery tests that a proof made after subscribing is pushed over the websocket.
func TestSubscriptionDelivery(t *testing.T) {
	c := NewCluster(t, 3)
	activateSet(t, c, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := c.Client(0).Subscribe(ctx, bridge.ChainEthereum)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	digest := keystore.Keccak256([]byte("withdrawal 7"))
	postAll(t, c, &api.FinalizedHeaderJSON{
		Number: 2,
		Hash:   common.Hash{0x02},
		ProofRequests: []api.ProofRequestJSON{
			{Chain: "ethereum", EventID: 7, Data: hexutil.Bytes(digest[:])},
		},
	})

	p, err := sub.NextEventProof()
	if err != nil {
		t.Fatalf("next proof: %v", err)
	}

	if p.EventID != 7 {
		t.Errorf("expected event 7, got %d", p.EventID)
	}
}

// allZero reports whether b holds only zero bytes.
func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}
