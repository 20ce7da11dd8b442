package gossip

import (
	"sync"
	"testing"
	"time"

	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
	"Ethy/internal/metrics"
)

// testNet holds a keystore and a validator set made of its keys.
type testNet struct {
	ks  *keystore.Keystore
	ids []bridge.AuthorityID
	set *bridge.ValidatorSet
}

// newTestNet creates n local authorities in one validator set.
func newTestNet(t *testing.T, n int) *testNet {
	t.Helper()

	ks := keystore.New()
	ids := make([]bridge.AuthorityID, n)

	for i := range ids {
		id, err := ks.Generate()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		ids[i] = id
	}

	set, err := bridge.NewValidatorSet(1, uint32(n), ids)
	if err != nil {
		t.Fatalf("validator set: %v", err)
	}

	return &testNet{ks: ks, ids: ids, set: set}
}

// witness returns an encoded witness signed by authority i.
func (n *testNet) witness(t *testing.T, i int, eventID, block uint64) []byte {
	t.Helper()

	digest := keystore.Keccak256([]byte("event"), []byte{byte(eventID)})

	sig, err := n.ks.Sign(n.ids[i], digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	w := &bridge.Witness{
		Digest:         digest,
		ChainID:        bridge.ChainEthereum,
		EventID:        eventID,
		ValidatorSetID: n.set.ID,
		AuthorityID:    n.ids[i],
		Signature:      sig,
		BlockNumber:    block,
	}

	return w.Encode()
}

// TestValidateAccepts tests the happy path and duplicate rejection.
func TestValidateAccepts(t *testing.T) {
	net := newTestNet(t, 3)
	v := NewValidator(DefaultConfig(), net.set)

	msg := net.witness(t, 0, 1, 10)

	if got := v.Validate("peer", msg); got != ProcessAndKeep {
		t.Fatalf("first witness: got %s, want process_and_keep", got)
	}

	if got := v.Validate("peer", msg); got != Discard {
		t.Errorf("duplicate witness: got %s, want discard", got)
	}

	if got := v.Validate("peer", net.witness(t, 1, 1, 10)); got != ProcessAndKeep {
		t.Errorf("second authority: got %s, want process_and_keep", got)
	}

	if v.VoteCount(1) != 2 {
		t.Errorf("vote count: got %d, want 2", v.VoteCount(1))
	}
}

// TestValidateRejects tests malformed, inactive and tampered witnesses.
func TestValidateRejects(t *testing.T) {
	net := newTestNet(t, 2)
	outsider := newTestNet(t, 1)
	v := NewValidator(DefaultConfig(), net.set)

	if got := v.Validate("peer", []byte{1, 2, 3}); got != Discard {
		t.Errorf("malformed: got %s", got)
	}

	if got := v.Validate("peer", outsider.witness(t, 0, 1, 1)); got != Discard {
		t.Errorf("inactive authority: got %s", got)
	}

	tampered := net.witness(t, 0, 1, 1)
	tampered[0] ^= 0xFF
	if got := v.Validate("peer", tampered); got != Discard {
		t.Errorf("tampered digest: got %s", got)
	}

	if v.IsTracking(1) {
		t.Errorf("rejected witnesses should not be recorded")
	}
}

// TestValidateFloor tests that deprecated events are completed and dropped.
func TestValidateFloor(t *testing.T) {
	net := newTestNet(t, 1)
	v := NewValidator(Config{Floor: 5}, net.set)

	if got := v.Validate("peer", net.witness(t, 0, 4, 1)); got != Discard {
		t.Fatalf("below floor: got %s", got)
	}

	if !v.isComplete(4) {
		t.Errorf("below-floor event should be marked complete")
	}

	v.SetFloor(3)
	if v.Floor() != 5 {
		t.Errorf("floor lowered to %d", v.Floor())
	}

	if got := v.Validate("peer", net.witness(t, 0, 5, 1)); got != ProcessAndKeep {
		t.Errorf("at floor: got %s", got)
	}
}

// TestValidateWindow tests that witnesses behind the live window are recorded but not relayed.
func TestValidateWindow(t *testing.T) {
	net := newTestNet(t, 1)
	v := NewValidator(Config{WindowSize: 5}, net.set)
	v.SetFinalized(20)

	if got := v.Validate("peer", net.witness(t, 0, 1, 14)); got != Discard {
		t.Errorf("behind window: got %s", got)
	}

	if !v.IsTracking(1) {
		t.Errorf("vote should still be recorded")
	}

	if got := v.Validate("peer", net.witness(t, 0, 2, 15)); got != ProcessAndKeep {
		t.Errorf("inside window: got %s", got)
	}
}

// TestMarkComplete tests that completion clears votes and expires messages.
func TestMarkComplete(t *testing.T) {
	net := newTestNet(t, 2)
	m, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	v := NewValidator(DefaultConfig(), net.set, WithMetrics(m))

	msg := net.witness(t, 0, 7, 1)
	v.Validate("peer", msg)

	if v.MessageExpired(msg) {
		t.Fatalf("live message reported expired")
	}

	v.MarkComplete(7)

	if v.IsTracking(7) {
		t.Errorf("votes not cleared")
	}
	if !v.MessageExpired(msg) {
		t.Errorf("completed message not expired")
	}
	if v.MessageAllowed("peer", IntentForward, msg) {
		t.Errorf("completed message allowed")
	}

	// Double completion is tolerated
	v.MarkComplete(7)
}

// TestSetActiveValidators tests that membership changes apply to new witnesses.
func TestSetActiveValidators(t *testing.T) {
	net := newTestNet(t, 2)
	v := NewValidator(DefaultConfig(), nil)

	if got := v.Validate("peer", net.witness(t, 0, 1, 1)); got != Discard {
		t.Fatalf("empty set accepted witness")
	}

	v.SetActiveValidators(net.set)

	if got := v.Validate("peer", net.witness(t, 0, 1, 1)); got != ProcessAndKeep {
		t.Errorf("after rotation: got %s", got)
	}

	if v.ActiveValidators().ID != 1 {
		t.Errorf("active set id: got %d", v.ActiveValidators().ID)
	}
}

// TestRebroadcastGate tests the periodic rebroadcast interval.
func TestRebroadcastGate(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	v := NewValidator(Config{RebroadcastAfter: time.Minute}, nil, WithClock(clock))

	if v.MessageAllowed("peer", IntentPeriodicRebroadcast, nil) {
		t.Fatalf("rebroadcast allowed before interval")
	}

	now = now.Add(time.Minute)

	filter := v.AllowedFilter()
	if !filter("a", IntentPeriodicRebroadcast, nil) {
		t.Fatalf("rebroadcast denied after interval")
	}
	if !filter("b", IntentPeriodicRebroadcast, nil) {
		t.Errorf("same batch should share the gate")
	}

	if v.MessageAllowed("peer", IntentPeriodicRebroadcast, nil) {
		t.Errorf("second batch allowed within interval")
	}
}

// TestValidateConcurrent tests concurrent validation of the same vote.
func TestValidateConcurrent(t *testing.T) {
	net := newTestNet(t, 1)
	v := NewValidator(DefaultConfig(), net.set)
	msg := net.witness(t, 0, 1, 1)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v.Validate("peer", msg) == ProcessAndKeep {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted %d times, want 1", accepted)
	}
}

// TestCompleteCacheFIFO tests eviction order of the complete-events cache.
func TestCompleteCacheFIFO(t *testing.T) {
	c := newCompleteCache(500)

	for id := uint64(1); id <= 500; id++ {
		c.insert(id)
	}

	if got, _ := c.min(); got != 1 {
		t.Fatalf("min: got %d, want 1", got)
	}

	c.insert(501)
	if got, _ := c.min(); got != 2 {
		t.Errorf("after 501: min %d, want 2", got)
	}

	c.insert(502)
	if got, _ := c.min(); got != 3 {
		t.Errorf("after 502: min %d, want 3", got)
	}

	if c.len() != 500 {
		t.Errorf("len: got %d, want 500", c.len())
	}

	if c.insert(502) {
		t.Errorf("duplicate insert succeeded")
	}
	if c.contains(1) || !c.contains(502) {
		t.Errorf("membership wrong after eviction")
	}
}
