package witness

import (
	"errors"
	"testing"

	"Ethy/internal/bridge"
)

// TestFeedPrune tests that only the last retained headers are kept.
func TestFeedPrune(t *testing.T) {
	f := NewFeed(3)

	for n := uint64(1); n <= 5; n++ {
		if err := f.Push(&FinalizedHeader{Number: n}); err != nil {
			t.Fatalf("push %d: %v", n, err)
		}
	}

	if f.Latest() != 5 {
		t.Errorf("latest: got %d, want 5", f.Latest())
	}

	for n := uint64(1); n <= 5; n++ {
		_, ok := f.Header(n)
		if want := n > 2; ok != want {
			t.Errorf("header %d present: got %v, want %v", n, ok, want)
		}
	}

	if err := f.Push(&FinalizedHeader{Number: 2}); !errors.Is(err, ErrStaleHeader) {
		t.Errorf("stale push: got %v", err)
	}
}

// TestFeedRejects tests validation of pushed headers.
func TestFeedRejects(t *testing.T) {
	f := NewFeed(0)

	if err := f.Push(nil); err == nil {
		t.Errorf("nil header accepted")
	}

	h := &FinalizedHeader{Number: 1, ProofRequests: []ProofRequest{{ChainID: bridge.ChainID(9), EventID: 1}}}
	if err := f.Push(h); err == nil {
		t.Errorf("unknown chain accepted")
	}

	if f.Latest() != 0 {
		t.Errorf("rejected header stored")
	}
}

// TestFeedNotifications tests that pushes coalesce into one signal.
func TestFeedNotifications(t *testing.T) {
	f := NewFeed(0)

	f.Push(&FinalizedHeader{Number: 1})
	f.Push(&FinalizedHeader{Number: 2})

	select {
	case <-f.Notifications():
	default:
		t.Fatalf("no notification pending")
	}

	select {
	case <-f.Notifications():
		t.Errorf("notifications not coalesced")
	default:
	}
}
