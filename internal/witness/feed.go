package witness

import (
	"errors"
	"fmt"
	"sync"

	"Ethy/internal/bridge"
)

// DefaultRetain is the number of finalized headers kept for backfill.
const DefaultRetain = 1024

// ErrStaleHeader is returned when a header is at or below the pruned range.
var ErrStaleHeader = errors.New("stale header")

// ProofRequest asks validators to witness an event.
type ProofRequest struct {
	ChainID bridge.ChainID // ChainID is the target chain
	EventID uint64         // EventID is unique per chain
	Data    []byte         // Data is the payload to sign, a digest for Ethereum
}

// FinalizedHeader is what the host chain reports for a finalized block.
type FinalizedHeader struct {
	Number            uint64               // Number is the block height
	Hash              [32]byte             // Hash is the block hash
	ProofRequests     []ProofRequest       // ProofRequests are the signing requests in the block
	AuthoritiesChange *bridge.ValidatorSet // AuthoritiesChange is the new active set, if any
	XrplSigners       *bridge.ValidatorSet // XrplSigners is the new XRPL door signer set, if any
}

// Feed is an in-memory ordered store of finalized headers.
// Pushes coalesce into a single pending signal.
type Feed struct {
	headers map[uint64]*FinalizedHeader // headers are the retained headers by number
	latest  uint64                      // latest is the highest pushed number
	retain  uint64                      // retain bounds the number of headers kept
	mu      sync.RWMutex                // mu protects headers and latest
	notify  chan struct{}               // notify signals new headers
}

// NewFeed creates a feed keeping the last retain headers.
func NewFeed(retain int) *Feed {
	if retain <= 0 {
		retain = DefaultRetain
	}

	return &Feed{
		headers: make(map[uint64]*FinalizedHeader),
		retain:  uint64(retain),
		notify:  make(chan struct{}, 1),
	}
}

// Push stores a finalized header and signals the worker.
func (f *Feed) Push(h *FinalizedHeader) error {
	if h == nil {
		return errors.New("nil header")
	}

	for i, req := range h.ProofRequests {
		if !req.ChainID.Valid() {
			return fmt.Errorf("proof request %d: unknown chain %d", i, req.ChainID)
		}
	}

	f.mu.Lock()
	if f.latest > f.retain && h.Number <= f.latest-f.retain {
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStaleHeader, h.Number)
	}

	f.headers[h.Number] = h
	if h.Number > f.latest {
		f.latest = h.Number
		f.prune()
	}
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}

	return nil
}

// prune drops headers that fell out of the retained range. Caller holds mu.
func (f *Feed) prune() {
	if f.latest <= f.retain {
		return
	}

	cutoff := f.latest - f.retain
	for n := range f.headers {
		if n <= cutoff {
			delete(f.headers, n)
		}
	}
}

// Header returns the header at number.
func (f *Feed) Header(number uint64) (*FinalizedHeader, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	h, ok := f.headers[number]

	return h, ok
}

// Latest returns the highest pushed block number.
func (f *Feed) Latest() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.latest
}

// Notifications signals that new headers are available.
func (f *Feed) Notifications() <-chan struct{} {
	return f.notify
}
