package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultDedupTTL is how long a received message hash is remembered.
	DefaultDedupTTL = 5 * time.Second

	// cleanupInterval is the interval between expiry sweeps.
	cleanupInterval = 1 * time.Second
)

// Dedup remembers blake3 hashes of recent messages.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps message hash to first sight (unix nano)
	mu   sync.RWMutex       // mu protects seen
	ttl  int64              // ttl in nanoseconds
	stop chan struct{}      // stop ends the sweep goroutine
	wg   sync.WaitGroup     // wg waits for the sweep goroutine
}

// NewDedup creates a tracker. A zero ttl uses DefaultDedupTTL.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.sweepLoop()

	return d
}

// Check records data and reports whether it was not seen within the TTL.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now().UnixNano()

	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Re-check under the write lock
	if ts, exists = d.seen[hash]; exists && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.seen)
}

// Close stops the sweep goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// sweepLoop drops expired hashes every cleanupInterval.
func (d *Dedup) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep(time.Now().UnixNano())
		case <-d.stop:
			return
		}
	}
}

// sweep removes hashes older than the TTL at now.
func (d *Dedup) sweep(now int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
