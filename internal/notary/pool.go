package notary

import (
	"bytes"
	"cmp"
	"errors"
	"slices"
	"sync"
)

// ErrDuplicateTag is returned when a pooled transaction already provides the same tag.
var ErrDuplicateTag = errors.New("transaction tag already in pool")

// ValidTransaction describes an admitted unsigned transaction.
type ValidTransaction struct {
	TagPrefix string   // TagPrefix namespaces Provides
	Provides  [][]byte // Provides are the tags the transaction occupies
	Longevity uint64   // Longevity is the number of blocks the transaction stays valid
	Propagate bool     // Propagate allows gossiping the transaction
}

// tag returns the pool key of v.
func (v ValidTransaction) tag() string {
	return v.TagPrefix + "/" + string(bytes.Join(v.Provides, nil))
}

// poolEntry is a pooled transaction.
type poolEntry struct {
	tx      *Transaction // tx is the pooled transaction
	expires uint64       // expires is the last block the transaction is valid in
	seq     uint64       // seq orders entries by admission
}

// Pool holds admitted notarizations until they are dispatched.
// At most one transaction is kept per tag.
type Pool struct {
	entries map[string]poolEntry // entries are keyed by tag
	seq     uint64               // seq is the next admission number
	mu      sync.Mutex           // mu protects entries and seq
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]poolEntry)}
}

// Submit admits tx at block under the tags of valid.
func (p *Pool) Submit(tx *Transaction, valid ValidTransaction, block uint64) error {
	tag := valid.tag()

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[tag]; ok && e.expires >= block {
		return ErrDuplicateTag
	}

	p.entries[tag] = poolEntry{tx: tx, expires: block + valid.Longevity, seq: p.seq}
	p.seq++

	return nil
}

// Drain removes and returns the transactions still valid at block, in admission order.
// Expired transactions are dropped.
func (p *Pool) Drain(block uint64) []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make([]poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.expires >= block {
			live = append(live, e)
		}
	}

	clear(p.entries)

	slices.SortFunc(live, func(a, b poolEntry) int { return cmp.Compare(a.seq, b.seq) })

	txs := make([]*Transaction, len(live))
	for i, e := range live {
		txs[i] = e.tx
	}

	return txs
}

// Prune drops transactions expired at block.
func (p *Pool) Prune(block uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tag, e := range p.entries {
		if e.expires < block {
			delete(p.entries, tag)
		}
	}
}

// Len returns the number of pooled transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}
