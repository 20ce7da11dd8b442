package notary

import "sync"

// ChallengeSource supplies challenged XRPL transactions to schedule.
type ChallengeSource interface {
	Challenged(max int) []ChainCallRequest
}

// QueueSource is an in-memory FIFO ChallengeSource.
type QueueSource struct {
	items []ChainCallRequest // items are the queued challenges, IDs unset
	mu    sync.Mutex         // mu protects items
}

// NewQueueSource creates an empty queue.
func NewQueueSource() *QueueSource {
	return &QueueSource{}
}

// Push queues a challenged transaction.
func (q *QueueSource) Push(txHash [32]byte, ledgerIndex uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, ChainCallRequest{TxHash: txHash, LedgerIndex: ledgerIndex})
}

// Challenged pops up to max queued items.
func (q *QueueSource) Challenged(max int) []ChainCallRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, len(q.items))
	if n <= 0 {
		return nil
	}

	out := append([]ChainCallRequest(nil), q.items[:n]...)
	q.items = q.items[n:]

	return out
}

// Len returns the number of queued items.
func (q *QueueSource) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
