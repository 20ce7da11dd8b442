package notary

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"Ethy/internal/bridge"
	"Ethy/internal/gossip"
	"Ethy/internal/logger"
	"Ethy/internal/metrics"
	"Ethy/internal/storage"
	"Ethy/internal/xrpl"
)

const (
	// DefaultCallsPerBlock is the number of pending calls checked per round.
	DefaultCallsPerBlock = 10

	// DefaultCallTimeout bounds one XRPL check.
	DefaultCallTimeout = 5 * time.Second

	// DefaultConcurrency bounds parallel XRPL checks.
	DefaultConcurrency = 4

	// DefaultHistory is the number of resolutions kept.
	DefaultHistory = 256

	// TagPrefix namespaces notarization pool tags.
	TagPrefix = "xrp-bridge"

	// Longevity is the number of blocks a notarization stays in the pool.
	Longevity = 3
)

var (
	// ErrInvalidClaim is returned for a call that is not active.
	ErrInvalidClaim = errors.New("invalid claim")

	// ErrBadProof is returned for a bad index, equivocation or a bad signature.
	ErrBadProof = errors.New("bad proof")
)

// Callback receives decided calls.
type Callback interface {
	OnResolved(res Resolution)
}

// Checker looks up XRPL transactions.
type Checker interface {
	Tx(ctx context.Context, hash [32]byte) (*xrpl.TxResult, error)
}

// Submitter sends signed notarizations, fire-and-forget.
type Submitter interface {
	Submit(tx *Transaction)
}

// KeySource derives seeds from local authority keys.
type KeySource interface {
	DeriveSeed(id bridge.AuthorityID, domain string) ([32]byte, error)
}

// Config holds the engine parameters.
type Config struct {
	ThresholdNum  uint32        // ThresholdNum is the threshold numerator
	ThresholdDen  uint32        // ThresholdDen is the threshold denominator
	CallsPerBlock int           // CallsPerBlock bounds the calls checked per round
	CallTimeout   time.Duration // CallTimeout bounds one XRPL check
	Concurrency   int64         // Concurrency bounds parallel checks
	History       int           // History is the number of resolutions kept
}

// DefaultConfig returns a 2/3 threshold engine config.
func DefaultConfig() Config {
	return Config{
		ThresholdNum:  2,
		ThresholdDen:  3,
		CallsPerBlock: DefaultCallsPerBlock,
		CallTimeout:   DefaultCallTimeout,
		Concurrency:   DefaultConcurrency,
		History:       DefaultHistory,
	}
}

// Params holds the engine's collaborators.
type Params struct {
	Config    Config           // Config holds the engine parameters
	DB        *storage.Storage // DB persists the ledger
	Source    ChallengeSource  // Source supplies challenged transactions
	Callback  Callback         // Callback receives resolutions, may be nil
	Checker   Checker          // Checker queries XRPL
	Submitter Submitter        // Submitter sends local notarizations
	Keys      KeySource        // Keys derives the local notary key, may be nil
	Metrics   *metrics.Metrics // Metrics records engine activity, may be nil
}

// Engine schedules chain calls, notarizes them off-chain and aggregates notarizations.
type Engine struct {
	p      Params      // p holds the collaborators
	cfg    Config      // cfg is the validated config
	ledger *ledger     // ledger is the persisted state
	keys   []PublicKey // keys is the notary set by authority index
	mu     sync.Mutex  // mu serialises ledger and keys

	pool    *Pool         // pool holds admitted notarizations
	block   atomic.Uint64 // block is the last dispatched block
	running atomic.Bool   // running guards against overlapping rounds

	localKeys map[bridge.AuthorityID]*KeyPair // localKeys caches derived notary keys
	keysMu    sync.Mutex                      // keysMu protects localKeys
}

// NewEngine loads the ledger and creates an engine.
func NewEngine(p Params) (*Engine, error) {
	cfg := p.Config
	if cfg.ThresholdDen == 0 || cfg.ThresholdNum == 0 || cfg.ThresholdNum > cfg.ThresholdDen {
		return nil, fmt.Errorf("invalid threshold %d/%d", cfg.ThresholdNum, cfg.ThresholdDen)
	}
	if cfg.CallsPerBlock <= 0 {
		cfg.CallsPerBlock = DefaultCallsPerBlock
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}

	l, err := openLedger(p.DB, cfg.History)
	if err != nil {
		return nil, err
	}

	p.Metrics.SetPendingCalls(len(l.pending))

	return &Engine{
		p:         p,
		cfg:       cfg,
		ledger:    l,
		pool:      NewPool(),
		localKeys: make(map[bridge.AuthorityID]*KeyPair),
	}, nil
}

// SetNotaryKeys replaces the notary set. Index i is authority index i.
func (e *Engine) SetNotaryKeys(keys []PublicKey) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.keys = append([]PublicKey(nil), keys...)
}

// NotaryCount returns the size of the notary set.
func (e *Engine) NotaryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.keys)
}

// Schedule moves up to max challenged transactions into the pending list.
func (e *Engine) Schedule(max int) ([]ChainCallRequest, error) {
	if max <= 0 || e.p.Source == nil {
		return nil, nil
	}

	reqs := e.p.Source.Challenged(max)
	if len(reqs) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	scheduled, err := e.ledger.schedule(reqs)
	if err != nil {
		return nil, fmt.Errorf("schedule chain calls:\n%w", err)
	}

	for _, req := range scheduled {
		logger.Info("scheduled chain call", "call", req.ID, "ledger", req.LedgerIndex)
	}
	e.p.Metrics.SetPendingCalls(len(e.ledger.pending))

	return scheduled, nil
}

// NotaryKey returns the notary key derived from a local authority key.
func (e *Engine) NotaryKey(local bridge.AuthorityID) (*KeyPair, error) {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()

	if k, ok := e.localKeys[local]; ok {
		return k, nil
	}

	if e.p.Keys == nil {
		return nil, errors.New("no key source")
	}

	seed, err := e.p.Keys.DeriveSeed(local, KeygenDomain)
	if err != nil {
		return nil, fmt.Errorf("derive notary seed:\n%w", err)
	}

	k, err := NewKeyPair(seed)
	if err != nil {
		return nil, err
	}

	e.localKeys[local] = k

	return k, nil
}

// RunOffchainRound checks the oldest pending calls not yet notarized by authorityIndex
// and submits a signed notarization for each definitive answer.
// Returns the number of notarizations submitted. Overlapping calls return immediately.
func (e *Engine) RunOffchainRound(ctx context.Context, local bridge.AuthorityID, authorityIndex uint16) (int, error) {
	if !e.running.CompareAndSwap(false, true) {
		logger.Debug("off-chain round already running")
		return 0, nil
	}
	defer e.running.Store(false)

	key, err := e.NotaryKey(local)
	if err != nil {
		return 0, err
	}

	calls, err := e.roundCalls(key, authorityIndex)
	if err != nil || len(calls) == 0 {
		return 0, err
	}

	start := time.Now()
	defer func() { e.p.Metrics.ObserveOffchain(time.Since(start).Seconds()) }()

	sem := semaphore.NewWeighted(e.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)

	var submitted atomic.Int64

	for _, req := range calls {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			result, ok := e.check(gctx, req)
			if !ok {
				return nil
			}

			tx := NewTransaction(Payload{CallID: req.ID, AuthorityIndex: authorityIndex, Result: result}, key)
			e.p.Submitter.Submit(tx)
			e.p.Metrics.IncNotarization(result.Kind())
			submitted.Add(1)

			logger.Debug("submitted notarization", "call", req.ID, "index", authorityIndex, "result", result.Kind())
			return nil
		})
	}

	_ = g.Wait()

	return int(submitted.Load()), ctx.Err()
}

// roundCalls returns the calls this authority still has to notarize.
func (e *Engine) roundCalls(key *KeyPair, index uint16) ([]ChainCallRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if int(index) >= len(e.keys) || e.keys[index] != key.PublicKey() {
		return nil, fmt.Errorf("local notary key is not at index %d", index)
	}

	limit := min(e.cfg.CallsPerBlock, len(e.ledger.pending))

	var calls []ChainCallRequest
	for _, id := range e.ledger.pending[:limit] {
		if !e.ledger.hasVoted(id, index) {
			calls = append(calls, e.ledger.info[id])
		}
	}

	return calls, nil
}

// check queries XRPL for req. Returns false when no notarization should be made.
func (e *Engine) check(ctx context.Context, req ChainCallRequest) (ChainCallResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	tx, err := e.p.Checker.Tx(ctx, req.TxHash)

	switch {
	case err == nil && tx.LedgerIndex != req.LedgerIndex:
		logger.Debug("chain call ledger mismatch", "call", req.ID, "want", req.LedgerIndex, "got", tx.LedgerIndex)
		return CallFailed, true

	case err == nil:
		return ChainCallResult{
			TxHash:      tx.Hash,
			LedgerIndex: tx.LedgerIndex,
			Amount:      tx.Amount,
			Destination: tx.Destination,
		}, true

	case errors.Is(err, xrpl.ErrNotValidated), errors.Is(err, xrpl.ErrTxFailed),
		errors.Is(err, xrpl.ErrTxNotFound), errors.Is(err, xrpl.ErrUnsupportedAmount),
		errors.Is(err, xrpl.ErrHashMismatch):
		logger.Debug("chain call failed", "call", req.ID, "error", err)
		return CallFailed, true

	default:
		logger.Warn("chain call check error", "call", req.ID, "error", err)
		return ChainCallResult{}, false
	}
}

// reached reports whether count meets the threshold of an n-member set.
func (e *Engine) reached(count uint32, n int) bool {
	return uint64(count)*uint64(e.cfg.ThresholdDen) >= uint64(e.cfg.ThresholdNum)*uint64(n)
}

// HandleNotarization records authorityIndex's result for callID and resolves the call
// when the result reaches the threshold or no result can.
func (e *Engine) HandleNotarization(callID uint64, result ChainCallResult, authorityIndex uint16) error {
	res, err := e.handleNotarization(callID, result, authorityIndex)
	if err != nil {
		return err
	}

	if res != nil && e.p.Callback != nil {
		e.p.Callback.OnResolved(*res)
	}

	return nil
}

// handleNotarization updates the ledger and returns the resolution, if any.
func (e *Engine) handleNotarization(callID uint64, result ChainCallResult, index uint16) (*Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.keys)
	if n == 0 {
		return nil, fmt.Errorf("%w: no notary set", ErrBadProof)
	}

	if !e.ledger.active(callID) {
		return nil, fmt.Errorf("%w: call %d not active", ErrInvalidClaim, callID)
	}
	if e.ledger.hasVoted(callID, index) {
		return nil, fmt.Errorf("%w: index %d already notarized call %d", ErrBadProof, index, callID)
	}

	counts, err := e.ledger.recordVote(callID, index, result)
	if err != nil {
		return nil, err
	}

	if e.reached(counts[result], n) {
		return e.resolve(callID, result, true, n)
	}

	var total uint32
	for _, c := range counts {
		total += c
	}

	best := mostLikely(counts, result)

	remaining := uint32(max(n-int(total), 0))
	if int(total) >= n || !e.reached(counts[best]+remaining, n) {
		return e.resolve(callID, best, false, n)
	}

	return nil, nil
}

// mostLikely returns the result with the highest count.
// Ties go to submitted, then to the lowest result encoding.
func mostLikely(counts map[ChainCallResult]uint32, submitted ChainCallResult) ChainCallResult {
	best := submitted
	for r, c := range counts {
		switch {
		case c < counts[best]:
			continue
		case c > counts[best]:
		case best == submitted:
			continue
		case r != submitted && bytes.Compare(appendResult(nil, r), appendResult(nil, best)) >= 0:
			continue
		}
		best = r
	}

	return best
}

// resolve purges callID with result. Caller holds mu.
func (e *Engine) resolve(callID uint64, result ChainCallResult, reached bool, n int) (*Resolution, error) {
	res := Resolution{
		CallID:       callID,
		Result:       result,
		Reached:      reached,
		SignerBitmap: BuildSignerBitmap(e.ledger.signersOf(callID, result), n),
	}

	if err := e.ledger.resolve(res); err != nil {
		return nil, err
	}

	outcome := "reached"
	if !reached {
		outcome = "most_likely"
	}

	logger.Info("chain call resolved", "call", callID, "result", result.Kind(), "outcome", outcome)
	e.p.Metrics.IncResolution(outcome)
	e.p.Metrics.SetPendingCalls(len(e.ledger.pending))

	return &res, nil
}

// ValidateUnsigned checks a notarization before it enters the pool.
func (e *Engine) ValidateUnsigned(tx *Transaction) (ValidTransaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := tx.Payload

	if int(p.AuthorityIndex) >= len(e.keys) {
		return ValidTransaction{}, fmt.Errorf("%w: index %d out of range", ErrBadProof, p.AuthorityIndex)
	}

	if e.ledger.hasVoted(p.CallID, p.AuthorityIndex) {
		return ValidTransaction{}, fmt.Errorf("%w: index %d already notarized call %d", ErrBadProof, p.AuthorityIndex, p.CallID)
	}

	if !Verify(e.keys[p.AuthorityIndex], tx.Signature, p.Encode()) {
		return ValidTransaction{}, fmt.Errorf("%w: signature", ErrBadProof)
	}

	if !e.ledger.active(p.CallID) {
		return ValidTransaction{}, fmt.Errorf("%w: call %d not active", ErrInvalidClaim, p.CallID)
	}

	return ValidTransaction{
		TagPrefix: TagPrefix,
		Provides: [][]byte{
			[]byte("notarize"),
			binary.BigEndian.AppendUint64(nil, uint64(payloadTypeNotarize)),
			binary.BigEndian.AppendUint64(nil, p.CallID),
			binary.BigEndian.AppendUint64(nil, uint64(p.AuthorityIndex)),
		},
		Longevity: Longevity,
		Propagate: true,
	}, nil
}

// Validate admits a gossiped notarization into the pool.
func (e *Engine) Validate(sender string, data []byte) gossip.Result {
	tx, err := DecodeTransaction(data)
	if err != nil {
		logger.Debug("undecodable notarization", "peer", sender, "error", err)
		return gossip.Discard
	}

	valid, err := e.ValidateUnsigned(tx)
	if err != nil {
		logger.Debug("rejected notarization", "peer", sender, "call", tx.Payload.CallID, "error", err)
		return gossip.Discard
	}

	if err := e.pool.Submit(tx, valid, e.block.Load()); err != nil {
		return gossip.Discard
	}

	if !valid.Propagate {
		return gossip.Discard
	}

	return gossip.ProcessAndKeep
}

// MessageExpired reports whether a gossiped notarization can no longer be applied.
func (e *Engine) MessageExpired(data []byte) bool {
	tx, err := DecodeTransaction(data)
	if err != nil {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return !e.ledger.active(tx.Payload.CallID) || e.ledger.hasVoted(tx.Payload.CallID, tx.Payload.AuthorityIndex)
}

// MessageAllowed permits relay of notarizations that have not expired.
func (e *Engine) MessageAllowed(_ string, _ gossip.Intent, data []byte) bool {
	return !e.MessageExpired(data)
}

// Dispatch applies the pooled notarizations still valid at block.
// Returns the number applied.
func (e *Engine) Dispatch(block uint64) int {
	e.block.Store(block)

	applied := 0
	for _, tx := range e.pool.Drain(block) {
		p := tx.Payload
		if err := e.HandleNotarization(p.CallID, p.Result, p.AuthorityIndex); err != nil {
			logger.Debug("notarization not applied", "call", p.CallID, "index", p.AuthorityIndex, "error", err)
			continue
		}
		applied++
	}

	return applied
}

// Pending returns the active calls in schedule order.
func (e *Engine) Pending() []ChainCallRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ChainCallRequest, len(e.ledger.pending))
	for i, id := range e.ledger.pending {
		out[i] = e.ledger.info[id]
	}

	return out
}

// Resolutions returns the most recent resolutions, oldest first.
func (e *Engine) Resolutions() []Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Resolution(nil), e.ledger.resolutions...)
}

// Pool returns the notarization pool.
func (e *Engine) Pool() *Pool {
	return e.pool
}
