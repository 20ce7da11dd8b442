package gossip

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
	"Ethy/internal/logger"
	"Ethy/internal/metrics"
)

const (
	// DefaultCacheSize is the number of recently completed events remembered.
	DefaultCacheSize = 500

	// DefaultRebroadcastAfter is the minimum interval between periodic rebroadcasts.
	DefaultRebroadcastAfter = 5 * time.Minute

	// DefaultWindowSize is the live window in blocks behind the finalized head.
	DefaultWindowSize = 90
)

// Result is the outcome of validating a gossip message.
type Result int

const (
	// Discard drops the message without relaying.
	Discard Result = iota

	// ProcessAndKeep delivers the message locally and relays it.
	ProcessAndKeep
)

// String returns the result name.
func (r Result) String() string {
	if r == ProcessAndKeep {
		return "process_and_keep"
	}
	return "discard"
}

// Intent is the reason a message is about to be sent.
type Intent int

const (
	// IntentBroadcast is a first-time broadcast of a local message.
	IntentBroadcast Intent = iota

	// IntentForward is the relay of a message received from a peer.
	IntentForward

	// IntentPeriodicRebroadcast is a scheduled resend of kept messages.
	IntentPeriodicRebroadcast
)

// VerifyFunc checks a signature over a digest.
type VerifyFunc func(id bridge.AuthorityID, sig bridge.Signature, digest [bridge.DigestSize]byte) bool

// Config configures a Validator.
type Config struct {
	CacheSize        int           // CacheSize bounds the complete-events cache
	RebroadcastAfter time.Duration // RebroadcastAfter gates periodic rebroadcasts
	WindowSize       uint64        // WindowSize is the live window in blocks
	Floor            uint64        // Floor is the initial minimum valid event id
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		CacheSize:        DefaultCacheSize,
		RebroadcastAfter: DefaultRebroadcastAfter,
		WindowSize:       DefaultWindowSize,
	}
}

// Validator polices witness gossip: it deduplicates votes, checks membership
// and signatures, and remembers completed events.
type Validator struct {
	cfg Config // cfg holds the validator configuration

	votes   map[uint64][]bridge.AuthorityID // votes maps event id to sorted voters
	votesMu sync.RWMutex                    // votesMu protects votes

	complete   *completeCache // complete holds recently completed events
	completeMu sync.RWMutex   // completeMu protects complete

	active atomic.Pointer[bridge.ValidatorSet] // active is the current membership snapshot

	nextRebroadcast time.Time  // nextRebroadcast is when the next rebroadcast is allowed
	rebroadcastMu   sync.Mutex // rebroadcastMu protects nextRebroadcast

	floor     atomic.Uint64 // floor is the minimum valid event id
	finalized atomic.Uint64 // finalized is the host chain finalized height

	verify  VerifyFunc       // verify checks witness signatures
	metrics *metrics.Metrics // metrics records outcomes, may be nil
	now     func() time.Time // now is the clock
}

// Option configures optional Validator dependencies.
type Option func(*Validator)

// WithMetrics records validation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// WithVerifier replaces the signature check.
func WithVerifier(fn VerifyFunc) Option {
	return func(v *Validator) { v.verify = fn }
}

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator with an initial active set.
func NewValidator(cfg Config, active *bridge.ValidatorSet, opts ...Option) *Validator {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.RebroadcastAfter <= 0 {
		cfg.RebroadcastAfter = DefaultRebroadcastAfter
	}

	v := &Validator{
		cfg:      cfg,
		votes:    make(map[uint64][]bridge.AuthorityID),
		complete: newCompleteCache(cfg.CacheSize),
		verify:   keystore.Verify,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	if active == nil {
		active = bridge.EmptyValidatorSet()
	}
	v.active.Store(active)
	v.floor.Store(cfg.Floor)
	v.nextRebroadcast = v.now().Add(cfg.RebroadcastAfter)

	return v
}

// Validate checks a raw witness message received from sender.
func (v *Validator) Validate(sender string, data []byte) Result {
	w, err := bridge.DecodeWitness(data)
	if err != nil {
		logger.Debug("undecodable witness", "sender", sender, "error", err)
		v.metrics.Gossip("malformed")
		return Discard
	}

	// Deprecated events are completed and never propagated
	if w.EventID < v.floor.Load() {
		v.markComplete(w.EventID, false)
		v.metrics.Gossip("below_floor")
		return Discard
	}

	if v.hasVoted(w.EventID, w.AuthorityID) {
		logger.Debug("witness already known", "event", w.EventID, "authority", w.AuthorityID.Short())
		v.metrics.Gossip("duplicate")
		return Discard
	}

	if !v.active.Load().Contains(w.AuthorityID) {
		logger.Debug("witness from inactive authority", "event", w.EventID, "authority", w.AuthorityID.Short())
		v.metrics.Gossip("inactive_authority")
		return Discard
	}

	// Only proves the authority signed this digest, the digest itself is checked by the witness record
	if !v.verify(w.AuthorityID, w.Signature, w.Digest) {
		logger.Warn("bad witness signature", "event", w.EventID, "authority", w.AuthorityID.Short(), "sender", sender)
		v.metrics.Gossip("bad_signature")
		return Discard
	}

	if !v.recordVote(w.EventID, w.AuthorityID) {
		v.metrics.Gossip("duplicate")
		return Discard
	}

	if v.outOfWindow(w.BlockNumber) {
		logger.Info("witness out of live window", "event", w.EventID, "block", w.BlockNumber, "sender", sender)
		v.metrics.Gossip("out_of_window")
		return Discard
	}

	v.metrics.Gossip("accepted")

	return ProcessAndKeep
}

// hasVoted reports whether authority already voted on eventID.
func (v *Validator) hasVoted(eventID uint64, authority bridge.AuthorityID) bool {
	v.votesMu.RLock()
	defer v.votesMu.RUnlock()

	_, found := searchVoters(v.votes[eventID], authority)

	return found
}

// recordVote inserts authority at its sorted position.
// Returns false if a concurrent validation recorded it first.
func (v *Validator) recordVote(eventID uint64, authority bridge.AuthorityID) bool {
	v.votesMu.Lock()
	defer v.votesMu.Unlock()

	voters := v.votes[eventID]

	i, found := searchVoters(voters, authority)
	if found {
		return false
	}

	voters = append(voters, bridge.AuthorityID{})
	copy(voters[i+1:], voters[i:])
	voters[i] = authority
	v.votes[eventID] = voters

	return true
}

// searchVoters binary searches a sorted voter list.
func searchVoters(voters []bridge.AuthorityID, authority bridge.AuthorityID) (int, bool) {
	i := sort.Search(len(voters), func(i int) bool { return voters[i].Compare(authority) >= 0 })
	return i, i < len(voters) && voters[i] == authority
}

// MarkComplete stops tracking votes for eventID and remembers it as complete.
// A repeated completion is logged and counted.
func (v *Validator) MarkComplete(eventID uint64) {
	v.markComplete(eventID, true)
}

// markComplete implements MarkComplete; report controls anomaly logging.
func (v *Validator) markComplete(eventID uint64, report bool) {
	v.votesMu.Lock()
	delete(v.votes, eventID)
	v.votesMu.Unlock()

	v.completeMu.Lock()
	inserted := v.complete.insert(eventID)
	v.completeMu.Unlock()

	if !inserted && report {
		logger.Error("double event complete", "event", eventID)
		v.metrics.IncDoubleComplete()
	}
}

// SetActiveValidators swaps the membership snapshot used by Validate.
// Votes already recorded are kept.
func (v *Validator) SetActiveValidators(set *bridge.ValidatorSet) {
	if set == nil {
		set = bridge.EmptyValidatorSet()
	}

	v.active.Store(set)
	logger.Info("set gossip active validators", "set", set.ID, "count", set.Len())
}

// ActiveValidators returns the current membership snapshot.
func (v *Validator) ActiveValidators() *bridge.ValidatorSet {
	return v.active.Load()
}

// SetFloor raises the minimum valid event id. Lower values are ignored.
func (v *Validator) SetFloor(eventID uint64) {
	for {
		cur := v.floor.Load()
		if eventID <= cur || v.floor.CompareAndSwap(cur, eventID) {
			return
		}
	}
}

// Floor returns the minimum valid event id.
func (v *Validator) Floor() uint64 {
	return v.floor.Load()
}

// SetFinalized records the host chain finalized height for the live window.
func (v *Validator) SetFinalized(number uint64) {
	v.finalized.Store(number)
}

// outOfWindow reports whether block is behind the live window.
func (v *Validator) outOfWindow(block uint64) bool {
	finalized := v.finalized.Load()
	if finalized <= v.cfg.WindowSize {
		return false
	}

	return block < finalized-v.cfg.WindowSize
}

// isComplete reports whether eventID is in the complete-events cache.
func (v *Validator) isComplete(eventID uint64) bool {
	v.completeMu.RLock()
	defer v.completeMu.RUnlock()

	return v.complete.contains(eventID)
}

// MessageExpired reports whether a kept message should stop being relayed.
func (v *Validator) MessageExpired(data []byte) bool {
	eventID, block, ok := bridge.PeekEventID(data)
	if !ok {
		return true
	}

	if v.outOfWindow(block) {
		logger.Debug("message out of live window", "event", eventID)
		return true
	}

	return eventID < v.floor.Load() || v.isComplete(eventID)
}

// AllowFunc decides whether a message may be sent to a peer.
type AllowFunc func(sender string, intent Intent, data []byte) bool

// AllowedFilter returns a filter for one batch of sends.
// The rebroadcast gate is consulted at most once per filter.
func (v *Validator) AllowedFilter() AllowFunc {
	var (
		gateOnce sync.Once
		due      bool
	)

	return func(sender string, intent Intent, data []byte) bool {
		if intent == IntentPeriodicRebroadcast {
			gateOnce.Do(func() { due = v.rebroadcastDue() })
			return due
		}

		eventID, block, ok := bridge.PeekEventID(data)
		if !ok {
			return false
		}

		if v.outOfWindow(block) {
			return false
		}

		return !v.isComplete(eventID)
	}
}

// MessageAllowed reports whether a single message may be sent.
func (v *Validator) MessageAllowed(sender string, intent Intent, data []byte) bool {
	return v.AllowedFilter()(sender, intent, data)
}

// rebroadcastDue returns true at most once per rebroadcast interval.
func (v *Validator) rebroadcastDue() bool {
	now := v.now()

	v.rebroadcastMu.Lock()
	defer v.rebroadcastMu.Unlock()

	if now.Before(v.nextRebroadcast) {
		return false
	}

	v.nextRebroadcast = now.Add(v.cfg.RebroadcastAfter)

	return true
}

// IsTracking reports whether votes are held for eventID.
func (v *Validator) IsTracking(eventID uint64) bool {
	v.votesMu.RLock()
	defer v.votesMu.RUnlock()

	_, ok := v.votes[eventID]

	return ok
}

// VoteCount returns the number of recorded votes for eventID.
func (v *Validator) VoteCount(eventID uint64) int {
	v.votesMu.RLock()
	defer v.votesMu.RUnlock()

	return len(v.votes[eventID])
}
