package witness

import (
	"errors"
	"sort"

	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
	"Ethy/internal/logger"
)

// Status is the outcome of noting a witness.
type Status int

const (
	// StatusVerified means the witness was checked and counted.
	StatusVerified Status = iota

	// StatusDigestUnverified means metadata is missing and the witness is held for later.
	StatusDigestUnverified
)

var (
	// ErrCompletedEvent is returned for witnesses of an already proven event.
	ErrCompletedEvent = errors.New("completed event")

	// ErrDuplicateWitness is returned when the authority already witnessed the event.
	ErrDuplicateWitness = errors.New("duplicate witness")

	// ErrMismatchedDigest is returned when the signature or digest disagrees with local metadata.
	ErrMismatchedDigest = errors.New("mismatched digest")

	// ErrUnknownAuthority is returned when the signer is not in the validator set.
	ErrUnknownAuthority = errors.New("unknown authority")
)

// VerifyFunc checks a signature over a digest.
type VerifyFunc func(id bridge.AuthorityID, sig bridge.Signature, digest [bridge.DigestSize]byte) bool

// EventMetadata is what a finalized block says about an event.
type EventMetadata struct {
	ChainID   bridge.ChainID          // ChainID is the event's target chain
	Data      []byte                  // Data is the signing request payload
	Digest    [bridge.DigestSize]byte // Digest is the proof digest
	BlockHash [32]byte                // BlockHash is the finalized block of the request
}

// expectedDigest returns the digest authority should have signed.
// XRPL digests depend on the signer.
func (m *EventMetadata) expectedDigest(authority bridge.AuthorityID) ([bridge.DigestSize]byte, error) {
	if m.ChainID == bridge.ChainXrpl {
		return bridge.DataToDigest(bridge.ChainXrpl, m.Data, authority)
	}

	return m.Digest, nil
}

// Record tracks witnesses per event until a proof is made.
// It is owned by a single goroutine and is not safe for concurrent use.
type Record struct {
	meta         map[uint64]*EventMetadata          // meta holds noted event metadata
	hasWitnessed map[uint64][]bridge.AuthorityID    // hasWitnessed holds sorted voters per event
	witnesses    map[uint64][]bridge.SignatureEntry // witnesses holds signatures sorted by index
	unverified   map[uint64][]*bridge.Witness       // unverified holds witnesses awaiting metadata
	completed    []uint64                           // completed is the compacted sorted completed ids

	validators  *bridge.ValidatorSet // validators is the active set
	xrplSigners *bridge.ValidatorSet // xrplSigners is the XRPL door signer subset

	verify VerifyFunc // verify checks witness signatures
}

// NewRecord creates an empty record.
func NewRecord(verify VerifyFunc) *Record {
	if verify == nil {
		verify = keystore.Verify
	}

	return &Record{
		meta:         make(map[uint64]*EventMetadata),
		hasWitnessed: make(map[uint64][]bridge.AuthorityID),
		witnesses:    make(map[uint64][]bridge.SignatureEntry),
		unverified:   make(map[uint64][]*bridge.Witness),
		validators:   bridge.EmptyValidatorSet(),
		xrplSigners:  bridge.EmptyValidatorSet(),
		verify:       verify,
	}
}

// SetValidators replaces the active set. A nil xrplSigners keeps the current XRPL set.
func (r *Record) SetValidators(set, xrplSigners *bridge.ValidatorSet) {
	if set != nil {
		r.validators = set
	}
	if xrplSigners != nil {
		r.xrplSigners = xrplSigners
	}
}

// NoteEventMetadata records metadata for eventID. The first note wins.
func (r *Record) NoteEventMetadata(eventID uint64, meta EventMetadata) {
	if _, ok := r.meta[eventID]; ok {
		return
	}

	r.meta[eventID] = &meta
}

// EventMetadata returns the noted metadata for eventID.
func (r *Record) EventMetadata(eventID uint64) (EventMetadata, bool) {
	m, ok := r.meta[eventID]
	if !ok {
		return EventMetadata{}, false
	}

	return *m, true
}

// isCompleted reports whether eventID is at or below the completed watermark.
func (r *Record) isCompleted(eventID uint64) bool {
	if i := sort.Search(len(r.completed), func(i int) bool { return r.completed[i] >= eventID }); i < len(r.completed) && r.completed[i] == eventID {
		return true
	}

	// With a single entry the lowest id may still be pending
	return len(r.completed) > 1 && eventID <= r.completed[0]
}

// NoteEventWitness records w if it is new and verifiable.
func (r *Record) NoteEventWitness(w *bridge.Witness) (Status, error) {
	if r.isCompleted(w.EventID) {
		return 0, ErrCompletedEvent
	}

	voters := r.hasWitnessed[w.EventID]
	if _, found := searchAuthority(voters, w.AuthorityID); found {
		return 0, ErrDuplicateWitness
	}

	meta, ok := r.meta[w.EventID]
	if !ok {
		logger.Debug("witness recorded with unverified digest", "event", w.EventID, "authority", w.AuthorityID.Short())
		r.unverified[w.EventID] = append(r.unverified[w.EventID], w)
		return StatusDigestUnverified, nil
	}

	if !r.verify(w.AuthorityID, w.Signature, w.Digest) {
		logger.Warn("witness signature verification failed", "event", w.EventID, "authority", w.AuthorityID.Short())
		return 0, ErrMismatchedDigest
	}

	expected, err := meta.expectedDigest(w.AuthorityID)
	if err != nil || expected != w.Digest {
		logger.Warn("witness has bad digest", "event", w.EventID, "authority", w.AuthorityID.Short())
		return 0, ErrMismatchedDigest
	}

	index := r.validators.AuthorityIndex(w.AuthorityID)
	if index < 0 {
		return 0, ErrUnknownAuthority
	}

	r.insertSignature(w.EventID, uint32(index), w.Signature)

	i, _ := searchAuthority(voters, w.AuthorityID)
	voters = append(voters, bridge.AuthorityID{})
	copy(voters[i+1:], voters[i:])
	voters[i] = w.AuthorityID
	r.hasWitnessed[w.EventID] = voters

	return StatusVerified, nil
}

// insertSignature adds a signature at its index position, keeping the first per index.
func (r *Record) insertSignature(eventID uint64, index uint32, sig bridge.Signature) {
	sigs := r.witnesses[eventID]

	i := sort.Search(len(sigs), func(i int) bool { return sigs[i].Index >= index })
	if i < len(sigs) && sigs[i].Index == index {
		return
	}

	sigs = append(sigs, bridge.SignatureEntry{})
	copy(sigs[i+1:], sigs[i:])
	sigs[i] = bridge.SignatureEntry{Index: index, Signature: sig}
	r.witnesses[eventID] = sigs
}

// searchAuthority binary searches a sorted authority list.
func searchAuthority(list []bridge.AuthorityID, id bridge.AuthorityID) (int, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].Compare(id) >= 0 })
	return i, i < len(list) && list[i] == id
}

// ProcessUnverified re-notes witnesses held while metadata was missing.
func (r *Record) ProcessUnverified(eventID uint64) {
	pending, ok := r.unverified[eventID]
	if !ok {
		return
	}
	delete(r.unverified, eventID)

	for _, w := range pending {
		if _, err := r.NoteEventWitness(w); err != nil {
			logger.Warn("failed to note unverified witness", "event", eventID, "authority", w.AuthorityID.Short(), "error", err)
		}
	}
}

// HasConsensus reports whether eventID has threshold support for chain.
// XRPL counts only enrolled door signers against the XRPL threshold.
func (r *Record) HasConsensus(eventID uint64, chain bridge.ChainID) bool {
	sigs := r.witnesses[eventID]

	if chain != bridge.ChainXrpl {
		return len(sigs) >= int(r.validators.ProofThreshold)
	}

	count := 0
	for _, s := range sigs {
		authority, ok := r.validators.At(int(s.Index))
		if ok && r.xrplSigners.Contains(authority) {
			count++
		}
	}

	return count >= int(r.xrplSigners.ProofThreshold)
}

// SignaturesFor returns the known signatures for eventID sorted by authority index.
func (r *Record) SignaturesFor(eventID uint64) []bridge.SignatureEntry {
	sigs := r.witnesses[eventID]
	out := make([]bridge.SignatureEntry, len(sigs))
	copy(out, sigs)

	return out
}

// MarkComplete drops all state for eventID and adds it to the completed sequence.
func (r *Record) MarkComplete(eventID uint64) {
	delete(r.witnesses, eventID)
	delete(r.meta, eventID)
	delete(r.hasWitnessed, eventID)
	delete(r.unverified, eventID)

	i := sort.Search(len(r.completed), func(i int) bool { return r.completed[i] >= eventID })
	if i < len(r.completed) && r.completed[i] == eventID {
		return
	}

	r.completed = append(r.completed, 0)
	copy(r.completed[i+1:], r.completed[i:])
	r.completed[i] = eventID
	r.completed = compactSequence(r.completed)
}

// Floor returns the lowest event id that may still be pending.
func (r *Record) Floor() uint64 {
	if len(r.completed) < 2 {
		return 0
	}

	return r.completed[0] + 1
}

// Completed returns a copy of the compacted completed sequence.
func (r *Record) Completed() []uint64 {
	return append([]uint64(nil), r.completed...)
}

// compactSequence replaces the leading consecutive run of ids with its last id.
// At least two ids are kept so the first two events may complete out of order.
func compactSequence(ids []uint64) []uint64 {
	if len(ids) < 3 {
		return ids
	}

	watermark := 0
	for i := 0; i < len(ids)-2; i++ {
		if ids[i]+1 != ids[i+1] {
			break
		}
		watermark = i + 1
	}

	return append([]uint64(nil), ids[watermark:]...)
}
