package witness

import (
	"context"
	"errors"
	"sync/atomic"

	"Ethy/internal/bridge"
	"Ethy/internal/logger"
	"Ethy/internal/metrics"
)

// Signer signs digests with local authority keys.
type Signer interface {
	FindLocalKey(candidates []bridge.AuthorityID) (bridge.AuthorityID, bool)
	Sign(id bridge.AuthorityID, digest [bridge.DigestSize]byte) (bridge.Signature, error)
}

// GossipValidator is the part of the gossip validator the worker drives.
type GossipValidator interface {
	SetActiveValidators(set *bridge.ValidatorSet)
	MarkComplete(eventID uint64)
	SetFloor(eventID uint64)
	SetFinalized(number uint64)
}

// ProofStore persists proofs and validator sets.
type ProofStore interface {
	Put(chain bridge.ChainID, vp *bridge.VersionedEventProof) error
	UpdateBlock(chain bridge.ChainID, eventID uint64, block [32]byte) (bool, error)
	PutValidatorSet(set *bridge.ValidatorSet) error
	PutXrplSigners(set *bridge.ValidatorSet) error
}

// Notifier publishes sealed proofs.
type Notifier interface {
	Notify(chain bridge.ChainID, vp *bridge.VersionedEventProof)
}

// Broadcaster gossips an encoded witness to peers.
type Broadcaster interface {
	Broadcast(data []byte)
}

// WorkerParams holds the worker's collaborators.
type WorkerParams struct {
	Feed        *Feed                // Feed supplies finalized headers
	Signer      Signer               // Signer holds local authority keys, may hold none
	Validator   GossipValidator      // Validator is the gossip validator to keep in sync
	Store       ProofStore           // Store persists proofs
	Notifier    Notifier             // Notifier publishes proofs to subscribers
	Gossip      Broadcaster          // Gossip sends local witnesses
	Metrics     *metrics.Metrics     // Metrics records worker activity, may be nil
	Initial     *bridge.ValidatorSet // Initial is the last known active set, may be nil
	XrplSigners *bridge.ValidatorSet // XrplSigners is the last known XRPL set, may be nil
	StartBlock  uint64               // StartBlock is the last processed block before start
}

// Worker turns finalized proof requests and gossiped witnesses into proofs.
// All record state is owned by the Run goroutine.
type Worker struct {
	p      WorkerParams         // p holds the collaborators
	record *Record              // record tracks witnesses per event
	active *bridge.ValidatorSet // active is the current validator set
	best   uint64               // best is the last processed finalized block

	finalized atomic.Uint64 // finalized mirrors best for readers
	setID     atomic.Uint64 // setID mirrors active.ID for readers
}

// NewWorker creates a worker.
func NewWorker(p WorkerParams, record *Record) *Worker {
	if record == nil {
		record = NewRecord(nil)
	}

	w := &Worker{
		p:      p,
		record: record,
		active: bridge.EmptyValidatorSet(),
		best:   p.StartBlock,
	}

	if p.Initial != nil && !p.Initial.IsEmpty() {
		w.applyValidatorSet(p.Initial)
	}
	if p.XrplSigners != nil {
		w.record.SetValidators(nil, p.XrplSigners)
	}

	w.finalized.Store(p.StartBlock)

	return w
}

// Run processes finality signals and witnesses until ctx is done.
func (w *Worker) Run(ctx context.Context, witnesses <-chan []byte) {
	logger.Info("witness worker started", "best", w.best, "set", w.active.ID)

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.p.Feed.Notifications():
			w.HandleFinalized(w.p.Feed.Latest())

		case data, ok := <-witnesses:
			if !ok {
				logger.Error("witness stream closed")
				return
			}

			wit, err := bridge.DecodeWitness(data)
			if err != nil {
				logger.Debug("dropping undecodable witness", "error", err)
				continue
			}

			w.HandleWitness(wit)
		}
	}
}

// HandleFinalized processes every block from the last processed one up to number.
func (w *Worker) HandleFinalized(number uint64) {
	if number <= w.best {
		logger.Debug("finality for old block", "number", number, "best", w.best)
		return
	}

	// Without history only the newest block is processed
	from := w.best + 1
	if w.best == 0 {
		from = number
	}

	for n := from; n <= number; n++ {
		h, ok := w.p.Feed.Header(n)
		if !ok {
			logger.Error("missing finalized header", "number", n)
			continue
		}

		w.handleHeader(h)
	}

	w.best = number
	w.finalized.Store(number)
	w.p.Validator.SetFinalized(number)
	w.p.Metrics.SetFinalized(number)
}

// handleHeader applies one finalized header.
func (w *Worker) handleHeader(h *FinalizedHeader) {
	if h.AuthoritiesChange != nil && (w.active.IsEmpty() || h.AuthoritiesChange.ID != w.active.ID) {
		logger.Info("new active validator set", "set", h.AuthoritiesChange.ID, "old", w.active.ID, "count", h.AuthoritiesChange.Len())
		w.applyValidatorSet(h.AuthoritiesChange)
	}

	if h.XrplSigners != nil {
		w.record.SetValidators(nil, h.XrplSigners)
		if err := w.p.Store.PutXrplSigners(h.XrplSigners); err != nil {
			logger.Error("persist xrpl signers", "error", err)
		}
	}

	if local, ok := w.localAuthority(); ok {
		w.handleActive(h, local)
	} else {
		w.handlePassive(h)
	}
}

// applyValidatorSet makes set active everywhere it is tracked.
func (w *Worker) applyValidatorSet(set *bridge.ValidatorSet) {
	w.active = set
	w.setID.Store(set.ID)
	w.record.SetValidators(set, nil)
	w.p.Validator.SetActiveValidators(set)
	w.p.Metrics.SetValidatorSet(set.ID)

	if err := w.p.Store.PutValidatorSet(set); err != nil {
		logger.Error("persist validator set", "set", set.ID, "error", err)
	}
}

// localAuthority returns the local key in the active set, if any.
func (w *Worker) localAuthority() (bridge.AuthorityID, bool) {
	if w.p.Signer == nil || w.active.IsEmpty() {
		return bridge.AuthorityID{}, false
	}

	return w.p.Signer.FindLocalKey(w.active.Validators)
}

// handleActive signs and gossips a witness for each proof request.
func (w *Worker) handleActive(h *FinalizedHeader, local bridge.AuthorityID) {
	for _, req := range h.ProofRequests {
		digest, err := bridge.DataToDigest(req.ChainID, req.Data, local)
		if err != nil {
			logger.Error("make digest", "event", req.EventID, "error", err)
			continue
		}

		sig, err := w.p.Signer.Sign(local, digest)
		if err != nil {
			logger.Error("sign witness", "event", req.EventID, "error", err)
			continue
		}

		wit := &bridge.Witness{
			Digest:         digest,
			ChainID:        req.ChainID,
			EventID:        req.EventID,
			ValidatorSetID: w.active.ID,
			AuthorityID:    local,
			Signature:      sig,
			BlockNumber:    h.Number,
		}

		w.p.Metrics.IncWitnessSent()
		logger.Debug("signed witness", "event", req.EventID, "chain", req.ChainID, "set", w.active.ID)

		w.record.NoteEventMetadata(req.EventID, EventMetadata{
			ChainID:   req.ChainID,
			Data:      req.Data,
			Digest:    digest,
			BlockHash: h.Hash,
		})
		w.HandleWitness(wit)

		w.p.Gossip.Broadcast(wit.Encode())
	}
}

// handlePassive notes metadata so gossiped witnesses can be verified.
func (w *Worker) handlePassive(h *FinalizedHeader) {
	for _, req := range h.ProofRequests {
		// A proof may be stored before its block is imported locally
		if _, err := w.p.Store.UpdateBlock(req.ChainID, req.EventID, h.Hash); err != nil {
			logger.Error("update existing proof", "event", req.EventID, "error", err)
			continue
		}

		digest, err := bridge.DataToDigest(req.ChainID, req.Data, bridge.AuthorityID{})
		if err != nil {
			logger.Error("make digest", "event", req.EventID, "error", err)
			continue
		}

		w.record.NoteEventMetadata(req.EventID, EventMetadata{
			ChainID:   req.ChainID,
			Data:      req.Data,
			Digest:    digest,
			BlockHash: h.Hash,
		})
		w.tryMakeProof(req.EventID)
	}
}

// HandleWitness notes a witness and tries to complete its event.
func (w *Worker) HandleWitness(wit *bridge.Witness) {
	if _, err := w.record.NoteEventWitness(wit); err != nil {
		if errors.Is(err, ErrDuplicateWitness) || errors.Is(err, ErrCompletedEvent) {
			logger.Debug("witness not noted", "event", wit.EventID, "authority", wit.AuthorityID.Short(), "error", err)
		} else {
			logger.Warn("failed to note witness", "event", wit.EventID, "authority", wit.AuthorityID.Short(), "error", err)
		}
		return
	}

	w.tryMakeProof(wit.EventID)
}

// tryMakeProof seals, stores and publishes a proof once the event has threshold support.
func (w *Worker) tryMakeProof(eventID uint64) {
	if _, ok := w.record.EventMetadata(eventID); !ok {
		logger.Debug("missing event metadata, cannot make proof yet", "event", eventID)
		return
	}

	w.record.ProcessUnverified(eventID)

	meta, _ := w.record.EventMetadata(eventID)

	threshold := int(w.active.ProofThreshold)
	if threshold < w.active.Len()/2 {
		logger.Error("proof threshold too low", "threshold", threshold, "validators", w.active.Len())
		return
	}

	if !w.record.HasConsensus(eventID, meta.ChainID) {
		return
	}

	signatures := w.record.SignaturesFor(eventID)
	vp := bridge.Seal(&bridge.EventProof{
		Digest:         meta.Digest,
		EventID:        eventID,
		ValidatorSetID: w.active.ID,
		Signatures:     signatures,
		Block:          meta.BlockHash,
	})

	logger.Info("generated proof", "event", eventID, "chain", meta.ChainID, "signatures", len(signatures), "set", w.active.ID)

	if err := w.p.Store.Put(meta.ChainID, vp); err != nil {
		logger.Warn("failed to store proof", "event", eventID, "error", err)
	}

	w.p.Notifier.Notify(meta.ChainID, vp)
	w.p.Metrics.IncProof(meta.ChainID.String())

	w.record.MarkComplete(eventID)
	w.p.Validator.MarkComplete(eventID)
	w.p.Validator.SetFloor(w.record.Floor())
}

// Finalized returns the last processed finalized block.
func (w *Worker) Finalized() uint64 {
	return w.finalized.Load()
}

// ValidatorSetID returns the active validator set id.
func (w *Worker) ValidatorSetID() uint64 {
	return w.setID.Load()
}
