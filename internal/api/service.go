package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"Ethy/internal/bridge"
	"Ethy/internal/logger"
	"Ethy/internal/notary"
	"Ethy/internal/proof"
)

var (
	// errUnknownSet is returned for a validator set that is not stored.
	errUnknownSet = errors.New("unknown validator set")

	// errNoXrplSigners is returned before any XRPL signer set is known.
	errNoXrplSigners = errors.New("xrpl signer set not known")
)

// Service is the "ethy" JSON-RPC service.
type Service struct {
	s *Server // s provides the stores
}

// EventProofArgs selects a proof by event id.
type EventProofArgs struct {
	EventID uint64 `json:"eventId"`
}

// EventProofReply wraps an optional Ethereum proof. Encodes as null when absent.
type EventProofReply struct {
	Proof *proof.EventProofResponse
}

// MarshalJSON encodes the proof or null.
func (r EventProofReply) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Proof)
}

// XrplTxProofReply wraps an optional XRPL proof. Encodes as null when absent.
type XrplTxProofReply struct {
	Proof *proof.XrplTxProofResponse
}

// MarshalJSON encodes the proof or null.
func (r XrplTxProofReply) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Proof)
}

// GetEventProof returns the Ethereum proof for an event.
func (svc *Service) GetEventProof(_ *http.Request, args *EventProofArgs, reply *EventProofReply) error {
	vp, ok := svc.s.p.Proofs.Get(bridge.ChainEthereum, args.EventID)
	if !ok {
		return nil
	}

	resp, err := svc.s.eventResponse(vp)
	if err != nil {
		return err
	}

	reply.Proof = resp

	return nil
}

// GetXrplTxProof returns the XRPL proof for an event.
func (svc *Service) GetXrplTxProof(_ *http.Request, args *EventProofArgs, reply *XrplTxProofReply) error {
	vp, ok := svc.s.p.Proofs.Get(bridge.ChainXrpl, args.EventID)
	if !ok {
		return nil
	}

	resp, err := svc.s.xrplResponse(vp)
	if err != nil {
		return err
	}

	reply.Proof = resp

	return nil
}

// ValidatorSetArgs selects a validator set. Zero means the latest.
type ValidatorSetArgs struct {
	ID uint64 `json:"id"`
}

// ValidatorSetReply describes a validator set.
type ValidatorSetReply struct {
	ID             uint64          `json:"id"`             // ID is the set id
	ProofThreshold uint32          `json:"proofThreshold"` // ProofThreshold is the signatures needed per proof
	Validators     []hexutil.Bytes `json:"validators"`     // Validators are compressed public keys in set order
}

// ValidatorSet returns a stored validator set.
func (svc *Service) ValidatorSet(_ *http.Request, args *ValidatorSetArgs, reply *ValidatorSetReply) error {
	var (
		set *bridge.ValidatorSet
		ok  bool
	)

	if args.ID == 0 {
		set, ok = svc.s.p.Proofs.LatestValidatorSet()
	} else {
		set, ok = svc.s.p.Proofs.ValidatorSet(args.ID)
	}
	if !ok {
		return errUnknownSet
	}

	reply.ID = set.ID
	reply.ProofThreshold = set.ProofThreshold
	reply.Validators = make([]hexutil.Bytes, set.Len())
	for i, v := range set.Validators {
		reply.Validators[i] = append(hexutil.Bytes(nil), v[:]...)
	}

	return nil
}

// ChainCallResolutionsArgs takes no parameters.
type ChainCallResolutionsArgs struct{}

// ChainCallResolution describes a decided chain call.
// The transaction fields are set only for an "ok" result.
type ChainCallResolution struct {
	CallID       uint64        `json:"callId"`                // CallID is the resolved call
	Result       string        `json:"result"`                // Result is "ok" or "failed"
	Reached      bool          `json:"reached"`               // Reached is true when the threshold was met
	SignerBitmap hexutil.Bytes `json:"signerBitmap"`          // SignerBitmap marks the notaries that voted Result
	Signers      []uint16      `json:"signers"`               // Signers are the indices set in SignerBitmap
	TxHash       *common.Hash  `json:"txHash,omitempty"`      // TxHash is the checked transaction
	LedgerIndex  uint64        `json:"ledgerIndex,omitempty"` // LedgerIndex is the validated ledger
	Amount       uint64        `json:"amount,omitempty"`      // Amount is the delivered amount in drops
	Destination  string        `json:"destination,omitempty"` // Destination is the receiving classic address
}

// ChainCallResolutionsReply lists recent resolutions, oldest first.
type ChainCallResolutionsReply struct {
	Resolutions []ChainCallResolution `json:"resolutions"`
}

// ChainCallResolutions returns the most recent chain call resolutions.
func (svc *Service) ChainCallResolutions(_ *http.Request, _ *ChainCallResolutionsArgs, reply *ChainCallResolutionsReply) error {
	reply.Resolutions = []ChainCallResolution{}
	if svc.s.p.Resolutions == nil {
		return nil
	}

	for _, res := range svc.s.p.Resolutions.Resolutions() {
		reply.Resolutions = append(reply.Resolutions, resolutionJSON(res))
	}

	return nil
}

// resolutionJSON converts a resolution to its RPC form.
func resolutionJSON(res notary.Resolution) ChainCallResolution {
	out := ChainCallResolution{
		CallID:       res.CallID,
		Result:       res.Result.Kind(),
		Reached:      res.Reached,
		SignerBitmap: append(hexutil.Bytes{}, res.SignerBitmap...),
		Signers:      notary.ParseSignerBitmap(res.SignerBitmap),
	}
	if out.Signers == nil {
		out.Signers = []uint16{}
	}

	if !res.Result.Failed {
		hash := common.Hash(res.Result.TxHash)
		out.TxHash = &hash
		out.LedgerIndex = res.Result.LedgerIndex
		out.Amount = res.Result.Amount
		out.Destination = res.Result.Destination.ClassicAddress()
	}

	return out
}

// eventResponse builds the Ethereum response for a stored proof.
// Returns nil when the signing set is not stored.
func (s *Server) eventResponse(vp *bridge.VersionedEventProof) (*proof.EventProofResponse, error) {
	set, ok := s.p.Proofs.ValidatorSet(vp.Proof.ValidatorSetID)
	if !ok {
		logger.Warn("proof without validator set", "event", vp.Proof.EventID, "set", vp.Proof.ValidatorSetID)
		return nil, nil
	}

	resp, err := proof.BuildEventProofResponse(vp, set)
	if err != nil {
		return nil, fmt.Errorf("build event proof %d:\n%w", vp.Proof.EventID, err)
	}

	return resp, nil
}

// xrplResponse builds the XRPL response for a stored proof.
// Returns nil when the signing set is not stored.
func (s *Server) xrplResponse(vp *bridge.VersionedEventProof) (*proof.XrplTxProofResponse, error) {
	set, ok := s.p.Proofs.ValidatorSet(vp.Proof.ValidatorSetID)
	if !ok {
		logger.Warn("proof without validator set", "event", vp.Proof.EventID, "set", vp.Proof.ValidatorSetID)
		return nil, nil
	}

	signers, ok := s.p.Proofs.XrplSigners()
	if !ok {
		return nil, errNoXrplSigners
	}

	resp, err := proof.BuildXrplTxProofResponse(vp, set, signers)
	if err != nil {
		return nil, fmt.Errorf("build xrpl proof %d:\n%w", vp.Proof.EventID, err)
	}

	return resp, nil
}
