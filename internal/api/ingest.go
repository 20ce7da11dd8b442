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
	"Ethy/internal/witness"
)

// ProofRequestJSON is a proof request as posted by the host chain.
type ProofRequestJSON struct {
	Chain   string        `json:"chain"`
	EventID uint64        `json:"eventId"`
	Data    hexutil.Bytes `json:"data"`
}

// ValidatorSetJSON is a validator set as posted by the host chain.
type ValidatorSetJSON struct {
	ID             uint64          `json:"id"`
	ProofThreshold uint32          `json:"proofThreshold"`
	Validators     []hexutil.Bytes `json:"validators"`
}

// FinalizedHeaderJSON is the body of POST /finalized.
type FinalizedHeaderJSON struct {
	Number            uint64             `json:"number"`
	Hash              common.Hash        `json:"hash"`
	ProofRequests     []ProofRequestJSON `json:"proofRequests"`
	AuthoritiesChange *ValidatorSetJSON  `json:"authoritiesChange,omitempty"`
	XrplSigners       *ValidatorSetJSON  `json:"xrplSigners,omitempty"`
	NotaryKeys        []hexutil.Bytes    `json:"notaryKeys,omitempty"`
}

// ChallengeJSON is one entry of POST /challenges.
type ChallengeJSON struct {
	TxHash      common.Hash `json:"txHash"`
	LedgerIndex uint64      `json:"ledgerIndex"`
}

// handleFinalized handles POST /finalized.
func (s *Server) handleFinalized(w http.ResponseWriter, r *http.Request) {
	if s.p.Headers == nil {
		writeError(w, http.StatusServiceUnavailable, "header ingest disabled")
		return
	}

	var body FinalizedHeaderJSON
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	header, err := body.toHeader()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	keys := make([][]byte, len(body.NotaryKeys))
	for i, k := range body.NotaryKeys {
		keys[i] = k
	}

	if err := s.p.Headers.Ingest(header, keys); err != nil {
		logger.Warn("header rejected", "number", header.Number, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]uint64{"number": header.Number})
}

// handleChallenges handles POST /challenges.
func (s *Server) handleChallenges(w http.ResponseWriter, r *http.Request) {
	if s.p.Challenges == nil {
		writeError(w, http.StatusServiceUnavailable, "challenge ingest disabled")
		return
	}

	var body []ChallengeJSON
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, c := range body {
		s.p.Challenges.Push([32]byte(c.TxHash), c.LedgerIndex)
	}

	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(body)})
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %v", err)
	}

	return nil
}

// toHeader converts the posted header into the feed's form.
func (h *FinalizedHeaderJSON) toHeader() (*witness.FinalizedHeader, error) {
	header := &witness.FinalizedHeader{
		Number:        h.Number,
		Hash:          [32]byte(h.Hash),
		ProofRequests: make([]witness.ProofRequest, len(h.ProofRequests)),
	}

	for i, req := range h.ProofRequests {
		chain, err := bridge.ParseChainID(req.Chain)
		if err != nil {
			return nil, fmt.Errorf("proof request %d: %v", i, err)
		}
		if chain == bridge.ChainEthereum && len(req.Data) != bridge.DigestSize {
			return nil, fmt.Errorf("proof request %d: ethereum data must be a %d byte digest", i, bridge.DigestSize)
		}

		header.ProofRequests[i] = witness.ProofRequest{
			ChainID: chain,
			EventID: req.EventID,
			Data:    req.Data,
		}
	}

	var err error
	if header.AuthoritiesChange, err = h.AuthoritiesChange.toSet(); err != nil {
		return nil, fmt.Errorf("authorities change: %v", err)
	}
	if header.XrplSigners, err = h.XrplSigners.toSet(); err != nil {
		return nil, fmt.Errorf("xrpl signers: %v", err)
	}

	return header, nil
}

// toSet converts a posted validator set. A nil set converts to nil.
func (v *ValidatorSetJSON) toSet() (*bridge.ValidatorSet, error) {
	if v == nil {
		return nil, nil
	}

	if len(v.Validators) == 0 {
		return nil, errors.New("empty validator set")
	}

	validators := make([]bridge.AuthorityID, len(v.Validators))
	for i, raw := range v.Validators {
		if len(raw) != bridge.AuthorityIDSize {
			return nil, fmt.Errorf("validator %d: want %d bytes, got %d", i, bridge.AuthorityIDSize, len(raw))
		}
		copy(validators[i][:], raw)
	}

	return bridge.NewValidatorSet(v.ID, v.ProofThreshold, validators)
}
