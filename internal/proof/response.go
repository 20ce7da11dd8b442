package proof

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
	"Ethy/internal/xrpl"
)

// ErrInvalidSignature is returned when a stored signature has no valid r or s.
var ErrInvalidSignature = errors.New("invalid signature")

// EventProofResponse is the Ethereum-facing view of a proof.
type EventProofResponse struct {
	EventID        uint64           `json:"eventId"`        // EventID is the proven event
	Signatures     []hexutil.Bytes  `json:"signatures"`     // Signatures are expanded to one per validator
	Validators     []common.Address `json:"validators"`     // Validators are the signing set's addresses
	ValidatorSetID uint64           `json:"validatorSetId"` // ValidatorSetID is the signing set
	Block          common.Hash      `json:"block"`          // Block is the finalized block of the request
	Tag            *hexutil.Bytes   `json:"tag"`            // Tag is reserved metadata, always null
}

// XrplTxProofResponse is the XRPL-facing view of a proof.
type XrplTxProofResponse struct {
	EventID    uint64          `json:"eventId"`    // EventID is the proven event
	Signatures []hexutil.Bytes `json:"signatures"` // Signatures are DER encoded with low S
	Signers    []string        `json:"signers"`    // Signers are classic addresses aligned with Signatures
	SignerKeys []hexutil.Bytes `json:"signerKeys"` // SignerKeys are public keys aligned with Signatures
	Block      common.Hash     `json:"block"`      // Block is the finalized block of the request
}

// BuildEventProofResponse expands a proof against the set that signed it.
func BuildEventProofResponse(vp *bridge.VersionedEventProof, set *bridge.ValidatorSet) (*EventProofResponse, error) {
	if vp == nil || vp.Proof == nil {
		return nil, errors.New("nil proof")
	}

	p := vp.Proof

	validators := make([]common.Address, set.Len())
	for i, v := range set.Validators {
		addr, err := keystore.EthereumAddress(v)
		if err != nil {
			return nil, fmt.Errorf("validator %d address:\n%w", i, err)
		}
		validators[i] = common.Address(addr)
	}

	expanded := p.ExpandedSignatures(set.Len())
	signatures := make([]hexutil.Bytes, len(expanded))
	for i, s := range expanded {
		signatures[i] = hexutil.Bytes(append([]byte(nil), s[:]...))
	}

	return &EventProofResponse{
		EventID:        p.EventID,
		Signatures:     signatures,
		Validators:     validators,
		ValidatorSetID: set.ID,
		Block:          common.Hash(p.Block),
	}, nil
}

// BuildXrplTxProofResponse keeps the signatures of enrolled XRPL signers and DER encodes them.
// set resolves authority indices; xrplSigners filters them.
func BuildXrplTxProofResponse(vp *bridge.VersionedEventProof, set, xrplSigners *bridge.ValidatorSet) (*XrplTxProofResponse, error) {
	if vp == nil || vp.Proof == nil {
		return nil, errors.New("nil proof")
	}

	p := vp.Proof
	resp := &XrplTxProofResponse{
		EventID:    p.EventID,
		Signatures: []hexutil.Bytes{},
		Signers:    []string{},
		SignerKeys: []hexutil.Bytes{},
		Block:      common.Hash(p.Block),
	}

	for _, entry := range p.Signatures {
		if entry.Signature.IsEmpty() {
			continue
		}

		authority, ok := set.At(int(entry.Index))
		if !ok || !xrplSigners.Contains(authority) {
			continue
		}

		der, err := NormalizedDER(entry.Signature)
		if err != nil {
			return nil, fmt.Errorf("signature %d:\n%w", entry.Index, err)
		}

		resp.Signatures = append(resp.Signatures, der)
		resp.Signers = append(resp.Signers, xrpl.AccountIDFromPublicKey(authority[:]).ClassicAddress())
		resp.SignerKeys = append(resp.SignerKeys, hexutil.Bytes(append([]byte(nil), authority[:]...)))
	}

	return resp, nil
}

// NormalizedDER returns the DER encoding of sig's r||s with S in the lower half order.
func NormalizedDER(sig bridge.Signature) ([]byte, error) {
	var r, s secp256k1.ModNScalar

	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return nil, ErrInvalidSignature
	}
	if overflow := s.SetByteSlice(sig[32:64]); overflow || s.IsZero() {
		return nil, ErrInvalidSignature
	}

	if s.IsOverHalfOrder() {
		s.Negate()
	}

	return ecdsa.NewSignature(&r, &s).Serialize(), nil
}
