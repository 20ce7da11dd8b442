package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WitnessSize is the encoded size of a Witness.
const WitnessSize = DigestSize + 1 + 8 + 8 + AuthorityIDSize + SignatureSize + 8

// Field offsets in the encoded witness.
const (
	offDigest    = 0
	offChain     = offDigest + DigestSize
	offEventID   = offChain + 1
	offSetID     = offEventID + 8
	offAuthority = offSetID + 8
	offSignature = offAuthority + AuthorityIDSize
	offBlock     = offSignature + SignatureSize
)

// ErrMalformedWitness is returned when witness bytes cannot be decoded.
var ErrMalformedWitness = errors.New("malformed witness")

// Witness is one validator's signed vote that an event occurred.
type Witness struct {
	Digest         [DigestSize]byte // Digest is the signed event digest
	ChainID        ChainID          // ChainID is the target chain of the event
	EventID        uint64           // EventID is unique per chain
	ValidatorSetID uint64           // ValidatorSetID is the set the signer belongs to
	AuthorityID    AuthorityID      // AuthorityID is the signer
	Signature      Signature        // Signature is over Digest
	BlockNumber    uint64           // BlockNumber is where the event was requested
}

// Encode serializes the witness into its fixed layout.
func (w *Witness) Encode() []byte {
	buf := make([]byte, WitnessSize)

	copy(buf[offDigest:], w.Digest[:])
	buf[offChain] = byte(w.ChainID)
	binary.BigEndian.PutUint64(buf[offEventID:], w.EventID)
	binary.BigEndian.PutUint64(buf[offSetID:], w.ValidatorSetID)
	copy(buf[offAuthority:], w.AuthorityID[:])
	copy(buf[offSignature:], w.Signature[:])
	binary.BigEndian.PutUint64(buf[offBlock:], w.BlockNumber)

	return buf
}

// DecodeWitness parses a witness from its fixed layout.
func DecodeWitness(data []byte) (*Witness, error) {
	if len(data) != WitnessSize {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrMalformedWitness, len(data), WitnessSize)
	}

	chain := ChainID(data[offChain])
	if !chain.Valid() {
		return nil, fmt.Errorf("%w: chain %d", ErrMalformedWitness, data[offChain])
	}

	w := &Witness{
		ChainID:        chain,
		EventID:        binary.BigEndian.Uint64(data[offEventID:]),
		ValidatorSetID: binary.BigEndian.Uint64(data[offSetID:]),
		BlockNumber:    binary.BigEndian.Uint64(data[offBlock:]),
	}

	copy(w.Digest[:], data[offDigest:offChain])
	copy(w.AuthorityID[:], data[offAuthority:offSignature])
	copy(w.Signature[:], data[offSignature:offBlock])

	return w, nil
}

// PeekEventID reads the event id and block number without a full decode.
func PeekEventID(data []byte) (eventID, block uint64, ok bool) {
	if len(data) != WitnessSize || !ChainID(data[offChain]).Valid() {
		return 0, 0, false
	}

	return binary.BigEndian.Uint64(data[offEventID:]), binary.BigEndian.Uint64(data[offBlock:]), true
}
