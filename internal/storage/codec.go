package storage

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Ethy/internal/bridge"
	"Ethy/internal/types"
)

// ErrCorrupt is returned when stored bytes cannot be decoded.
var ErrCorrupt = errors.New("corrupt record")

// EncodeProof serializes a versioned proof for chain.
func EncodeProof(chain bridge.ChainID, vp *bridge.VersionedEventProof) []byte {
	p := vp.Proof
	builder := flatbuffers.NewBuilder(256 + len(p.Signatures)*96)

	sigOffsets := make([]flatbuffers.UOffsetT, len(p.Signatures))
	for i, s := range p.Signatures {
		sigVec := builder.CreateByteVector(s.Signature[:])

		types.SignatureEntryStart(builder)
		types.SignatureEntryAddIndex(builder, s.Index)
		types.SignatureEntryAddSignature(builder, sigVec)
		sigOffsets[i] = types.SignatureEntryEnd(builder)
	}

	types.EventProofStartSignaturesVector(builder, len(sigOffsets))
	for i := len(sigOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(sigOffsets[i])
	}
	sigsVec := builder.EndVector(len(sigOffsets))

	digestVec := builder.CreateByteVector(p.Digest[:])
	blockVec := builder.CreateByteVector(p.Block[:])

	types.EventProofStart(builder)
	types.EventProofAddVersion(builder, vp.Version)
	types.EventProofAddChain(builder, byte(chain))
	types.EventProofAddDigest(builder, digestVec)
	types.EventProofAddEventId(builder, p.EventID)
	types.EventProofAddValidatorSetId(builder, p.ValidatorSetID)
	types.EventProofAddSignatures(builder, sigsVec)
	types.EventProofAddBlock(builder, blockVec)
	builder.Finish(types.EventProofEnd(builder))

	return builder.FinishedBytes()
}

// DecodeProof parses a versioned proof.
func DecodeProof(data []byte) (vp *bridge.VersionedEventProof, err error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if r := recover(); r != nil {
			vp, err = nil, fmt.Errorf("%w: event proof", ErrCorrupt)
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: event proof too short", ErrCorrupt)
	}

	fb := types.GetRootAsEventProof(data, 0)

	if fb.Version() != bridge.ProofVersionV1 {
		return nil, fmt.Errorf("%w: unknown proof version %d", ErrCorrupt, fb.Version())
	}

	if fb.DigestLength() != bridge.DigestSize || fb.BlockLength() != 32 {
		return nil, fmt.Errorf("%w: event proof field size", ErrCorrupt)
	}

	p := &bridge.EventProof{
		EventID:        fb.EventId(),
		ValidatorSetID: fb.ValidatorSetId(),
		Signatures:     make([]bridge.SignatureEntry, fb.SignaturesLength()),
	}
	copy(p.Digest[:], fb.DigestBytes())
	copy(p.Block[:], fb.BlockBytes())

	var entry types.SignatureEntry
	for i := range p.Signatures {
		if !fb.Signatures(&entry, i) || entry.SignatureLength() != bridge.SignatureSize {
			return nil, fmt.Errorf("%w: signature %d", ErrCorrupt, i)
		}

		p.Signatures[i].Index = entry.Index()
		copy(p.Signatures[i].Signature[:], entry.SignatureBytes())
	}

	return bridge.Seal(p), nil
}

// EncodeValidatorSet serializes a validator set.
func EncodeValidatorSet(set *bridge.ValidatorSet) []byte {
	builder := flatbuffers.NewBuilder(64 + set.Len()*bridge.AuthorityIDSize)

	flat := make([]byte, 0, set.Len()*bridge.AuthorityIDSize)
	for _, v := range set.Validators {
		flat = append(flat, v[:]...)
	}
	validatorsVec := builder.CreateByteVector(flat)

	types.ValidatorSetStart(builder)
	types.ValidatorSetAddId(builder, set.ID)
	types.ValidatorSetAddProofThreshold(builder, set.ProofThreshold)
	types.ValidatorSetAddValidators(builder, validatorsVec)
	builder.Finish(types.ValidatorSetEnd(builder))

	return builder.FinishedBytes()
}

// DecodeValidatorSet parses a validator set.
func DecodeValidatorSet(data []byte) (set *bridge.ValidatorSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			set, err = nil, fmt.Errorf("%w: validator set", ErrCorrupt)
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: validator set too short", ErrCorrupt)
	}

	fb := types.GetRootAsValidatorSet(data, 0)

	flat := fb.ValidatorsBytes()
	if len(flat)%bridge.AuthorityIDSize != 0 {
		return nil, fmt.Errorf("%w: validators length %d", ErrCorrupt, len(flat))
	}

	validators := make([]bridge.AuthorityID, len(flat)/bridge.AuthorityIDSize)
	for i := range validators {
		copy(validators[i][:], flat[i*bridge.AuthorityIDSize:])
	}

	set, err = bridge.NewValidatorSet(fb.Id(), fb.ProofThreshold(), validators)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return set, nil
}
