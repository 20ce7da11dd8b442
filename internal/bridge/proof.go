package bridge

import (
	"encoding/binary"
	"fmt"
	"sort"

	"Ethy/internal/xrpl"
)

// EngineID tags every persisted proof key.
var EngineID = [4]byte{'E', 'T', 'H', 'Y'}

// ProofKeySize is the length of a proof key.
const ProofKeySize = len(EngineID) + 1 + 8

// ProofVersionV1 is the current proof version.
const ProofVersionV1 uint8 = 1

// SignatureEntry is one authority's signature within a proof.
type SignatureEntry struct {
	Index     uint32    // Index is the authority position in the validator set
	Signature Signature // Signature is the authority's signature
}

// EventProof is a threshold set of signatures over an event digest.
type EventProof struct {
	Digest         [DigestSize]byte // Digest is the signed event digest
	EventID        uint64           // EventID is the proven event
	ValidatorSetID uint64           // ValidatorSetID is the set that signed
	Signatures     []SignatureEntry // Signatures are sorted by Index
	Block          [32]byte         // Block is the finalized block hash of the request
}

// VersionedEventProof is a sealed proof for storage and transmission.
type VersionedEventProof struct {
	Version uint8       // Version is the proof format version
	Proof   *EventProof // Proof is the sealed proof
}

// Seal wraps a proof in the current version.
func Seal(p *EventProof) *VersionedEventProof {
	return &VersionedEventProof{Version: ProofVersionV1, Proof: p}
}

// SignatureCount returns the number of non-empty signatures.
func (p *EventProof) SignatureCount() int {
	count := 0

	for _, s := range p.Signatures {
		if !s.Signature.IsEmpty() {
			count++
		}
	}

	return count
}

// ExpandedSignatures returns n signatures ordered by authority index.
// Missing indices hold EmptySignature. Indices >= n are ignored.
func (p *EventProof) ExpandedSignatures(n int) []Signature {
	if n < 0 {
		n = 0
	}

	out := make([]Signature, n)

	for _, s := range p.Signatures {
		if int64(s.Index) >= int64(n) {
			continue
		}
		out[s.Index] = s.Signature
	}

	return out
}

// SortSignatures orders signatures by authority index.
func SortSignatures(sigs []SignatureEntry) {
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Index < sigs[j].Index })
}

// ProofKey returns the storage key: engine id, chain byte, big-endian event id.
func ProofKey(chain ChainID, eventID uint64) []byte {
	key := make([]byte, ProofKeySize)

	copy(key, EngineID[:])
	key[len(EngineID)] = byte(chain)
	binary.BigEndian.PutUint64(key[len(EngineID)+1:], eventID)

	return key
}

// DataToDigest turns signing request data into the 32-byte digest to sign.
// XRPL digests are unique per signer. Ethereum data must already be a digest.
func DataToDigest(chain ChainID, data []byte, pub AuthorityID) ([DigestSize]byte, error) {
	var digest [DigestSize]byte

	switch chain {
	case ChainXrpl:
		return xrpl.MultiSigningDigest(data, pub[:]), nil
	case ChainEthereum:
		if len(data) != DigestSize {
			return digest, fmt.Errorf("invalid digest size: got %d, want %d", len(data), DigestSize)
		}
		copy(digest[:], data)
		return digest, nil
	default:
		return digest, fmt.Errorf("unknown chain %d", chain)
	}
}
