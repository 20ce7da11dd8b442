package bridge

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// AuthorityIDSize is the size of a compressed secp256k1 public key.
	AuthorityIDSize = 33

	// SignatureSize is the size of an r||s||v signature.
	SignatureSize = 65

	// DigestSize is the size of a signed digest.
	DigestSize = 32
)

// ChainID identifies a bridged chain.
type ChainID uint8

const (
	// ChainEthereum is the Ethereum-like target chain.
	ChainEthereum ChainID = 1

	// ChainXrpl is the XRPL-like target chain.
	ChainXrpl ChainID = 2
)

// Valid reports whether c is a known chain.
func (c ChainID) Valid() bool {
	return c == ChainEthereum || c == ChainXrpl
}

// String returns the chain name.
func (c ChainID) String() string {
	switch c {
	case ChainEthereum:
		return "ethereum"
	case ChainXrpl:
		return "xrpl"
	default:
		return fmt.Sprintf("chain(%d)", uint8(c))
	}
}

// ParseChainID parses a chain name.
func ParseChainID(s string) (ChainID, error) {
	switch s {
	case "ethereum", "eth", "":
		return ChainEthereum, nil
	case "xrpl", "xrp":
		return ChainXrpl, nil
	default:
		return 0, fmt.Errorf("unknown chain %q", s)
	}
}

// AuthorityID is a validator's compressed secp256k1 public key.
type AuthorityID [AuthorityIDSize]byte

// Compare orders authority ids by their bytes.
func (a AuthorityID) Compare(b AuthorityID) int {
	return bytes.Compare(a[:], b[:])
}

// String returns the hex encoding.
func (a AuthorityID) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first bytes in hex for logs.
func (a AuthorityID) Short() string {
	return hex.EncodeToString(a[:6])
}

// ParseAuthorityID decodes a hex compressed public key.
func ParseAuthorityID(s string) (AuthorityID, error) {
	var id AuthorityID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode authority:\n%w", err)
	}

	if len(b) != AuthorityIDSize {
		return id, fmt.Errorf("invalid authority size: got %d, want %d", len(b), AuthorityIDSize)
	}

	copy(id[:], b)

	return id, nil
}

// Signature is an ECDSA signature in r||s||v form.
type Signature [SignatureSize]byte

// EmptySignature fills proof slots of authorities that did not sign.
var EmptySignature Signature

// IsEmpty reports whether s is the empty signature.
func (s Signature) IsEmpty() bool {
	return s == EmptySignature
}

// String returns the hex encoding.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}
