package xrpl

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"
)

const (
	// AccountIDSize is the size of an XRPL account id.
	AccountIDSize = 20

	// accountVersion is the classic address type prefix.
	accountVersion = 0x00

	// checksumSize is the base58check checksum length.
	checksumSize = 4
)

// rippleAlphabet is the base58 alphabet used by XRPL addresses.
var rippleAlphabet = base58.NewAlphabet("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz")

// AccountID is the 20-byte XRPL account identifier.
type AccountID [AccountIDSize]byte

// AccountIDFromPublicKey derives the account id of a 33-byte compressed public key.
// The id is RIPEMD160(SHA256(pubkey)).
func AccountIDFromPublicKey(pub []byte) AccountID {
	sha := sha256.Sum256(pub)

	h := ripemd160.New()
	h.Write(sha[:])

	var id AccountID
	copy(id[:], h.Sum(nil))

	return id
}

// ClassicAddress returns the base58check "r..." encoding of the account id.
func (a AccountID) ClassicAddress() string {
	payload := make([]byte, 0, 1+AccountIDSize+checksumSize)
	payload = append(payload, accountVersion)
	payload = append(payload, a[:]...)
	payload = append(payload, checksum(payload)...)

	return base58.EncodeAlphabet(payload, rippleAlphabet)
}

// String returns the classic address.
func (a AccountID) String() string {
	return a.ClassicAddress()
}

// DecodeClassicAddress parses an "r..." address into its account id.
func DecodeClassicAddress(addr string) (AccountID, error) {
	var id AccountID

	raw, err := base58.DecodeAlphabet(addr, rippleAlphabet)
	if err != nil {
		return id, fmt.Errorf("decode base58:\n%w", err)
	}

	if len(raw) != 1+AccountIDSize+checksumSize {
		return id, fmt.Errorf("invalid address length: %d", len(raw))
	}

	if raw[0] != accountVersion {
		return id, fmt.Errorf("invalid address version: %d", raw[0])
	}

	body := raw[:1+AccountIDSize]
	if !bytes.Equal(checksum(body), raw[1+AccountIDSize:]) {
		return id, fmt.Errorf("invalid address checksum")
	}

	copy(id[:], raw[1:1+AccountIDSize])

	return id, nil
}

// checksum returns the first 4 bytes of a double SHA-256.
func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])

	return second[:checksumSize]
}
