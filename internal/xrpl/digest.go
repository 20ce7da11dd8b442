package xrpl

import "crypto/sha512"

// multiSignPrefix is the hash prefix for multi-signing ("SMT\0").
var multiSignPrefix = []byte{0x53, 0x4D, 0x54, 0x00}

// SHA512Half returns the first 32 bytes of SHA-512 over data.
func SHA512Half(data ...[]byte) [32]byte {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil)[:32])

	return out
}

// MultiSigningDigest returns the digest a signer must sign to multi-sign txData.
// Each signer appends its own account id, so the digest is unique per signer.
func MultiSigningDigest(txData []byte, pub []byte) [32]byte {
	account := AccountIDFromPublicKey(pub)
	return SHA512Half(multiSignPrefix, txData, account[:])
}
