package notary

import (
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

const (
	// PublicKeySize is the size of a compressed notary public key.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed notary signature.
	SignatureSize = 96

	// KeygenDomain is the seed derivation domain for notary keys.
	KeygenDomain = "ethy-notary-keygen"
)

// dst is the domain separation tag for notarization signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// PublicKey is a compressed BLS12-381 G1 public key.
type PublicKey [PublicKeySize]byte

// KeyPair holds a notary signing key.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public PublicKey       // public is the compressed public key
}

// NewKeyPair creates a key pair from a 32-byte seed.
func NewKeyPair(seed [32]byte) (*KeyPair, error) {
	secret := blst.KeyGen(seed[:])
	if secret == nil {
		return nil, fmt.Errorf("derive notary key")
	}

	var public PublicKey
	copy(public[:], new(blst.P1Affine).From(secret).Compress())

	return &KeyPair{secret: secret, public: public}, nil
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	copy(sig[:], new(blst.P2Affine).Sign(k.secret, message, dst).Compress())

	return sig
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() PublicKey {
	return k.public
}

// Verify checks sig over message against pub.
func Verify(pub PublicKey, sig [SignatureSize]byte, message []byte) bool {
	s := new(blst.P2Affine).Uncompress(sig[:])
	if s == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(pub[:])
	if pk == nil {
		return false
	}

	return s.Verify(true, pk, true, message, dst)
}

// ParsePublicKeys decodes and checks compressed public keys.
func ParsePublicKeys(raw [][]byte) ([]PublicKey, error) {
	keys := make([]PublicKey, len(raw))

	for i, b := range raw {
		if len(b) != PublicKeySize {
			return nil, fmt.Errorf("notary key %d: size %d, want %d", i, len(b), PublicKeySize)
		}
		if new(blst.P1Affine).Uncompress(b) == nil {
			return nil, fmt.Errorf("notary key %d: not a curve point", i)
		}

		copy(keys[i][:], b)
	}

	return keys, nil
}

// BuildSignerBitmap sets one bit per index below total.
func BuildSignerBitmap(indices []uint16, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if int(idx) < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap returns the indices set in bitmap.
func ParseSignerBitmap(bitmap []byte) []uint16 {
	var indices []uint16

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, uint16(byteIdx*8+bit))
			}
		}
	}

	return indices
}
