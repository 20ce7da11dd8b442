package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"Ethy/internal/bridge"
	"Ethy/internal/logger"
)

const (
	// keyFileSuffix is the extension of key files.
	keyFileSuffix = ".key"

	// compactHeader is the base of the compact signature header byte.
	compactHeader = 27

	// compressedFlag is added to the header for compressed keys.
	compressedFlag = 4
)

var (
	// ErrNoKeystore is returned when signing without a configured keystore.
	ErrNoKeystore = errors.New("no keystore")

	// ErrKeyUnavailable is returned when the keystore lacks the requested key.
	ErrKeyUnavailable = errors.New("key unavailable")
)

// Keystore holds secp256k1 authority keys, one hex file per key in a directory.
// A nil *Keystore is valid and behaves as an unconfigured keystore.
type Keystore struct {
	dir  string                                       // dir is the key directory, empty for memory-only
	keys map[bridge.AuthorityID]*secp256k1.PrivateKey // keys maps public key to private key
	mu   sync.RWMutex                                 // mu protects keys
}

// New creates an empty in-memory keystore.
func New() *Keystore {
	return &Keystore{keys: make(map[bridge.AuthorityID]*secp256k1.PrivateKey)}
}

// Open loads every key file in dir, creating the directory if needed.
func Open(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir:\n%w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir:\n%w", err)
	}

	ks := New()
	ks.dir = dir

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keyFileSuffix) {
			continue
		}

		if err := ks.loadFile(filepath.Join(dir, e.Name())); err != nil {
			return nil, err
		}
	}

	logger.Debug("keystore opened", "dir", dir, "keys", len(ks.keys))

	return ks, nil
}

// loadFile reads one hex encoded secret.
func (k *Keystore) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key file:\n%w", err)
	}

	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("decode key file %s:\n%w", path, err)
	}

	if _, err := k.Import(secret); err != nil {
		return fmt.Errorf("import key file %s:\n%w", path, err)
	}

	return nil
}

// Import adds a 32-byte secret and returns its authority id.
func (k *Keystore) Import(secret []byte) (bridge.AuthorityID, error) {
	if len(secret) != 32 {
		return bridge.AuthorityID{}, fmt.Errorf("invalid secret size: got %d, want 32", len(secret))
	}

	priv := secp256k1.PrivKeyFromBytes(secret)
	if priv.Key.IsZero() {
		return bridge.AuthorityID{}, fmt.Errorf("invalid secret: zero scalar")
	}

	id := authorityOf(priv)

	k.mu.Lock()
	k.keys[id] = priv
	k.mu.Unlock()

	return id, nil
}

// Generate creates a new key, persisting it when the keystore has a directory.
func (k *Keystore) Generate() (bridge.AuthorityID, error) {
	if k == nil {
		return bridge.AuthorityID{}, ErrNoKeystore
	}

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return bridge.AuthorityID{}, fmt.Errorf("generate key:\n%w", err)
	}

	id := authorityOf(priv)

	if k.dir != "" {
		path := filepath.Join(k.dir, id.String()+keyFileSuffix)
		if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Serialize())), 0600); err != nil {
			return bridge.AuthorityID{}, fmt.Errorf("save key to %s:\n%w", path, err)
		}
	}

	k.mu.Lock()
	k.keys[id] = priv
	k.mu.Unlock()

	return id, nil
}

// PublicKeys returns every authority id held by the keystore.
func (k *Keystore) PublicKeys() []bridge.AuthorityID {
	if k == nil {
		return nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	ids := make([]bridge.AuthorityID, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}

	return ids
}

// FindLocalKey returns the first candidate with a local private key.
func (k *Keystore) FindLocalKey(candidates []bridge.AuthorityID) (bridge.AuthorityID, bool) {
	if k == nil {
		return bridge.AuthorityID{}, false
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	for _, c := range candidates {
		if _, ok := k.keys[c]; ok {
			return c, true
		}
	}

	return bridge.AuthorityID{}, false
}

// Sign signs a prehashed digest with the key of id.
func (k *Keystore) Sign(id bridge.AuthorityID, digest [bridge.DigestSize]byte) (bridge.Signature, error) {
	var sig bridge.Signature

	if k == nil {
		return sig, ErrNoKeystore
	}

	k.mu.RLock()
	priv, ok := k.keys[id]
	k.mu.RUnlock()

	if !ok {
		return sig, fmt.Errorf("%w: %s", ErrKeyUnavailable, id.Short())
	}

	// Compact form is header || R || S, reorder to R || S || recovery id
	compact := ecdsa.SignCompact(priv, digest[:], true)
	copy(sig[:64], compact[1:])
	sig[64] = compact[0] - compactHeader - compressedFlag

	return sig, nil
}

// DeriveSeed returns blake3(domain || secret) for the key of id.
// Other key types are derived from the authority key this way.
func (k *Keystore) DeriveSeed(id bridge.AuthorityID, domain string) ([32]byte, error) {
	var seed [32]byte

	if k == nil {
		return seed, ErrNoKeystore
	}

	k.mu.RLock()
	priv, ok := k.keys[id]
	k.mu.RUnlock()

	if !ok {
		return seed, fmt.Errorf("%w: %s", ErrKeyUnavailable, id.Short())
	}

	h := blake3.New()
	h.Write([]byte(domain))
	h.Write(priv.Serialize())
	h.Sum(seed[:0])

	return seed, nil
}

// Verify checks sig over digest against the authority public key.
// Malformed keys or signatures return false.
func Verify(id bridge.AuthorityID, sig bridge.Signature, digest [bridge.DigestSize]byte) bool {
	pub, err := secp256k1.ParsePubKey(id[:])
	if err != nil {
		return false
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:64]); overflow || s.IsZero() {
		return false
	}

	return ecdsa.NewSignature(&r, &s).Verify(digest[:], pub)
}

// Keccak256 hashes data with legacy Keccak-256.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// UncompressedPublicKey returns the 65-byte uncompressed form of id.
func UncompressedPublicKey(id bridge.AuthorityID) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(id[:])
	if err != nil {
		return nil, fmt.Errorf("parse public key:\n%w", err)
	}

	return pub.SerializeUncompressed(), nil
}

// EthereumAddress returns the 20-byte Ethereum address of id.
func EthereumAddress(id bridge.AuthorityID) ([20]byte, error) {
	var addr [20]byte

	pub, err := UncompressedPublicKey(id)
	if err != nil {
		return addr, err
	}

	hash := Keccak256(pub[1:])
	copy(addr[:], hash[12:])

	return addr, nil
}

// authorityOf returns the compressed public key of priv.
func authorityOf(priv *secp256k1.PrivateKey) bridge.AuthorityID {
	var id bridge.AuthorityID
	copy(id[:], priv.PubKey().SerializeCompressed())

	return id
}
