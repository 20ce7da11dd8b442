package storage

import (
	"encoding/binary"
	"fmt"

	"Ethy/internal/bridge"
	"Ethy/internal/logger"
)

// Key prefixes owned by the proof store.
var (
	prefixValidatorSet = []byte("vs/")
	keyXrplSigners     = []byte("xs/current")
)

// ExportPrefixes lists every prefix a proof snapshot carries.
var ExportPrefixes = [][]byte{bridge.EngineID[:], prefixValidatorSet, keyXrplSigners}

// ProofStore persists sealed event proofs and the validator sets that signed them.
type ProofStore struct {
	db *Storage // db is the backing key-value store
}

// NewProofStore wraps db.
func NewProofStore(db *Storage) *ProofStore {
	return &ProofStore{db: db}
}

// DB returns the backing store.
func (p *ProofStore) DB() *Storage {
	return p.db
}

// Put stores a sealed proof under its proof key.
func (p *ProofStore) Put(chain bridge.ChainID, vp *bridge.VersionedEventProof) error {
	key := bridge.ProofKey(chain, vp.Proof.EventID)

	if err := p.db.Set(key, EncodeProof(chain, vp)); err != nil {
		return fmt.Errorf("put proof %d:\n%w", vp.Proof.EventID, err)
	}

	return nil
}

// Get returns the proof for eventID on chain.
// Returns false if it is absent or cannot be decoded.
func (p *ProofStore) Get(chain bridge.ChainID, eventID uint64) (*bridge.VersionedEventProof, bool) {
	data, err := p.db.Get(bridge.ProofKey(chain, eventID))
	if err != nil {
		logger.Warn("read proof failed", "chain", chain, "event", eventID, "error", err)
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	vp, err := DecodeProof(data)
	if err != nil {
		logger.Warn("stored proof is corrupt", "chain", chain, "event", eventID, "error", err)
		return nil, false
	}

	return vp, true
}

// UpdateBlock rewrites the block hash of a stored proof.
// Returns false if no proof is stored.
func (p *ProofStore) UpdateBlock(chain bridge.ChainID, eventID uint64, block [32]byte) (bool, error) {
	vp, ok := p.Get(chain, eventID)
	if !ok {
		return false, nil
	}

	if vp.Proof.Block == block {
		return true, nil
	}

	vp.Proof.Block = block

	if err := p.Put(chain, vp); err != nil {
		return false, fmt.Errorf("update proof block:\n%w", err)
	}

	return true, nil
}

// validatorSetKey returns the key of validator set id.
func validatorSetKey(id uint64) []byte {
	key := make([]byte, len(prefixValidatorSet)+8)
	copy(key, prefixValidatorSet)
	binary.BigEndian.PutUint64(key[len(prefixValidatorSet):], id)

	return key
}

// PutValidatorSet stores set under its id.
func (p *ProofStore) PutValidatorSet(set *bridge.ValidatorSet) error {
	if err := p.db.Set(validatorSetKey(set.ID), EncodeValidatorSet(set)); err != nil {
		return fmt.Errorf("put validator set %d:\n%w", set.ID, err)
	}

	return nil
}

// ValidatorSet returns the stored set with id.
func (p *ProofStore) ValidatorSet(id uint64) (*bridge.ValidatorSet, bool) {
	return p.readSet(validatorSetKey(id))
}

// PutXrplSigners stores the current XRPL door signer set.
func (p *ProofStore) PutXrplSigners(set *bridge.ValidatorSet) error {
	if err := p.db.Set(keyXrplSigners, EncodeValidatorSet(set)); err != nil {
		return fmt.Errorf("put xrpl signers:\n%w", err)
	}

	return nil
}

// XrplSigners returns the current XRPL door signer set.
func (p *ProofStore) XrplSigners() (*bridge.ValidatorSet, bool) {
	return p.readSet(keyXrplSigners)
}

// LatestValidatorSet returns the stored set with the highest id.
func (p *ProofStore) LatestValidatorSet() (*bridge.ValidatorSet, bool) {
	var latest []byte

	err := p.db.IteratePrefix(prefixValidatorSet, func(_, value []byte) error {
		latest = append(latest[:0], value...)
		return nil
	})
	if err != nil || latest == nil {
		return nil, false
	}

	set, err := DecodeValidatorSet(latest)
	if err != nil {
		return nil, false
	}

	return set, true
}

// readSet decodes the validator set stored at key.
func (p *ProofStore) readSet(key []byte) (*bridge.ValidatorSet, bool) {
	data, err := p.db.Get(key)
	if err != nil || data == nil {
		return nil, false
	}

	set, err := DecodeValidatorSet(data)
	if err != nil {
		logger.Warn("stored validator set is corrupt", "key", fmt.Sprintf("%x", key), "error", err)
		return nil, false
	}

	return set, true
}

// Export calls fn for every record a snapshot carries, in key order per prefix.
func (p *ProofStore) Export(fn func(key, value []byte) error) error {
	for _, prefix := range ExportPrefixes {
		if err := p.db.IteratePrefix(prefix, fn); err != nil {
			return fmt.Errorf("export %q:\n%w", prefix, err)
		}
	}

	return nil
}
