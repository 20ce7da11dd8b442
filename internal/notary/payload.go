package notary

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Ethy/internal/xrpl"
)

// Result kinds as encoded on the wire.
const (
	kindOk     byte = 0x00
	kindFailed byte = 0x01
)

// payloadTypeNotarize is the only payload type.
const payloadTypeNotarize byte = 0

const (
	okResultSize = 1 + 32 + 8 + 8 + xrpl.AccountIDSize
	headerSize   = 1 + 8 + 2
)

// ErrMalformed is returned when payload or transaction bytes cannot be decoded.
var ErrMalformed = errors.New("malformed notarization")

// ChainCallRequest is a challenged XRPL transaction awaiting notarization.
type ChainCallRequest struct {
	ID          uint64   // ID is the monotonic call id
	TxHash      [32]byte // TxHash is the XRPL transaction to check
	LedgerIndex uint64   // LedgerIndex is the ledger the tx is claimed in
}

// ChainCallResult is the outcome of checking a call. Comparable.
type ChainCallResult struct {
	Failed      bool           // Failed marks the CallFailed outcome, other fields are zero
	TxHash      [32]byte       // TxHash is the checked transaction
	LedgerIndex uint64         // LedgerIndex is the validated ledger
	Amount      uint64         // Amount is the delivered amount in drops
	Destination xrpl.AccountID // Destination is the receiving account
}

// CallFailed is the result of a definitive negative check.
var CallFailed = ChainCallResult{Failed: true}

// Kind returns a label for metrics and logs.
func (r ChainCallResult) Kind() string {
	if r.Failed {
		return "failed"
	}
	return "ok"
}

// appendResult appends the wire encoding of r.
func appendResult(buf []byte, r ChainCallResult) []byte {
	if r.Failed {
		return append(buf, kindFailed)
	}

	buf = append(buf, kindOk)
	buf = append(buf, r.TxHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, r.LedgerIndex)
	buf = binary.BigEndian.AppendUint64(buf, r.Amount)

	return append(buf, r.Destination[:]...)
}

// readResult decodes a result and returns the remaining bytes.
func readResult(data []byte) (ChainCallResult, []byte, error) {
	if len(data) == 0 {
		return ChainCallResult{}, nil, fmt.Errorf("%w: missing result", ErrMalformed)
	}

	switch data[0] {
	case kindFailed:
		return CallFailed, data[1:], nil
	case kindOk:
		if len(data) < okResultSize {
			return ChainCallResult{}, nil, fmt.Errorf("%w: short result", ErrMalformed)
		}

		var r ChainCallResult
		copy(r.TxHash[:], data[1:33])
		r.LedgerIndex = binary.BigEndian.Uint64(data[33:41])
		r.Amount = binary.BigEndian.Uint64(data[41:49])
		copy(r.Destination[:], data[49:okResultSize])

		return r, data[okResultSize:], nil
	default:
		return ChainCallResult{}, nil, fmt.Errorf("%w: result kind %d", ErrMalformed, data[0])
	}
}

// Payload is one authority's notarization of a call.
type Payload struct {
	CallID         uint64          // CallID is the notarized call
	AuthorityIndex uint16          // AuthorityIndex is the notary's position in the set
	Result         ChainCallResult // Result is the observed outcome
}

// Encode returns the signed payload bytes.
func (p *Payload) Encode() []byte {
	buf := make([]byte, 0, headerSize+okResultSize)
	buf = append(buf, payloadTypeNotarize)
	buf = binary.BigEndian.AppendUint64(buf, p.CallID)
	buf = binary.BigEndian.AppendUint16(buf, p.AuthorityIndex)

	return appendResult(buf, p.Result)
}

// DecodePayload parses an encoded payload. Trailing bytes are rejected.
func DecodePayload(data []byte) (*Payload, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short payload", ErrMalformed)
	}
	if data[0] != payloadTypeNotarize {
		return nil, fmt.Errorf("%w: payload type %d", ErrMalformed, data[0])
	}

	p := &Payload{
		CallID:         binary.BigEndian.Uint64(data[1:9]),
		AuthorityIndex: binary.BigEndian.Uint16(data[9:11]),
	}

	result, rest, err := readResult(data[headerSize:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}

	p.Result = result

	return p, nil
}

// Transaction is a signed notarization as gossiped and pooled.
type Transaction struct {
	Payload   Payload             // Payload is the signed content
	Signature [SignatureSize]byte // Signature is the notary signature over Payload.Encode()
}

// NewTransaction signs p with key.
func NewTransaction(p Payload, key *KeyPair) *Transaction {
	return &Transaction{Payload: p, Signature: key.Sign(p.Encode())}
}

// Encode returns payload || signature.
func (tx *Transaction) Encode() []byte {
	return append(tx.Payload.Encode(), tx.Signature[:]...)
}

// DecodeTransaction parses payload || signature.
func DecodeTransaction(data []byte) (*Transaction, error) {
	if len(data) < headerSize+1+SignatureSize {
		return nil, fmt.Errorf("%w: short transaction", ErrMalformed)
	}

	split := len(data) - SignatureSize

	p, err := DecodePayload(data[:split])
	if err != nil {
		return nil, err
	}

	tx := &Transaction{Payload: *p}
	copy(tx.Signature[:], data[split:])

	return tx, nil
}
