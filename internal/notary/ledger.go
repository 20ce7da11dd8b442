package notary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	flatbuffers "github.com/google/flatbuffers/go"

	"Ethy/internal/storage"
	"Ethy/internal/types"
)

// Ledger key layout.
var (
	keyNext       = []byte("cc/next")
	keyList       = []byte("cc/list")
	prefixInfo    = []byte("cc/info/")
	prefixAgg     = []byte("cc/agg/")
	prefixVote    = []byte("cc/vote/")
	prefixResolve = []byte("cc/res/")
)

// Resolution is the decided outcome of a chain call.
type Resolution struct {
	CallID       uint64          // CallID is the resolved call
	Result       ChainCallResult // Result is the decided outcome
	Reached      bool            // Reached is true when Result met the threshold
	SignerBitmap []byte          // SignerBitmap marks the indices that notarized Result
}

// ledger is the persisted notarization state with an in-memory mirror.
// Not safe for concurrent use; the engine serialises access.
type ledger struct {
	db          *storage.Storage                      // db is the backing store
	next        uint64                                // next is the next call id
	pending     []uint64                              // pending are the active call ids in schedule order
	info        map[uint64]ChainCallRequest           // info holds each active request
	counts      map[uint64]map[ChainCallResult]uint32 // counts aggregates notarizations per call
	votes       map[uint64]map[uint16]ChainCallResult // votes holds each authority's notarization per call
	resolutions []Resolution                          // resolutions are the most recent, oldest first
	history     int                                   // history bounds resolutions
}

// openLedger loads the ledger from db.
func openLedger(db *storage.Storage, history int) (*ledger, error) {
	l := &ledger{
		db:      db,
		info:    make(map[uint64]ChainCallRequest),
		counts:  make(map[uint64]map[ChainCallResult]uint32),
		votes:   make(map[uint64]map[uint16]ChainCallResult),
		history: history,
	}

	if err := l.load(); err != nil {
		return nil, fmt.Errorf("load notary ledger:\n%w", err)
	}

	return l, nil
}

// load reads every ledger record.
func (l *ledger) load() error {
	data, err := l.db.Get(keyNext)
	if err != nil {
		return err
	}
	if len(data) == 8 {
		l.next = binary.BigEndian.Uint64(data)
	}

	list, err := l.db.Get(keyList)
	if err != nil {
		return err
	}
	if len(list)%8 != 0 {
		return fmt.Errorf("%w: call list length %d", storage.ErrCorrupt, len(list))
	}

	for i := 0; i < len(list); i += 8 {
		id := binary.BigEndian.Uint64(list[i:])

		raw, err := l.db.Get(callKey(prefixInfo, id))
		if err != nil {
			return err
		}

		req, err := decodeRequest(raw)
		if err != nil {
			return fmt.Errorf("call %d:\n%w", id, err)
		}

		l.pending = append(l.pending, id)
		l.info[id] = req
	}

	err = l.db.IteratePrefix(prefixAgg, func(key, value []byte) error {
		counts, err := decodeCounts(value)
		if err != nil {
			return err
		}
		l.counts[binary.BigEndian.Uint64(key[len(prefixAgg):])] = counts
		return nil
	})
	if err != nil {
		return err
	}

	err = l.db.IteratePrefix(prefixVote, func(key, value []byte) error {
		if len(key) != len(prefixVote)+10 {
			return fmt.Errorf("%w: vote key", storage.ErrCorrupt)
		}

		result, _, err := readResult(value)
		if err != nil {
			return err
		}

		id := binary.BigEndian.Uint64(key[len(prefixVote):])
		index := binary.BigEndian.Uint16(key[len(prefixVote)+8:])
		l.voteMap(id)[index] = result
		return nil
	})
	if err != nil {
		return err
	}

	// Resolution keys are ordered by call id
	return l.db.IteratePrefix(prefixResolve, func(key, value []byte) error {
		res, err := decodeResolution(binary.BigEndian.Uint64(key[len(prefixResolve):]), value)
		if err != nil {
			return err
		}
		l.resolutions = append(l.resolutions, res)
		return nil
	})
}

// voteMap returns the vote map of id, creating it.
func (l *ledger) voteMap(id uint64) map[uint16]ChainCallResult {
	m, ok := l.votes[id]
	if !ok {
		m = make(map[uint16]ChainCallResult)
		l.votes[id] = m
	}
	return m
}

// schedule assigns ids to reqs and appends them to the pending list.
func (l *ledger) schedule(reqs []ChainCallRequest) ([]ChainCallRequest, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	next := l.next
	puts := make([]storage.KeyValue, 0, len(reqs)+2)
	scheduled := make([]ChainCallRequest, len(reqs))

	for i, req := range reqs {
		req.ID = next
		next++
		scheduled[i] = req
		puts = append(puts, storage.KeyValue{Key: callKey(prefixInfo, req.ID), Value: encodeRequest(req)})
	}

	pending := append(append([]uint64(nil), l.pending...), idsOf(scheduled)...)
	puts = append(puts,
		storage.KeyValue{Key: keyNext, Value: binary.BigEndian.AppendUint64(nil, next)},
		storage.KeyValue{Key: keyList, Value: encodeList(pending)},
	)

	if err := l.db.Apply(puts, nil); err != nil {
		return nil, fmt.Errorf("persist scheduled calls:\n%w", err)
	}

	l.next = next
	l.pending = pending
	for _, req := range scheduled {
		l.info[req.ID] = req
	}

	return scheduled, nil
}

// active reports whether id is pending.
func (l *ledger) active(id uint64) bool {
	_, ok := l.info[id]
	return ok
}

// hasVoted reports whether index has notarized id.
func (l *ledger) hasVoted(id uint64, index uint16) bool {
	_, ok := l.votes[id][index]
	return ok
}

// recordVote stores a notarization and returns the updated counts.
func (l *ledger) recordVote(id uint64, index uint16, result ChainCallResult) (map[ChainCallResult]uint32, error) {
	counts := make(map[ChainCallResult]uint32, len(l.counts[id])+1)
	for r, c := range l.counts[id] {
		counts[r] = c
	}
	counts[result]++

	puts := []storage.KeyValue{
		{Key: voteKey(id, index), Value: appendResult(nil, result)},
		{Key: callKey(prefixAgg, id), Value: encodeCounts(counts)},
	}
	if err := l.db.Apply(puts, nil); err != nil {
		return nil, fmt.Errorf("persist notarization:\n%w", err)
	}

	l.voteMap(id)[index] = result
	l.counts[id] = counts

	return counts, nil
}

// signersOf returns the indices that notarized result for id, ascending.
func (l *ledger) signersOf(id uint64, result ChainCallResult) []uint16 {
	var indices []uint16
	for index, r := range l.votes[id] {
		if r == result {
			indices = append(indices, index)
		}
	}

	slices.Sort(indices)

	return indices
}

// resolve records res and purges its call.
func (l *ledger) resolve(res Resolution) error {
	pending := make([]uint64, 0, len(l.pending))
	for _, id := range l.pending {
		if id != res.CallID {
			pending = append(pending, id)
		}
	}

	deletes := [][]byte{callKey(prefixInfo, res.CallID), callKey(prefixAgg, res.CallID)}
	for index := range l.votes[res.CallID] {
		deletes = append(deletes, voteKey(res.CallID, index))
	}

	resolutions := append(l.resolutions, res)
	if len(resolutions) > l.history {
		for _, old := range resolutions[:len(resolutions)-l.history] {
			deletes = append(deletes, callKey(prefixResolve, old.CallID))
		}
		resolutions = append([]Resolution(nil), resolutions[len(resolutions)-l.history:]...)
	}

	puts := []storage.KeyValue{
		{Key: keyList, Value: encodeList(pending)},
		{Key: callKey(prefixResolve, res.CallID), Value: encodeResolution(res)},
	}

	if err := l.db.Apply(puts, deletes); err != nil {
		return fmt.Errorf("persist resolution:\n%w", err)
	}

	l.pending = pending
	l.resolutions = resolutions
	delete(l.info, res.CallID)
	delete(l.counts, res.CallID)
	delete(l.votes, res.CallID)

	return nil
}

// callKey returns prefix || be64(id).
func callKey(prefix []byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), id)
}

// voteKey returns the key of index's notarization of id.
func voteKey(id uint64, index uint16) []byte {
	return binary.BigEndian.AppendUint16(callKey(prefixVote, id), index)
}

func idsOf(reqs []ChainCallRequest) []uint64 {
	ids := make([]uint64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

func encodeList(ids []uint64) []byte {
	buf := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		buf = binary.BigEndian.AppendUint64(buf, id)
	}
	return buf
}

// encodeRequest serializes a request as a ChainCall table.
func encodeRequest(req ChainCallRequest) []byte {
	builder := flatbuffers.NewBuilder(96)
	hashVec := builder.CreateByteVector(req.TxHash[:])

	types.ChainCallStart(builder)
	types.ChainCallAddCallId(builder, req.ID)
	types.ChainCallAddTxHash(builder, hashVec)
	types.ChainCallAddLedgerIndex(builder, req.LedgerIndex)
	builder.Finish(types.ChainCallEnd(builder))

	return builder.FinishedBytes()
}

// decodeRequest parses a ChainCall table.
func decodeRequest(data []byte) (req ChainCallRequest, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: chain call", storage.ErrCorrupt)
		}
	}()

	if len(data) < 8 {
		return req, fmt.Errorf("%w: chain call too short", storage.ErrCorrupt)
	}

	fb := types.GetRootAsChainCall(data, 0)
	if fb.TxHashLength() != 32 {
		return req, fmt.Errorf("%w: chain call hash", storage.ErrCorrupt)
	}

	req.ID = fb.CallId()
	req.LedgerIndex = fb.LedgerIndex()
	copy(req.TxHash[:], fb.TxHashBytes())

	return req, nil
}

// encodeCounts serializes counts as repeated result || be32(count), sorted by encoding.
func encodeCounts(counts map[ChainCallResult]uint32) []byte {
	entries := make([][]byte, 0, len(counts))
	for r, c := range counts {
		entries = append(entries, binary.BigEndian.AppendUint32(appendResult(nil, r), c))
	}

	slices.SortFunc(entries, bytes.Compare)

	return bytes.Join(entries, nil)
}

func decodeCounts(data []byte) (map[ChainCallResult]uint32, error) {
	counts := make(map[ChainCallResult]uint32)

	for len(data) > 0 {
		r, rest, err := readResult(data)
		if err != nil {
			return nil, err
		}
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: count", storage.ErrCorrupt)
		}

		counts[r] = binary.BigEndian.Uint32(rest)
		data = rest[4:]
	}

	return counts, nil
}

// encodeResolution serializes result || reached || bitmap.
func encodeResolution(res Resolution) []byte {
	buf := appendResult(nil, res.Result)
	if res.Reached {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return append(buf, res.SignerBitmap...)
}

func decodeResolution(id uint64, data []byte) (Resolution, error) {
	r, rest, err := readResult(data)
	if err != nil {
		return Resolution{}, err
	}
	if len(rest) < 1 {
		return Resolution{}, fmt.Errorf("%w: resolution", storage.ErrCorrupt)
	}

	return Resolution{
		CallID:       id,
		Result:       r,
		Reached:      rest[0] == 1,
		SignerBitmap: append([]byte(nil), rest[1:]...),
	}, nil
}
