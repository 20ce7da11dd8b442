// Package snapshot exports and restores the proof store as a compressed, checksummed file.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Ethy/internal/logger"
	"Ethy/internal/storage"
	"Ethy/internal/types"
)

// snapshotVersion is the current snapshot format version.
const snapshotVersion = 1

var (
	// ErrChecksum is returned when a snapshot's records do not match its checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")

	// ErrMalformed is returned when a snapshot cannot be parsed.
	ErrMalformed = errors.New("malformed snapshot")
)

// record is one exported key-value pair.
type record struct {
	key   []byte
	value []byte
}

// Create encodes every exported record of store into a compressed snapshot.
func Create(store *storage.ProofStore) ([]byte, error) {
	var records []record

	err := store.Export(func(key, value []byte) error {
		records = append(records, record{
			key:   bytes.Clone(key),
			value: bytes.Clone(value),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect records:\n%w", err)
	}

	data, err := compress(build(records))
	if err != nil {
		return nil, fmt.Errorf("compress snapshot:\n%w", err)
	}

	return data, nil
}

// build creates the flatbuffers snapshot with its checksum.
func build(records []record) []byte {
	sortRecords(records)

	checksum := computeChecksum(snapshotVersion, records)
	builder := flatbuffers.NewBuilder(1024)

	offsets := make([]flatbuffers.UOffsetT, len(records))
	for i, r := range records {
		keyVec := builder.CreateByteVector(r.key)
		valueVec := builder.CreateByteVector(r.value)

		types.SnapshotRecordStart(builder)
		types.SnapshotRecordAddKey(builder, keyVec)
		types.SnapshotRecordAddValue(builder, valueVec)
		offsets[i] = types.SnapshotRecordEnd(builder)
	}

	types.ProofSnapshotStartRecordsVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	recordsVec := builder.EndVector(len(offsets))

	checksumVec := builder.CreateByteVector(checksum[:])

	types.ProofSnapshotStart(builder)
	types.ProofSnapshotAddVersion(builder, snapshotVersion)
	types.ProofSnapshotAddRecords(builder, recordsVec)
	types.ProofSnapshotAddChecksum(builder, checksumVec)
	builder.Finish(types.ProofSnapshotEnd(builder))

	return builder.FinishedBytes()
}

// sortRecords orders records by key.
func sortRecords(records []record) {
	slices.SortFunc(records, func(a, b record) int {
		return bytes.Compare(a.key, b.key)
	})
}

// computeChecksum hashes the version and the length-prefixed records.
func computeChecksum(version uint32, records []record) [32]byte {
	hasher := blake3.New()

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], version)
	hasher.Write(buf[:])

	for _, r := range records {
		binary.BigEndian.PutUint32(buf[:], uint32(len(r.key)))
		hasher.Write(buf[:])
		hasher.Write(r.key)

		binary.BigEndian.PutUint32(buf[:], uint32(len(r.value)))
		hasher.Write(buf[:])
		hasher.Write(r.value)
	}

	var checksum [32]byte
	hasher.Sum(checksum[:0])

	return checksum
}

// Apply verifies a compressed snapshot and writes its records in one batch.
// Returns the number of records written.
func Apply(db *storage.Storage, data []byte) (int, error) {
	raw, err := decompress(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	records, err := parse(raw)
	if err != nil {
		return 0, err
	}

	pairs := make([]storage.KeyValue, len(records))
	for i, r := range records {
		pairs[i] = storage.KeyValue{Key: r.key, Value: r.value}
	}

	if err := db.SetBatch(pairs); err != nil {
		return 0, fmt.Errorf("write records:\n%w", err)
	}

	return len(pairs), nil
}

// parse decodes a snapshot and checks its version and checksum.
func parse(data []byte) (records []record, err error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if r := recover(); r != nil {
			records, err = nil, ErrMalformed
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}

	snap := types.GetRootAsProofSnapshot(data, 0)
	if snap.Version() != snapshotVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformed, snap.Version())
	}

	stored := snap.ChecksumBytes()
	if len(stored) != 32 {
		return nil, fmt.Errorf("%w: checksum length %d", ErrMalformed, len(stored))
	}

	records = make([]record, snap.RecordsLength())
	var fb types.SnapshotRecord

	for i := range records {
		if !snap.Records(&fb, i) {
			return nil, fmt.Errorf("%w: record %d", ErrMalformed, i)
		}

		records[i] = record{
			key:   bytes.Clone(fb.KeyBytes()),
			value: bytes.Clone(fb.ValueBytes()),
		}
	}

	sortRecords(records)

	computed := computeChecksum(snap.Version(), records)
	if !bytes.Equal(computed[:], stored) {
		return nil, ErrChecksum
	}

	return records, nil
}

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

// Save writes a snapshot of store to path.
func Save(path string, store *storage.ProofStore) error {
	start := time.Now()

	data, err := Create(store)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot:\n%w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot:\n%w", err)
	}

	logger.Info("snapshot written", "path", path, "bytes", len(data), logger.Timed(start))

	return nil
}

// Restore applies the snapshot at path when db is empty.
// Returns false when nothing was restored.
func Restore(path string, db *storage.Storage) (bool, error) {
	empty, err := db.IsEmpty()
	if err != nil {
		return false, fmt.Errorf("check database:\n%w", err)
	}
	if !empty {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot:\n%w", err)
	}

	start := time.Now()

	n, err := Apply(db, data)
	if err != nil {
		return false, fmt.Errorf("apply snapshot:\n%w", err)
	}

	logger.Info("snapshot restored", "path", path, "records", n, logger.Timed(start))

	return true, nil
}
