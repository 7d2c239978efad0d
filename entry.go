package ledgerwal

import (
	"encoding/binary"
	"hash/crc32"
	"time"
)

// Entry is a single record in the write-ahead log.
//
// Index is 1-based and strictly monotonic; index 0 is synthetic,
// always has Term 0 and an empty Payload, is never flagged as a
// snapshot and is never applied. Context is an in-memory-only tag: it
// rides along with Append but is never persisted, and is handed to
// the state machine at apply time through the side map kept by
// WriteAheadLog.
type Entry struct {
	Index      uint64
	Term       uint64
	Timestamp  time.Time
	Payload    []byte
	Context    any
	IsSnapshot bool
}

// zeroEntry is the synthetic index-0 entry every fresh or recovered
// log implicitly carries.
func zeroEntry() Entry {
	return Entry{Index: 0, Term: 0}
}

// indexRecordSize is the fixed width, in bytes, of a persisted
// EntryIndex record: address(8) + length(4) + term(8) + timestamp(8)
// + flags(4).
const indexRecordSize = 32

// indexFlag bits packed into an index record's flags field.
const (
	flagSnapshot uint32 = 1 << 0
)

// indexRecord is the fixed-width, on-disk shape of one EntryIndex
// slot, exactly as laid out in spec.md §6 ("Binary formats").
type indexRecord struct {
	Address   uint64
	Length    uint32
	Term      uint64
	Timestamp int64 // nanoseconds since Unix epoch
	Flags     uint32
}

func newIndexRecord(addr Address, length uint32, term uint64, ts time.Time, isSnapshot bool) indexRecord {
	var flags uint32
	if isSnapshot {
		flags |= flagSnapshot
	}
	return indexRecord{
		Address:   uint64(addr),
		Length:    length,
		Term:      term,
		Timestamp: ts.UnixNano(),
		Flags:     flags,
	}
}

func (r indexRecord) isSnapshot() bool {
	return r.Flags&flagSnapshot != 0
}

// encode writes the fixed-width record in little-endian order.
func (r indexRecord) encode(buf []byte) {
	if len(buf) < indexRecordSize {
		panic("ledgerwal: index record buffer too small")
	}
	binary.LittleEndian.PutUint64(buf[0:8], r.Address)
	binary.LittleEndian.PutUint32(buf[8:12], r.Length)
	binary.LittleEndian.PutUint64(buf[12:20], r.Term)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(buf[28:32], r.Flags)
}

func decodeIndexRecord(buf []byte) indexRecord {
	return indexRecord{
		Address:   binary.LittleEndian.Uint64(buf[0:8]),
		Length:    binary.LittleEndian.Uint32(buf[8:12]),
		Term:      binary.LittleEndian.Uint64(buf[12:20]),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[20:28])),
		Flags:     binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// marshalWithChecksum frames buf with a leading length and trailing
// CRC32 so a corrupted record can be detected without needing a
// separate consistency pass.
func marshalWithChecksum(buf []byte) []byte {
	checksum := crc32.ChecksumIEEE(buf)
	out := make([]byte, 0, 4+len(buf)+4)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	out = append(out, lenBuf[:]...)
	out = append(out, buf...)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], checksum)
	out = append(out, sumBuf[:]...)
	return out
}

// unmarshalWithChecksum validates and strips the framing added by
// marshalWithChecksum.
func unmarshalWithChecksum(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, ErrIntegrity
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if uint32(len(data)) != length+8 {
		return nil, ErrIntegrity
	}
	body := data[4 : 4+length]
	want := binary.LittleEndian.Uint32(data[4+length:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, ErrIntegrity
	}
	return body, nil
}
