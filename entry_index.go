package ledgerwal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// indexFileName is the dedicated file holding dense, fixed-width
// EntryIndex records, per spec.md §6 ("On-disk layout").
const indexFileName = "index"

// EntryIndex is the dense, append-only mapping from entry index to its
// (address, length, term, timestamp, flags) record, per spec.md §4.3.
// Record i lives at byte offset (i-firstEntry)*indexRecordSize; entry 0
// is synthetic and has no on-disk record. firstEntry starts at 1 and
// only advances when TruncatePrefix compacts the applied prefix away.
type EntryIndex struct {
	mu   sync.RWMutex
	root string
	file *os.File

	firstEntry uint64
	lastEntry  uint64

	// committed tracks the highest index EntryIndex itself has been
	// told is committed, purely to police truncate_suffix's "disallowed
	// if any index >= from_index is committed" rule; the authoritative
	// committed watermark lives in MetadataStore.
	committed uint64
}

// openEntryIndex opens or creates the index file under root and
// recovers lastEntry from its length. firstEntry is the compacted lower
// bound recovered from MetadataStore; pass 0 for a fresh log that has
// never been compacted, which defaults to 1.
func openEntryIndex(root string, firstEntry uint64) (*EntryIndex, error) {
	if firstEntry == 0 {
		firstEntry = 1
	}

	path := filepath.Join(root, indexFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ledgerwal: open index file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ledgerwal: stat index file %s: %w", path, err)
	}
	if info.Size()%int64(indexRecordSize) != 0 {
		f.Close()
		return nil, ErrIntegrity
	}

	return &EntryIndex{
		root:       root,
		file:       f,
		firstEntry: firstEntry,
		lastEntry:  firstEntry - 1 + uint64(info.Size())/uint64(indexRecordSize),
	}, nil
}

// LastEntry returns the highest index with a durable record.
func (ei *EntryIndex) LastEntry() uint64 {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	return ei.lastEntry
}

// FirstEntry returns the lowest index still present, i.e. one past the
// highest index ever compacted away by TruncatePrefix.
func (ei *EntryIndex) FirstEntry() uint64 {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	return ei.firstEntry
}

// setCommitted records the committed watermark for truncate_suffix
// policing; called by WriteAheadLog.Commit under its own write lock.
func (ei *EntryIndex) setCommitted(index uint64) {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	if index > ei.committed {
		ei.committed = index
	}
}

// Append assigns the next index (lastEntry+1), writes its record, and
// fsyncs the index file. The caller must hold the write lock.
func (ei *EntryIndex) Append(rec indexRecord) (uint64, error) {
	ei.mu.Lock()
	defer ei.mu.Unlock()

	index := ei.lastEntry + 1
	if err := ei.writeRecordLocked(index, rec); err != nil {
		return 0, err
	}
	ei.lastEntry = index
	return index, nil
}

func (ei *EntryIndex) offsetOfLocked(index uint64) int64 {
	return int64(index-ei.firstEntry) * int64(indexRecordSize)
}

func (ei *EntryIndex) writeRecordLocked(index uint64, rec indexRecord) error {
	var buf [indexRecordSize]byte
	rec.encode(buf[:])
	if _, err := ei.file.WriteAt(buf[:], ei.offsetOfLocked(index)); err != nil {
		return fmt.Errorf("ledgerwal: write index record %d: %w", index, err)
	}
	return ei.file.Sync()
}

// Lookup returns the record for index, or ok=false if index is out of
// [firstEntry, lastEntry].
func (ei *EntryIndex) Lookup(index uint64) (indexRecord, bool) {
	ei.mu.RLock()
	defer ei.mu.RUnlock()
	if index < ei.firstEntry || index == 0 || index > ei.lastEntry {
		return indexRecord{}, false
	}
	rec, err := ei.readRecordLocked(index)
	if err != nil {
		return indexRecord{}, false
	}
	return rec, true
}

func (ei *EntryIndex) readRecordLocked(index uint64) (indexRecord, error) {
	var buf [indexRecordSize]byte
	if _, err := ei.file.ReadAt(buf[:], ei.offsetOfLocked(index)); err != nil {
		return indexRecord{}, fmt.Errorf("ledgerwal: read index record %d: %w", index, err)
	}
	return decodeIndexRecord(buf[:]), nil
}

// Range calls fn for every record in [from, to], in order, stopping
// early if fn returns false or an index is missing.
func (ei *EntryIndex) Range(from, to uint64, fn func(index uint64, rec indexRecord) bool) error {
	ei.mu.RLock()
	defer ei.mu.RUnlock()

	if from < ei.firstEntry {
		from = ei.firstEntry
	}
	if to > ei.lastEntry {
		to = ei.lastEntry
	}
	for i := from; i <= to; i++ {
		rec, err := ei.readRecordLocked(i)
		if err != nil {
			return err
		}
		if !fn(i, rec) {
			return nil
		}
	}
	return nil
}

// TruncateSuffix drops records at and above fromIndexInclusive. It is
// disallowed if any index >= fromIndexInclusive is already committed.
func (ei *EntryIndex) TruncateSuffix(fromIndexInclusive uint64) error {
	ei.mu.Lock()
	defer ei.mu.Unlock()

	if fromIndexInclusive <= ei.committed {
		return ErrOverwriteCommitted
	}
	if fromIndexInclusive > ei.lastEntry {
		return nil
	}

	newLen := ei.offsetOfLocked(fromIndexInclusive)
	if err := ei.file.Truncate(newLen); err != nil {
		return fmt.Errorf("ledgerwal: truncate index file: %w", err)
	}
	if err := ei.file.Sync(); err != nil {
		return fmt.Errorf("ledgerwal: fsync index file: %w", err)
	}
	ei.lastEntry = fromIndexInclusive - 1
	return nil
}

// TruncatePrefix drops the applied prefix below belowIndexExclusive by
// rewriting the index file to hold only [belowIndexExclusive,
// lastEntry], via write-to-temp-then-rename so a crash mid-compaction
// never leaves a torn index file.
func (ei *EntryIndex) TruncatePrefix(belowIndexExclusive uint64) error {
	ei.mu.Lock()
	defer ei.mu.Unlock()

	if belowIndexExclusive > ei.lastEntry+1 {
		return ErrOutOfRange
	}
	if belowIndexExclusive <= ei.firstEntry {
		return nil
	}

	tmpPath := filepath.Join(ei.root, indexFileName+".compact.tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("ledgerwal: create temp index file: %w", err)
	}

	if belowIndexExclusive <= ei.lastEntry {
		if _, err := ei.file.Seek(ei.offsetOfLocked(belowIndexExclusive), io.SeekStart); err != nil {
			tmp.Close()
			return fmt.Errorf("ledgerwal: seek index file: %w", err)
		}
		if _, err := io.Copy(tmp, ei.file); err != nil {
			tmp.Close()
			return fmt.Errorf("ledgerwal: copy surviving index records: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ledgerwal: fsync temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledgerwal: close temp index file: %w", err)
	}

	if err := ei.file.Close(); err != nil {
		return fmt.Errorf("ledgerwal: close index file: %w", err)
	}

	finalPath := filepath.Join(ei.root, indexFileName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("ledgerwal: rename compacted index file: %w", err)
	}
	if err := fsyncDir(ei.root); err != nil {
		return err
	}

	f, err := os.OpenFile(finalPath, os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("ledgerwal: reopen compacted index file: %w", err)
	}
	ei.file = f
	ei.firstEntry = belowIndexExclusive
	return nil
}

// Close closes the underlying file.
func (ei *EntryIndex) Close() error {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	return ei.file.Close()
}
