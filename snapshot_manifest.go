package ledgerwal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// manifestFileName is the bbolt database file recording compaction
	// checkpoints, per SPEC_FULL.md §4.9.
	manifestFileName = "manifest.db"

	// bucketSnapshots keys snapshot records by their big-endian index.
	bucketSnapshots = "snapshots"

	// bucketManifestMeta holds the single "latest" pointer.
	bucketManifestMeta = "meta"
)

var manifestLatestKey = []byte("latest")

// SnapshotRecord is the value stored per snapshot index in bucketSnapshots.
type SnapshotRecord struct {
	Index   uint64
	Term    uint64
	TakenAt time.Time
	Path    string
}

// SnapshotManifest is a bbolt-backed registry of compaction checkpoints,
// consulted by WriteAheadLog's compaction path and at Open time to detect
// a previously interrupted compaction.
type SnapshotManifest struct {
	dataDir string
	db      *bolt.DB
}

// OpenSnapshotManifest opens (creating if absent) the manifest database
// under dataDir.
func OpenSnapshotManifest(dataDir string) (*SnapshotManifest, error) {
	if dataDir == "" {
		return nil, ErrDataDirRequired
	}
	if err := createDirectoryIfNotExist(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ledgerwal: create manifest dir %s: %w", dataDir, err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, manifestFileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledgerwal: open manifest db: %w", err)
	}

	m := &SnapshotManifest{dataDir: dataDir, db: db}
	if err := m.initializeBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *SnapshotManifest) initializeBuckets() error {
	tx, err := m.db.Begin(true)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.CreateBucketIfNotExists([]byte(bucketSnapshots)); err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists([]byte(bucketManifestMeta)); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordSnapshot durably records that a snapshot through index/term was
// taken at takenAt and written to path, and advances the latest pointer.
func (m *SnapshotManifest) RecordSnapshot(index, term uint64, takenAt time.Time, path string) error {
	tx, err := m.db.Begin(true)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	value, err := encodeSnapshotRecord(SnapshotRecord{Index: index, Term: term, TakenAt: takenAt, Path: path})
	if err != nil {
		return err
	}

	snapshots := tx.Bucket([]byte(bucketSnapshots))
	if err := snapshots.Put(encodeUint64Key(index), value); err != nil {
		return err
	}

	meta := tx.Bucket([]byte(bucketManifestMeta))
	if raw := meta.Get(manifestLatestKey); raw == nil || decodeUint64Key(raw) <= index {
		if err := meta.Put(manifestLatestKey, encodeUint64Key(index)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LatestSnapshotIndex returns the highest recorded snapshot index, or 0
// with ErrNoSnapshot if none has been recorded yet.
func (m *SnapshotManifest) LatestSnapshotIndex() (uint64, error) {
	var latest uint64
	err := m.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketManifestMeta))
		raw := meta.Get(manifestLatestKey)
		if raw == nil {
			return ErrNoSnapshot
		}
		latest = decodeUint64Key(raw)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return latest, nil
}

// Close closes the underlying bbolt database.
func (m *SnapshotManifest) Close() error {
	return m.db.Close()
}

func encodeUint64Key(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64Key(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

func encodeSnapshotRecord(r SnapshotRecord) ([]byte, error) {
	pathBytes := []byte(r.Path)
	buf := make([]byte, 8+8+8+4+len(pathBytes))
	binary.LittleEndian.PutUint64(buf[0:8], r.Index)
	binary.LittleEndian.PutUint64(buf[8:16], r.Term)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.TakenAt.UnixNano()))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(pathBytes)))
	copy(buf[28:], pathBytes)
	return buf, nil
}

func decodeSnapshotRecord(buf []byte) (SnapshotRecord, error) {
	if len(buf) < 28 {
		return SnapshotRecord{}, ErrIntegrity
	}
	index := binary.LittleEndian.Uint64(buf[0:8])
	term := binary.LittleEndian.Uint64(buf[8:16])
	takenAt := time.Unix(0, int64(binary.LittleEndian.Uint64(buf[16:24])))
	pathLen := binary.LittleEndian.Uint32(buf[24:28])
	if len(buf) < 28+int(pathLen) {
		return SnapshotRecord{}, ErrIntegrity
	}
	path := string(buf[28 : 28+int(pathLen)])
	return SnapshotRecord{Index: index, Term: term, TakenAt: takenAt, Path: path}, nil
}

// Snapshot returns the full recorded snapshot at index, for callers
// (WriteAheadLog.LatestSnapshot, Read's synthetic snapshot entry) that
// need the externally-stored path and term rather than just the index.
func (m *SnapshotManifest) Snapshot(index uint64) (SnapshotRecord, error) {
	var rec SnapshotRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		snapshots := tx.Bucket([]byte(bucketSnapshots))
		raw := snapshots.Get(encodeUint64Key(index))
		if raw == nil {
			return ErrNoSnapshot
		}
		decoded, err := decodeSnapshotRecord(raw)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return SnapshotRecord{}, err
	}
	return rec, nil
}
