package ledgerwal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotManifestNoSnapshotInitially(t *testing.T) {
	require := require.New(t)
	m, err := OpenSnapshotManifest(t.TempDir())
	require.NoError(err)
	defer m.Close()

	_, err = m.LatestSnapshotIndex()
	require.ErrorIs(err, ErrNoSnapshot)
}

func TestSnapshotManifestRecordAndLatest(t *testing.T) {
	require := require.New(t)
	m, err := OpenSnapshotManifest(t.TempDir())
	require.NoError(err)
	defer m.Close()

	require.NoError(m.RecordSnapshot(5, 1, time.Now(), "/snaps/5"))
	require.NoError(m.RecordSnapshot(12, 2, time.Now(), "/snaps/12"))

	latest, err := m.LatestSnapshotIndex()
	require.NoError(err)
	require.Equal(uint64(12), latest)

	rec, err := m.Snapshot(12)
	require.NoError(err)
	require.Equal(uint64(12), rec.Index)
	require.Equal(uint64(2), rec.Term)
	require.Equal("/snaps/12", rec.Path)

	_, err = m.Snapshot(999)
	require.ErrorIs(err, ErrNoSnapshot)
}

func TestSnapshotManifestPersistsAcrossReopen(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	m, err := OpenSnapshotManifest(dir)
	require.NoError(err)
	require.NoError(m.RecordSnapshot(3, 1, time.Now(), "/snaps/3"))
	require.NoError(m.Close())

	m2, err := OpenSnapshotManifest(dir)
	require.NoError(err)
	defer m2.Close()

	latest, err := m2.LatestSnapshotIndex()
	require.NoError(err)
	require.Equal(uint64(3), latest)
}
