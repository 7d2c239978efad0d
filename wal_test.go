package ledgerwal

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStateMachine accumulates every entry Apply observes, for
// assertions about apply order and exactly-once delivery.
type recordingStateMachine struct {
	mu      sync.Mutex
	applied []Entry
	snapIdx uint64
}

func (sm *recordingStateMachine) Apply(_ context.Context, entry Entry) (Result, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.applied = append(sm.applied, entry)
	return entry.Payload, nil
}

func (sm *recordingStateMachine) SnapshotIndex() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapIdx
}

func (sm *recordingStateMachine) count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.applied)
}

// sumStateMachine sums little-endian int64 payloads, used by the
// restart-after-commit scenario.
type sumStateMachine struct {
	mu  sync.Mutex
	sum int64
}

func (sm *sumStateMachine) Apply(_ context.Context, entry Entry) (Result, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sum += int64(binary.LittleEndian.Uint64(entry.Payload))
	return nil, nil
}

func (sm *sumStateMachine) SnapshotIndex() uint64 { return 0 }

func openTestWAL(t *testing.T, sm StateMachine, opts Options) *WriteAheadLog {
	t.Helper()
	opts.DataDir = t.TempDir()
	w, err := Open(sm, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWALFreshAppendCommitApply(t *testing.T) {
	require := require.New(t)
	sm := &recordingStateMachine{}
	w := openTestWAL(t, sm, Options{})
	ctx := context.Background()

	idx, err := w.Append(ctx, AppendRequest{Term: 42, Payload: []byte("SET X=0")})
	require.NoError(err)
	require.Equal(uint64(1), idx)

	n, err := w.Commit(ctx, 1)
	require.NoError(err)
	require.Equal(1, n)

	require.NoError(w.WaitForApply(ctx, 1))
	require.Equal(uint64(1), w.LastEntry())
	require.Equal(uint64(1), w.LastCommitted())
	require.Equal(1, sm.count())
	require.Equal([]byte("SET X=0"), sm.applied[0].Payload)
	require.Equal(uint64(42), sm.applied[0].Term)
}

func TestWALOverwriteUncommittedSuffix(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{})
	ctx := context.Background()

	for i, term := range []uint64{42, 43, 44, 45, 46} {
		idx, err := w.Append(ctx, AppendRequest{Term: term, Payload: []byte{byte(i)}})
		require.NoError(err)
		require.Equal(uint64(i+1), idx)
	}

	_, err := w.AppendRange(ctx, 1, []AppendRequest{{Term: 99, Payload: []byte("overwrite")}})
	require.NoError(err)

	require.Equal(uint64(1), w.LastEntry())

	result, err := w.Read(ctx, 1, 1, ReadOptions{})
	require.NoError(err)
	require.Len(result.Entries, 1)
	require.Equal(uint64(99), result.Entries[0].Term)

	_, err = w.Read(ctx, 2, 2, ReadOptions{})
	require.ErrorIs(err, ErrOutOfRange)
}

func TestWALRejectOverwriteOfCommitted(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{})
	ctx := context.Background()

	for _, term := range []uint64{1, 2, 3, 4, 5} {
		_, err := w.Append(ctx, AppendRequest{Term: term, Payload: []byte("x")})
		require.NoError(err)
	}

	_, err := w.Commit(ctx, 3)
	require.NoError(err)

	_, err = w.AppendRange(ctx, 2, []AppendRequest{{Term: 100, Payload: []byte("nope")}})
	require.ErrorIs(err, ErrOverwriteCommitted)

	require.Equal(uint64(5), w.LastEntry())
	require.Equal(uint64(3), w.LastCommitted())

	result, err := w.Read(ctx, 2, 2, ReadOptions{})
	require.NoError(err)
	require.Equal(uint64(2), result.Entries[0].Term)
}

func TestWALOverwriteAtLastCommittedPlusOneIsAccepted(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{})
	ctx := context.Background()

	for _, term := range []uint64{1, 2, 3} {
		_, err := w.Append(ctx, AppendRequest{Term: term, Payload: []byte("x")})
		require.NoError(err)
	}
	_, err := w.Commit(ctx, 1)
	require.NoError(err)

	_, err = w.AppendRange(ctx, 2, []AppendRequest{{Term: 200, Payload: []byte("y")}})
	require.NoError(err)
	require.Equal(uint64(2), w.LastEntry())
}

func TestWALRestartAfterCommit(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	w, err := Open(nil, Options{DataDir: dir})
	require.NoError(err)

	const count = 1000
	for i := int64(0); i < count; i++ {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(i))
		_, err := w.Append(ctx, AppendRequest{Term: 1, Payload: buf[:]})
		require.NoError(err)
	}
	_, err = w.Commit(ctx, count)
	require.NoError(err)
	require.NoError(w.Flush(ctx))
	require.NoError(w.Close())

	sm := &sumStateMachine{}
	w2, err := Open(sm, Options{DataDir: dir})
	require.NoError(err)
	defer w2.Close()

	require.NoError(w2.WaitForApply(ctx, count))
	require.Equal(uint64(count), w2.LastCommitted())
	require.Equal(int64(count*(count-1)/2), sm.sum)
}

func TestWALLargeEntrySpansPages(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{ChunkSize: 4096})
	ctx := context.Background()

	payload := make([]byte, 9000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	idx, err := w.Append(ctx, AppendRequest{Term: 7, Payload: payload})
	require.NoError(err)
	_, err = w.Commit(ctx, idx)
	require.NoError(err)

	result, err := w.Read(ctx, idx, idx, ReadOptions{})
	require.NoError(err)
	require.Equal(payload, result.Entries[0].Payload)
}

func TestWALConcurrentReadDuringAppend(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{})
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := w.Append(ctx, AppendRequest{Term: 1, Payload: []byte("x")})
		require.NoError(err)
	}

	readDone := make(chan int)
	release, err := w.locks.Acquire(ctx, WeakRead)
	require.NoError(err)
	go func() {
		entries, err := w.readRangeUnderHeldLock(ctx, 1, n)
		require.NoError(err)
		readDone <- len(entries)
	}()

	_, err = w.Append(ctx, AppendRequest{Term: 1, Payload: []byte("y")})
	require.NoError(err)
	release()

	require.Equal(n, <-readDone)

	result, err := w.Read(ctx, 1, n+1, ReadOptions{})
	require.NoError(err)
	require.Len(result.Entries, n+1)
}

func TestWALDropEmptiesLogFromOne(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := w.Append(ctx, AppendRequest{Term: 1, Payload: []byte("x")})
		require.NoError(err)
	}

	dropped, err := w.Drop(ctx, 1, false)
	require.NoError(err)
	require.Equal(5, dropped)
	require.Equal(uint64(0), w.LastEntry())
}

func TestWALAppendCommitReadRoundTripsRandomPayloads(t *testing.T) {
	require := require.New(t)
	sm := &recordingStateMachine{}
	w := openTestWAL(t, sm, Options{})
	ctx := context.Background()

	const n = 25
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		payloads[i] = []byte(fmt.Sprintf("%s=%d", fake.WordsN(5), i))
		_, err := w.Append(ctx, AppendRequest{Term: 1, Payload: payloads[i]})
		require.NoError(err)
	}

	_, err := w.Commit(ctx, uint64(n))
	require.NoError(err)
	require.NoError(w.WaitForApply(ctx, uint64(n)))

	result, err := w.Read(ctx, 1, uint64(n), ReadOptions{})
	require.NoError(err)
	require.Len(result.Entries, n)
	for i, e := range result.Entries {
		require.Equal(payloads[i], e.Payload)
	}
}

func TestWALAppendNonContiguousRejected(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{})
	ctx := context.Background()

	_, err := w.AppendRange(ctx, 5, []AppendRequest{{Term: 1, Payload: []byte("x")}})
	require.ErrorIs(err, ErrNonContiguousAppend)
}

func TestWALCompactTruncatesBelowAppliedAndSnapshot(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	sm := &recordingStateMachine{}
	w := openTestWAL(t, sm, Options{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := w.Append(ctx, AppendRequest{Term: 1, Payload: []byte("x")})
		require.NoError(err)
	}
	_, err := w.Commit(ctx, 10)
	require.NoError(err)
	require.NoError(w.WaitForApply(ctx, 10))

	require.NoError(w.RecordSnapshot(6, 1, "/tmp/snap-6"))

	n, err := w.Compact(ctx)
	require.NoError(err)
	assert.GreaterOrEqual(n, 0)

	first, ok := w.firstSurvivingIndex()
	require.True(ok)
	assert.Equal(uint64(7), first)

	snap, err := w.LatestSnapshot()
	require.NoError(err)
	assert.Equal(uint64(6), snap.Index)
	assert.Equal("/tmp/snap-6", snap.Path)
}

func TestWALCompactSurvivesRestart(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	sm := &recordingStateMachine{}
	w, err := Open(sm, Options{DataDir: dir})
	require.NoError(err)

	for i := 0; i < 10; i++ {
		_, err := w.Append(ctx, AppendRequest{Term: 1, Payload: []byte{byte(i)}})
		require.NoError(err)
	}
	_, err = w.Commit(ctx, 10)
	require.NoError(err)
	require.NoError(w.WaitForApply(ctx, 10))

	require.NoError(w.RecordSnapshot(6, 1, "/tmp/snap-6"))
	_, err = w.Compact(ctx)
	require.NoError(err)
	require.NoError(w.Close())

	sm2 := &recordingStateMachine{}
	w2, err := Open(sm2, Options{DataDir: dir})
	require.NoError(err)
	defer w2.Close()

	first, ok := w2.firstSurvivingIndex()
	require.True(ok)
	require.Equal(uint64(7), first)
	require.Equal(uint64(10), w2.LastEntry())

	result, err := w2.Read(ctx, 7, 10, ReadOptions{})
	require.NoError(err)
	require.Zero(result.SnapshotIndex, "range entirely above the compacted prefix carries no synthetic entry")
	require.Len(result.Entries, 4)
	for i, e := range result.Entries {
		require.Equal([]byte{byte(i + 6)}, e.Payload)
	}

	// A range that dips into the compacted prefix is covered end-to-end
	// by the snapshot recorded at index 6: Read splices in a synthetic
	// snapshot entry instead of failing.
	result, err = w2.Read(ctx, 1, 6, ReadOptions{})
	require.NoError(err)
	require.Equal(uint64(6), result.SnapshotIndex)
	require.Len(result.Entries, 1)
	require.True(result.Entries[0].IsSnapshot)
	require.Equal(uint64(6), result.Entries[0].Index)
	require.Equal(uint64(1), result.Entries[0].Term)

	// A range spanning the snapshot boundary gets both: the synthetic
	// entry for the compacted prefix, then the surviving entries.
	result, err = w2.Read(ctx, 5, 8, ReadOptions{})
	require.NoError(err)
	require.Equal(uint64(6), result.SnapshotIndex)
	require.Len(result.Entries, 3)
	require.True(result.Entries[0].IsSnapshot)
	require.Equal(uint64(6), result.Entries[0].Index)
	require.Equal([]byte{6}, result.Entries[1].Payload)
	require.Equal([]byte{7}, result.Entries[2].Payload)
}

func TestWALFlushOnCommitFlushesSynchronously(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{FlushIntervalMode: FlushOnCommit})
	ctx := context.Background()

	idx, err := w.Append(ctx, AppendRequest{Term: 1, Payload: []byte("x")})
	require.NoError(err)
	_, err = w.Commit(ctx, idx)
	require.NoError(err)
}

func TestWALClosedOperationsReturnErrClosed(t *testing.T) {
	require := require.New(t)
	w := openTestWAL(t, nil, Options{})
	require.NoError(w.Close())

	_, err := w.Append(context.Background(), AppendRequest{Term: 1, Payload: []byte("x")})
	require.ErrorIs(err, ErrClosed)
}

// readRangeUnderHeldLock reads [from, to] without acquiring its own
// lock, for tests that need to hold a read lock across a concurrent
// append.
func (w *WriteAheadLog) readRangeUnderHeldLock(_ context.Context, from, to uint64) ([]Entry, error) {
	entries := make([]Entry, 0, to-from+1)
	for i := from; i <= to; i++ {
		e, err := w.readEntryLocked(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
