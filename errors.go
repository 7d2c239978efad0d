package ledgerwal

import "errors"

var (
	// ErrClosed is returned by any operation issued on a WriteAheadLog
	// that has already been disposed.
	ErrClosed = errors.New("log is closed")

	// ErrPoisoned is returned once a prior fatal I/O failure has
	// corrupted the log's durability guarantees. Dispose is the only
	// remaining valid operation.
	ErrPoisoned = errors.New("log is poisoned")

	// ErrOverwriteCommitted is returned when an append or truncation
	// targets an index at or below the current commit watermark.
	ErrOverwriteCommitted = errors.New("cannot overwrite a committed index")

	// ErrOutOfRange is returned when a read or lookup targets an index
	// outside [1..lastEntry]. Read clamps the upper end of its range to
	// lastEntry first.
	ErrOutOfRange = errors.New("index out of range")

	// ErrNonContiguousAppend is returned when AppendRange is asked to
	// start at an index that would leave a gap in the log.
	ErrNonContiguousAppend = errors.New("append index is not contiguous with the log tail")

	// ErrIntegrity is returned when a checksum or format mismatch is
	// detected while loading persisted state.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrCancelled is the local outcome surfaced to a caller whose
	// suspending operation observed context cancellation. It is never
	// propagated to other observers.
	ErrCancelled = errors.New("operation cancelled")

	// ErrDataDirRequired is returned when Options.DataDir is empty.
	ErrDataDirRequired = errors.New("data directory is required")

	// ErrNoSnapshot is returned by the snapshot manifest when no
	// snapshot has ever been recorded.
	ErrNoSnapshot = errors.New("no snapshot recorded")

	// errUnknownMemoryManagement is returned when Options.MemoryManagement
	// carries a value the page manager does not recognize.
	errUnknownMemoryManagement = errors.New("unknown memory management mode")

	// errPageOutOfRange is returned internally when a write cannot
	// obtain a page for part of the address range it covers.
	errPageOutOfRange = errors.New("page out of range")

	// errPoolExhausted is returned by the bitmask index pool when no
	// slot is available.
	errPoolExhausted = errors.New("index pool exhausted")
)
