package ledgerwal

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// MemoryManagement selects the PageManager variant backing a
// WriteAheadLog's address space.
type MemoryManagement uint8

const (
	// SharedMemory backs every page with a memory-mapped file under
	// Options.DataDir. Writes land directly in the mapping; Flush issues
	// a synchronous msync over the touched range.
	SharedMemory MemoryManagement = iota

	// PrivateMemory backs pages with anonymous, page-aligned buffers
	// rented from a bounded cache. Flush writes the dirty range to the
	// backing page file and fsyncs it.
	PrivateMemory
)

// String implements fmt.Stringer.
func (m MemoryManagement) String() string {
	switch m {
	case SharedMemory:
		return "shared_memory"
	case PrivateMemory:
		return "private_memory"
	default:
		return "unknown"
	}
}

// FlushInterval selects when a WriteAheadLog forces durability of
// previously committed data beyond the write-ahead ordering already
// enforced by Commit.
type FlushInterval time.Duration

const (
	// FlushNever disables background flushing; the caller is
	// responsible for calling Flush explicitly.
	FlushNever FlushInterval = -1

	// FlushOnCommit flushes synchronously on every call to Commit.
	FlushOnCommit FlushInterval = 0
)

// Allocator lets callers plug a custom byte-buffer allocator into the
// anonymous-memory PageManager variant, mainly so tests can assert on
// allocation counts.
type Allocator interface {
	Alloc(size int) []byte
	Free([]byte)
}

// Options configures a WriteAheadLog. Fields mirror spec.md §6
// ("Configuration options") one for one.
type Options struct {
	// DataDir is the root directory under which metadata, the entry
	// index and page files are stored. Required.
	DataDir string

	// ChunkSize is the page size. It is rounded up to the OS page size
	// and then up to the next power of two. Defaults to the OS page
	// size when zero.
	ChunkSize int

	// ConcurrencyLevel hints at the expected number of concurrent
	// readers, sizing internal tables (the lock manager's wait queue
	// backing array). Defaults to a small constant when zero.
	ConcurrencyLevel int

	// FlushIntervalMode selects NEVER (-1), ZERO/on-commit (0), or a
	// positive duration used directly as the periodic flush interval.
	FlushIntervalMode FlushInterval

	// MemoryManagement selects the PageManager variant. Defaults to
	// SharedMemory.
	MemoryManagement MemoryManagement

	// Allocator optionally overrides the byte-buffer allocator used by
	// the PrivateMemory variant. Defaults to anonMmapAllocator, which
	// rents anonymous, page-aligned buffers via mmap.
	Allocator Allocator

	// Logger exposes zerolog so callers can override it. Defaults to
	// logger.NewLogger(MetricsNamespace), which writes to os.Stderr at the
	// level named by LEDGERWAL_LOG_LEVEL (info when unset).
	Logger *zerolog.Logger

	// MetricsNamespace prefixes every Prometheus metric registered by
	// this log. Defaults to "ledgerwal".
	MetricsNamespace string

	// Clock supplies wall-clock timestamps for appended entries and the
	// timer source used to honor a positive FlushIntervalMode. Defaults
	// to the real system clock.
	Clock Clock
}

// withDefaults returns a copy of o with zero-valued fields replaced by
// their defaults.
func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultPageSize
	}
	o.ChunkSize = roundUpToPowerOfTwo(roundUpToPageSize(o.ChunkSize))

	if o.ConcurrencyLevel <= 0 {
		o.ConcurrencyLevel = 8
	}
	if o.MetricsNamespace == "" {
		o.MetricsNamespace = "ledgerwal"
	}
	if o.Logger == nil {
		l := newDefaultLogger(o.MetricsNamespace)
		o.Logger = l
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Allocator == nil {
		o.Allocator = anonMmapAllocator{}
	}
	return o
}

// anonMmapAllocator is the default Allocator for the PrivateMemory
// variant: it rents anonymous, page-aligned buffers straight from the
// kernel via mmap rather than the Go heap, so THP advice (§9) and page
// lifetime stay independent of the garbage collector.
type anonMmapAllocator struct{}

func (anonMmapAllocator) Alloc(size int) []byte {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil
	}
	return buf
}

func (anonMmapAllocator) Free(buf []byte) {
	if buf != nil {
		_ = unix.Munmap(buf)
	}
}
