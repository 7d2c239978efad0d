package ledgerwal

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// anonPageManager backs pages with private anonymous buffers rented
// from a bounded cache (≤63 slots, per spec.md §4.1/§4.7), persisting
// them to <root>/pages/<index> only on flush or eviction. Resident
// slots are tracked by a bitmaskPool; eviction picks the
// least-recently-used resident page, flushes it, and hands its slot
// to the incoming page.
type anonPageManager struct {
	root   string
	pageSz int
	logger *zerolog.Logger
	alloc  Allocator

	pool *bitmaskPool

	mu       sync.Mutex
	slotBuf  [maxPoolSlots][]byte // buffers rented from alloc
	slotPage [maxPoolSlots]uint32 // slot -> resident page index
	resident map[uint32]int       // page index -> slot
	lru      []uint32             // least-recently-used first
	thp      bool
}

func newAnonPageManager(root string, pageSize int, alloc Allocator, logger *zerolog.Logger) (*anonPageManager, error) {
	if err := ensurePagesDir(root); err != nil {
		return nil, err
	}
	if alloc == nil {
		alloc = anonMmapAllocator{}
	}
	return &anonPageManager{
		root:     root,
		pageSz:   pageSize,
		logger:   logger,
		alloc:    alloc,
		pool:     newBitmaskPool(),
		resident: make(map[uint32]int),
		thp:      thpEligible(pageSize),
	}, nil
}

func (a *anonPageManager) pageSize() int { return a.pageSz }

// thpEligible reports whether the configured page size is aligned to
// the platform's transparent-huge-page size, per spec.md §9
// ("Transparent huge pages"). Only attempted on Linux; failure to
// read the alignment, or a mismatch, disables it silently.
func thpEligible(pageSize int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	raw, err := os.ReadFile("/sys/kernel/mm/transparent_hugepage/hpage_pmd_size")
	if err != nil {
		return false
	}
	hpagePMDSize, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || hpagePMDSize <= 0 {
		return false
	}
	return pageSize%hpagePMDSize == 0
}

func (a *anonPageManager) allocSlot() ([]byte, error) {
	buf := a.alloc.Alloc(a.pageSz)
	if buf == nil {
		return nil, fmt.Errorf("ledgerwal: allocator returned nil for %d bytes", a.pageSz)
	}
	if a.thp {
		// Advisory only; a failure here never fails the allocation, and
		// a non-mmap allocator simply won't back this with real pages.
		_ = unix.Madvise(buf, unix.MADV_HUGEPAGE)
	}
	return buf, nil
}

func (a *anonPageManager) touchLRU(pageIndex uint32) {
	for i, idx := range a.lru {
		if idx == pageIndex {
			a.lru = append(a.lru[:i], a.lru[i+1:]...)
			break
		}
	}
	a.lru = append(a.lru, pageIndex)
}

func (a *anonPageManager) getOrAdd(pageIndex uint32) (PageHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getOrAddLocked(pageIndex)
}

// getOrAddLocked is getOrAdd's body; the caller must hold a.mu.
func (a *anonPageManager) getOrAddLocked(pageIndex uint32) (PageHandle, error) {
	if slot, ok := a.resident[pageIndex]; ok {
		a.touchLRU(pageIndex)
		return PageHandle{Index: pageIndex, Bytes: a.slotBuf[slot]}, nil
	}

	slot, err := a.pool.tryTake()
	if err != nil {
		// Cache full: evict the least-recently-used resident page.
		if len(a.lru) == 0 {
			return PageHandle{}, fmt.Errorf("ledgerwal: page cache exhausted with nothing to evict: %w", err)
		}
		victim := a.lru[0]
		a.lru = a.lru[1:]
		victimSlot := a.resident[victim]
		if err := a.persistSlotLocked(victim, victimSlot); err != nil {
			return PageHandle{}, err
		}
		delete(a.resident, victim)
		slot = victimSlot
	} else {
		buf, allocErr := a.allocSlot()
		if allocErr != nil {
			a.pool.returnSlot(slot)
			return PageHandle{}, allocErr
		}
		a.slotBuf[slot] = buf
	}

	if err := a.hydrateSlotLocked(pageIndex, slot); err != nil {
		return PageHandle{}, err
	}

	a.slotPage[slot] = pageIndex
	a.resident[pageIndex] = slot
	a.touchLRU(pageIndex)
	return PageHandle{Index: pageIndex, Bytes: a.slotBuf[slot]}, nil
}

// hydrateSlotLocked loads any previously flushed contents of
// pageIndex into slot, or zero-fills it for a brand-new page.
func (a *anonPageManager) hydrateSlotLocked(pageIndex uint32, slot int) error {
	path := pageFilePath(a.root, pageIndex)
	f, err := os.OpenFile(path, os.O_RDONLY, 0o640)
	if os.IsNotExist(err) {
		clear(a.slotBuf[slot])
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledgerwal: open page file %s: %w", path, err)
	}
	defer f.Close()

	clear(a.slotBuf[slot])
	if _, err := io.ReadFull(f, a.slotBuf[slot]); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("ledgerwal: read page file %s: %w", path, err)
	}
	return nil
}

// persistSlotLocked writes the resident contents of pageIndex
// (occupying slot) to its backing file and fsyncs it.
func (a *anonPageManager) persistSlotLocked(pageIndex uint32, slot int) error {
	path := pageFilePath(a.root, pageIndex)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("ledgerwal: open page file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(a.slotBuf[slot], 0); err != nil {
		return fmt.Errorf("ledgerwal: write page file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("ledgerwal: fsync page file %s: %w", path, err)
	}
	return nil
}

// tryGet returns pageIndex's handle without ever creating a page that
// was never durably written. A page evicted from the resident cache
// (or written by an earlier process lifetime) is faulted back in from
// its backing file via the same path getOrAdd uses, since an evicted
// page is just as durable as a resident one.
func (a *anonPageManager) tryGet(pageIndex uint32) (PageHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot, ok := a.resident[pageIndex]; ok {
		a.touchLRU(pageIndex)
		return PageHandle{Index: pageIndex, Bytes: a.slotBuf[slot]}, true
	}

	if _, err := os.Stat(pageFilePath(a.root, pageIndex)); err != nil {
		return PageHandle{}, false
	}

	handle, err := a.getOrAddLocked(pageIndex)
	if err != nil {
		return PageHandle{}, false
	}
	return handle, true
}

func (a *anonPageManager) deletePagesBelow(upperExclusive uint32) (int, error) {
	return a.deleteWhere(func(idx uint32) bool { return idx < upperExclusive })
}

func (a *anonPageManager) deletePagesAbove(lowerInclusive uint32) (int, error) {
	return a.deleteWhere(func(idx uint32) bool { return idx >= lowerInclusive })
}

// deleteWhere removes every resident and on-disk page whose index
// satisfies match, releasing resident slots back to the pool.
func (a *anonPageManager) deleteWhere(match func(idx uint32) bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for idx, slot := range a.resident {
		if !match(idx) {
			continue
		}
		delete(a.resident, idx)
		a.pool.returnSlot(slot)
		for i, l := range a.lru {
			if l == idx {
				a.lru = append(a.lru[:i], a.lru[i+1:]...)
				break
			}
		}
	}

	// Walk the pages directory directly instead of trusting in-memory
	// bookkeeping for the on-disk half of deletion: evicted pages are
	// not tracked in `resident` at all.
	dir := pagesDirFor(a.root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return count, nil
		}
		return count, fmt.Errorf("ledgerwal: read pages dir %s: %w", dir, err)
	}
	for _, e := range entries {
		idx, ok := parsePageFileName(e.Name())
		if !ok || !match(idx) {
			continue
		}
		if err := os.Remove(pageFilePath(a.root, idx)); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("ledgerwal: remove page file %d: %w", idx, err)
		}
		count++
	}
	return count, nil
}

func (a *anonPageManager) residentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.resident)
}

func (a *anonPageManager) flush(startPage uint32, startOffset int, endPage uint32, endOffset int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for idx := startPage; idx <= endPage; idx++ {
		slot, ok := a.resident[idx]
		if !ok {
			continue
		}
		if err := a.persistSlotLocked(idx, slot); err != nil {
			return err
		}
	}
	return nil
}

func (a *anonPageManager) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for idx, slot := range a.resident {
		if err := a.persistSlotLocked(idx, slot); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := range a.slotBuf {
		if a.slotBuf[i] != nil {
			a.alloc.Free(a.slotBuf[i])
			a.slotBuf[i] = nil
		}
	}
	a.resident = make(map[uint32]int)
	a.lru = nil
	a.pool.returnAll()
	return firstErr
}
