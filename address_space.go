package ledgerwal

// MemoryChunk is one page-bounded slice of a logical byte range, yielded
// by AddressSpace.Chunks. Bytes aliases the backing page; callers must
// not retain it past the lock that made the page safe to read.
type MemoryChunk struct {
	PageIndex uint32
	Bytes     []byte
}

// AddressSpace converts logical byte offsets into (page, offset) pairs
// and walks page-bounded chunks of a logical range, per spec.md §4.2.
type AddressSpace struct {
	pages pageManager
}

func newAddressSpace(pages pageManager) *AddressSpace {
	return &AddressSpace{pages: pages}
}

func (as *AddressSpace) pageShift() uint {
	return pageShiftFor(as.pages.pageSize())
}

// Chunks returns a single-pass, non-restartable iterator over
// [start, start+length) that the caller must fully consume in one pass,
// per spec.md §4.2. Each step advances by
// min(remaining, pageSize-offset_in_page). Pages are faulted in with
// getOrAdd so a write pass may extend the address space; read-only
// callers should use ChunksExisting instead to avoid allocating pages
// that were never written.
func (as *AddressSpace) Chunks(start Address, length int) func(func(MemoryChunk) bool) {
	return func(yield func(MemoryChunk) bool) {
		as.walk(start, length, true, yield)
	}
}

// ChunksExisting is like Chunks but never creates a page; it stops
// early (without error) if it reaches a page that doesn't exist yet.
func (as *AddressSpace) ChunksExisting(start Address, length int) func(func(MemoryChunk) bool) {
	return func(yield func(MemoryChunk) bool) {
		as.walk(start, length, false, yield)
	}
}

func (as *AddressSpace) walk(start Address, length int, create bool, yield func(MemoryChunk) bool) {
	pageSize := as.pages.pageSize()
	shift := as.pageShift()
	remaining := length
	addr := start

	for remaining > 0 {
		pageIndex := addr.page(shift)
		inPageOffset := addr.offset(pageSize)

		var handle PageHandle
		if create {
			h, err := as.pages.getOrAdd(pageIndex)
			if err != nil {
				return
			}
			handle = h
		} else {
			h, ok := as.pages.tryGet(pageIndex)
			if !ok {
				return
			}
			handle = h
		}

		step := pageSize - inPageOffset
		if step > remaining {
			step = remaining
		}

		if !yield(MemoryChunk{PageIndex: pageIndex, Bytes: handle.Bytes[inPageOffset : inPageOffset+step]}) {
			return
		}

		remaining -= step
		addr += Address(step)
	}
}

// WriteAt copies data into the address space starting at start,
// creating pages as needed, and returns the address immediately past
// the last byte written.
func (as *AddressSpace) WriteAt(start Address, data []byte) (Address, error) {
	written := 0
	for chunk := range as.Chunks(start, len(data)) {
		n := copy(chunk.Bytes, data[written:])
		written += n
	}
	if written != len(data) {
		return start, errPageOutOfRange
	}
	return start + Address(len(data)), nil
}

// ReadAt copies length bytes starting at start into a freshly allocated
// slice. It never creates a page that was never durably written, but
// does fault in (via tryGet) a page that was written by an earlier
// process lifetime and isn't yet resident in this process's cache —
// required for spec.md §3's cross-restart identity invariant. Reading
// past the end of a previously written range returns ErrOutOfRange.
func (as *AddressSpace) ReadAt(start Address, length int) ([]byte, error) {
	out := make([]byte, length)
	read := 0
	for chunk := range as.ChunksExisting(start, length) {
		n := copy(out[read:], chunk.Bytes)
		read += n
	}
	if read != length {
		return nil, ErrOutOfRange
	}
	return out, nil
}
