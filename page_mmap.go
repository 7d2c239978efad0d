package ledgerwal

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// mmapPageManager backs every page with a memory-mapped file under
// <root>/pages/<index>, per spec.md §4.1 ("Memory-mapped variant").
// Writes land directly in the mapping; flush issues a synchronous
// msync over the touched range.
type mmapPageManager struct {
	root   string
	pageSz int
	logger *zerolog.Logger
	mu     sync.Mutex
	pages  map[uint32]*mmapPage
}

type mmapPage struct {
	file *os.File
	data []byte // mmap'd region, len == pageSz
}

func newMmapPageManager(root string, pageSize int, logger *zerolog.Logger) (*mmapPageManager, error) {
	if err := ensurePagesDir(root); err != nil {
		return nil, err
	}
	return &mmapPageManager{
		root:   root,
		pageSz: pageSize,
		logger: logger,
		pages:  make(map[uint32]*mmapPage),
	}, nil
}

func (m *mmapPageManager) pageSize() int { return m.pageSz }

func (m *mmapPageManager) getOrAdd(pageIndex uint32) (PageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapLocked(pageIndex)
}

// mapLocked returns the resident handle for pageIndex, mmapping its
// backing file (creating it if absent) on first access this process
// lifetime. The caller must hold m.mu.
func (m *mmapPageManager) mapLocked(pageIndex uint32) (PageHandle, error) {
	if p, ok := m.pages[pageIndex]; ok {
		return PageHandle{Index: pageIndex, Bytes: p.data}, nil
	}

	path := pageFilePath(m.root, pageIndex)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return PageHandle{}, fmt.Errorf("ledgerwal: open page file %s: %w", path, err)
	}

	if err := f.Truncate(int64(m.pageSz)); err != nil {
		f.Close()
		return PageHandle{}, fmt.Errorf("ledgerwal: truncate page file %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, m.pageSz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return PageHandle{}, fmt.Errorf("ledgerwal: mmap page file %s: %w", path, err)
	}

	p := &mmapPage{file: f, data: data}
	m.pages[pageIndex] = p
	return PageHandle{Index: pageIndex, Bytes: p.data}, nil
}

// tryGet returns pageIndex's handle without creating a page that was
// never durably written. A page already written by an earlier process
// lifetime is faulted back in from its backing file, since residency in
// this process's cache and durable existence are not the same thing.
func (m *mmapPageManager) tryGet(pageIndex uint32) (PageHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pages[pageIndex]; ok {
		return PageHandle{Index: pageIndex, Bytes: p.data}, true
	}

	if _, err := os.Stat(pageFilePath(m.root, pageIndex)); err != nil {
		return PageHandle{}, false
	}

	handle, err := m.mapLocked(pageIndex)
	if err != nil {
		return PageHandle{}, false
	}
	return handle, true
}

func (m *mmapPageManager) deletePagesBelow(upperExclusive uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for idx, p := range m.pages {
		if idx >= upperExclusive {
			continue
		}
		if err := unix.Munmap(p.data); err != nil {
			return count, fmt.Errorf("ledgerwal: munmap page %d: %w", idx, err)
		}
		path := p.file.Name()
		if err := p.file.Close(); err != nil {
			return count, fmt.Errorf("ledgerwal: close page %d: %w", idx, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("ledgerwal: remove page file %s: %w", path, err)
		}
		delete(m.pages, idx)
		count++
	}
	return count, nil
}

func (m *mmapPageManager) deletePagesAbove(lowerInclusive uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for idx, p := range m.pages {
		if idx < lowerInclusive {
			continue
		}
		if err := unix.Munmap(p.data); err != nil {
			return count, fmt.Errorf("ledgerwal: munmap page %d: %w", idx, err)
		}
		path := p.file.Name()
		if err := p.file.Close(); err != nil {
			return count, fmt.Errorf("ledgerwal: close page %d: %w", idx, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("ledgerwal: remove page file %s: %w", path, err)
		}
		delete(m.pages, idx)
		count++
	}
	return count, nil
}

func (m *mmapPageManager) residentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

func (m *mmapPageManager) flush(startPage uint32, startOffset int, endPage uint32, endOffset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := startPage; idx <= endPage; idx++ {
		p, ok := m.pages[idx]
		if !ok {
			continue
		}
		from, to := 0, m.pageSz
		if idx == startPage {
			from = startOffset
		}
		if idx == endPage {
			to = endOffset
		}
		if to <= from {
			continue
		}
		// msync requires page-aligned start per POSIX; align down.
		alignedFrom := (from / os.Getpagesize()) * os.Getpagesize()
		if err := unix.Msync(p.data[alignedFrom:], unix.MS_SYNC); err != nil {
			return fmt.Errorf("ledgerwal: msync page %d: %w", idx, err)
		}
	}
	return nil
}

func (m *mmapPageManager) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for idx, p := range m.pages {
		if err := unix.Munmap(p.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ledgerwal: munmap page %d: %w", idx, err)
		}
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ledgerwal: close page %d: %w", idx, err)
		}
	}
	m.pages = make(map[uint32]*mmapPage)
	return firstErr
}
