// Package pagepool provides the fixed pool of page table pages backing the
// translation engine. The pool is carved out of one arena mapped at init;
// after that no allocation happens, pages only move between the free set and
// address spaces.
package pagepool

import (
	"fmt"
	"unsafe"

	"github.com/cellar-hv/cellar/internal/paging"
	"github.com/cellar-hv/cellar/internal/spin"
	"gvisor.dev/gvisor/pkg/bitmap"
)

const (
	pageSize     = paging.PageSize
	wordsPerPage = paging.EntriesPerTable
)

// Pool hands out zeroed, page-aligned table pages from a fixed arena. The
// pool's physical addresses are arena offsets from a fixed base, so a table
// page resolves back to its memory in constant time.
//
// A Pool is safe for use by concurrent address spaces.
type Pool struct {
	base    uint64
	pages   int
	release func() error

	mu    spin.Lock
	words []uint64
	used  bitmap.Bitmap
}

var (
	_ paging.Allocator = (*Pool)(nil)
)

// New creates a pool of the given page count whose pages report physical
// addresses starting at base. base must be page aligned.
func New(base uint64, pages int) (*Pool, error) {
	if base%pageSize != 0 {
		return nil, fmt.Errorf("pagepool: base %#x is not page aligned", base)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("pagepool: pool needs at least one page, got %d", pages)
	}

	words, release, err := newArena(pages)
	if err != nil {
		return nil, err
	}

	return &Pool{
		base:    base,
		pages:   pages,
		release: release,
		words:   words,
		used:    bitmap.New(uint32(pages)),
	}, nil
}

// NewTable implements paging.Allocator.
func (p *Pool) NewTable() (*paging.Table, uint64, error) {
	p.mu.Lock()
	idx, err := p.used.FirstZero(0)
	if err != nil || idx >= uint32(p.pages) {
		p.mu.Unlock()
		return nil, 0, fmt.Errorf("pagepool: all %d table pages in use: %w", p.pages, paging.ErrOutOfMemory)
	}
	p.used.Add(idx)
	words := p.pageWords(idx)
	clear(words)
	p.mu.Unlock()

	return (*paging.Table)(unsafe.Pointer(&words[0])), p.physOf(idx), nil
}

// LookupTable implements paging.Allocator. Resolving an address outside the
// pool or a page that is not allocated is a programming error and panics.
func (p *Pool) LookupTable(phys uint64) *paging.Table {
	idx := p.index(phys)

	p.mu.Lock()
	ok := p.isAllocated(idx)
	words := p.pageWords(idx)
	p.mu.Unlock()

	if !ok {
		panic(fmt.Sprintf("pagepool: lookup of unallocated table page %#x", phys))
	}
	return (*paging.Table)(unsafe.Pointer(&words[0]))
}

// FreeTable implements paging.Allocator. Freeing an unallocated page panics.
func (p *Pool) FreeTable(phys uint64) {
	idx := p.index(phys)

	p.mu.Lock()
	if !p.isAllocated(idx) {
		p.mu.Unlock()
		panic(fmt.Sprintf("pagepool: double free of table page %#x", phys))
	}
	p.used.Remove(idx)
	p.mu.Unlock()
}

// Stats returns the number of pages currently handed out and the pool
// capacity.
func (p *Pool) Stats() (used, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.used.GetNumOnes()), p.pages
}

// Base returns the physical address of the first pool page.
func (p *Pool) Base() uint64 {
	return p.base
}

// Close releases the arena. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	words := p.words
	p.words = nil
	p.mu.Unlock()

	if words == nil {
		return fmt.Errorf("pagepool: already closed")
	}
	if p.release != nil {
		return p.release()
	}
	return nil
}

func (p *Pool) physOf(idx uint32) uint64 {
	return p.base + uint64(idx)*pageSize
}

func (p *Pool) index(phys uint64) uint32 {
	if phys < p.base || phys%pageSize != 0 || phys >= p.base+uint64(p.pages)*pageSize {
		panic(fmt.Sprintf("pagepool: address %#x outside the pool", phys))
	}
	return uint32((phys - p.base) / pageSize)
}

func (p *Pool) pageWords(idx uint32) []uint64 {
	off := int(idx) * wordsPerPage
	return p.words[off : off+wordsPerPage]
}

// isAllocated reports whether page idx is handed out. Callers hold p.mu.
func (p *Pool) isAllocated(idx uint32) bool {
	bit, err := p.used.FirstOne(idx)
	return err == nil && bit == idx
}
