// Package paging implements a generic multi-level page-table engine.
//
// The walker is architecture-neutral: it drives an ordered root-to-leaf array
// of Level operation sets, so one engine serves any level count or entry
// format by substituting the array. Huge mappings at intermediate levels are
// handled purely through a degenerate Phys result rather than special cases
// in the walk. The package ships the 4-level x86-64 format; tests exercise
// the walker against a second format to keep it honest.
package paging

import (
	"fmt"
)

const (
	// PageSize is the size of one table page and of a leaf mapping.
	PageSize = 4096

	// EntriesPerTable is the number of entries in one table page.
	EntriesPerTable = PageSize / 8
)

// InvalidPhysAddr is the sentinel for "no translation".
const InvalidPhysAddr = ^uint64(0)

// Entry is one slot in a page table. Its bit layout is defined entirely by
// the Level operating on it.
type Entry uint64

// Table is one page-aligned page of entries.
type Table [EntriesPerTable]Entry

// Level is the operation set for one level of a translation format.
//
// Not every operation is meaningful at every level: the root of a format
// never holds terminal mappings and a leaf is never followed further.
// Calling an operation a level does not support is a programming error and
// panics; it is never a runtime condition.
type Level interface {
	// PageSize returns the bytes covered by one terminal mapping at this
	// level, or zero if the level cannot be a mapping target.
	PageSize() uint64

	// Entry returns the slot for virt within t.
	Entry(t *Table, virt uint64) *Entry

	// Valid reports whether e holds a valid entry.
	Valid(e *Entry) bool

	// Flags returns the generic flag bits of e. Format markers such as a
	// huge-page bit are never reported here.
	Flags(e *Entry) uint64

	// SetNext points e at the table page at next, applying the format's
	// default present flags.
	SetNext(e *Entry, next uint64)

	// Next returns the physical address of the table page e points at.
	Next(e *Entry) uint64

	// Clear invalidates e.
	Clear(e *Entry)

	// Empty reports whether t holds no valid entries.
	Empty(t *Table) bool

	// SetTerminal writes a terminal mapping to phys with flags into e.
	SetTerminal(e *Entry, phys, flags uint64)

	// Phys resolves e for virt. Levels that cannot terminate the walk
	// here return InvalidPhysAddr and the walker descends; a leaf always
	// returns a real address for a valid entry.
	Phys(e *Entry, virt uint64) uint64
}

// Allocator provides the page-aligned, zeroed table pages the walker links
// into an address space, and takes freed pages back.
type Allocator interface {
	// NewTable returns a zeroed table page and its physical address, or
	// an error wrapping ErrOutOfMemory on exhaustion.
	NewTable() (*Table, uint64, error)

	// LookupTable resolves the physical address of an allocated table
	// page back to the page.
	LookupTable(phys uint64) *Table

	// FreeTable returns an allocated table page to the allocator.
	FreeTable(phys uint64)
}

// ErrOutOfMemory is returned (wrapped) by Map when table allocation fails.
// The walk is not retried internally; the caller decides whether to roll
// back the partially built mapping or abort.
var ErrOutOfMemory = fmt.Errorf("paging: out of memory")

// AddressSpace is one translation tree: a root table plus the ordered
// root-to-leaf level array that interprets it. The root table is never freed
// by unmap pruning, even when empty.
//
// Mutation (Map, Unmap) assumes a single writer at a time per address space;
// that synchronization belongs to the caller. Lookups against a stable
// address space are safe from any core.
type AddressSpace struct {
	alloc    Allocator
	levels   []Level
	root     *Table
	rootPhys uint64
}

// NewAddressSpace allocates a root table from alloc and returns an empty
// address space using the given level array.
func NewAddressSpace(alloc Allocator, levels []Level) (*AddressSpace, error) {
	if len(levels) == 0 {
		panic("paging: empty level array")
	}

	root, rootPhys, err := alloc.NewTable()
	if err != nil {
		return nil, fmt.Errorf("paging: allocate root table: %w", err)
	}

	return &AddressSpace{
		alloc:    alloc,
		levels:   levels,
		root:     root,
		rootPhys: rootPhys,
	}, nil
}

// RootPhys returns the physical address of the root table.
func (s *AddressSpace) RootPhys() uint64 {
	return s.rootPhys
}

// NumLevels returns the depth of the translation format.
func (s *AddressSpace) NumLevels() int {
	return len(s.levels)
}

// Map installs a terminal mapping virt -> phys with flags at the level with
// index target, allocating and linking intermediate tables on the way down.
// A freshly allocated table is linked in the same step, so a failed walk
// never leaves a valid entry pointing at an unlinked page.
//
// Map fails only when table allocation fails; the tables already linked on
// the path remain in place for the caller to keep or tear down. A target
// outside the level array is a programming error and panics.
func (s *AddressSpace) Map(virt, phys, flags uint64, target int) error {
	if target < 0 || target >= len(s.levels) {
		panic(fmt.Sprintf("paging: map target level %d out of range", target))
	}

	pt := s.root
	for n := 0; n < target; n++ {
		lvl := s.levels[n]
		e := lvl.Entry(pt, virt)
		if !lvl.Valid(e) {
			next, nextPhys, err := s.alloc.NewTable()
			if err != nil {
				return fmt.Errorf("paging: map %#x: %w", virt, err)
			}
			lvl.SetNext(e, nextPhys)
			pt = next
			continue
		}
		pt = s.alloc.LookupTable(lvl.Next(e))
	}

	lvl := s.levels[target]
	lvl.SetTerminal(lvl.Entry(pt, virt), phys, flags)
	return nil
}

// MapPage installs a leaf-level mapping virt -> phys with flags.
func (s *AddressSpace) MapPage(virt, phys, flags uint64) error {
	return s.Map(virt, phys, flags, len(s.levels)-1)
}

// Unmap removes the leaf mapping for virt and prunes upward: every
// intermediate table left empty by the removal is unlinked from its parent
// and freed, stopping at the first table that still holds entries. The root
// table has its entry cleared when the whole path drains but is itself never
// freed. Unmapping an absent address is a no-op.
func (s *AddressSpace) Unmap(virt uint64) {
	type visit struct {
		pt   *Table
		phys uint64
		e    *Entry
	}
	chain := make([]visit, 0, len(s.levels))

	pt, ptPhys := s.root, s.rootPhys
	for n, lvl := range s.levels {
		e := lvl.Entry(pt, virt)
		if !lvl.Valid(e) {
			return
		}
		chain = append(chain, visit{pt: pt, phys: ptPhys, e: e})
		if n == len(s.levels)-1 {
			break
		}
		ptPhys = lvl.Next(e)
		pt = s.alloc.LookupTable(ptPhys)
	}

	leaf := len(chain) - 1
	s.levels[leaf].Clear(chain[leaf].e)

	for n := leaf - 1; n >= 0; n-- {
		child := chain[n+1]
		if !s.levels[n+1].Empty(child.pt) {
			break
		}
		s.levels[n].Clear(chain[n].e)
		s.alloc.FreeTable(child.phys)
	}
}

// Lookup resolves virt to a physical address, or InvalidPhysAddr if no
// mapping covers it. Intermediate levels that hold a huge mapping terminate
// the walk through their Phys operation; otherwise the walk descends to the
// leaf.
func (s *AddressSpace) Lookup(virt uint64) uint64 {
	pt := s.root
	for _, lvl := range s.levels {
		e := lvl.Entry(pt, virt)
		if !lvl.Valid(e) {
			return InvalidPhysAddr
		}
		if phys := lvl.Phys(e, virt); phys != InvalidPhysAddr {
			return phys
		}
		pt = s.alloc.LookupTable(lvl.Next(e))
	}
	return InvalidPhysAddr
}
