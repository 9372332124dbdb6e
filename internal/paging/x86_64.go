package paging

// 4-level x86-64 long-mode format: 4 KiB leaf pages, 2 MiB and 1 GiB huge
// pages decoded at the two directory levels. 52-bit physical addressing.

// Entry flag bits for the x86-64 format.
const (
	FlagPresent  uint64 = 1 << 0
	FlagWritable uint64 = 1 << 1
	FlagUser     uint64 = 1 << 2

	// DefaultFlags is applied when linking a fresh intermediate table.
	DefaultFlags = FlagPresent | FlagWritable | FlagUser
)

const (
	x86FlagHuge uint64 = 0x80

	// x86FlagsMask covers the generic flag bits. The huge-page marker sits
	// above it and is never reported as a flag.
	x86FlagsMask uint64 = 0x7f

	x86PhysMask uint64 = 0x000ffffffffff000
)

// X86_64 returns the level array for the 4-level x86-64 format, root first.
//
// The two directory levels below the root decode huge mappings but never
// create them: their SetTerminal panics, preserving the format's decode-only
// huge-page surface.
func X86_64() []Level {
	return []Level{
		x86Root{},
		x86Dir{shift: 30, physMask: 0x000fffffc0000000, offMask: 0x3fffffff},
		x86Dir{shift: 21, physMask: 0x000fffffffe00000, offMask: 0x1fffff},
		x86Leaf{},
	}
}

// x86Common carries the operations shared by every x86-64 level.
type x86Common struct{}

func (x86Common) Valid(e *Entry) bool {
	return uint64(*e)&FlagPresent != 0
}

func (x86Common) Flags(e *Entry) uint64 {
	return uint64(*e) & x86FlagsMask
}

func (x86Common) SetNext(e *Entry, next uint64) {
	*e = Entry(next&x86PhysMask | DefaultFlags)
}

func (x86Common) Clear(e *Entry) {
	*e = 0
}

func (c x86Common) Empty(t *Table) bool {
	for i := range t {
		if c.Valid(&t[i]) {
			return false
		}
	}
	return true
}

type x86Root struct {
	x86Common
}

func (x86Root) PageSize() uint64 { return 0 }

func (x86Root) Entry(t *Table, virt uint64) *Entry {
	return &t[(virt>>39)&0x1ff]
}

func (x86Root) Next(e *Entry) uint64 {
	return uint64(*e) & x86PhysMask
}

func (x86Root) SetTerminal(e *Entry, phys, flags uint64) {
	panic("paging: x86-64 root level cannot hold terminal mappings")
}

// Phys never resolves at the root; the walk always descends.
func (x86Root) Phys(e *Entry, virt uint64) uint64 {
	return InvalidPhysAddr
}

// x86Dir is one of the two directory levels (1 GiB and 2 MiB granularity).
type x86Dir struct {
	x86Common
	shift    uint
	physMask uint64
	offMask  uint64
}

func (x86Dir) PageSize() uint64 { return 0 }

func (d x86Dir) Entry(t *Table, virt uint64) *Entry {
	return &t[(virt>>d.shift)&0x1ff]
}

func (x86Dir) Next(e *Entry) uint64 {
	return uint64(*e) & x86PhysMask
}

func (d x86Dir) SetTerminal(e *Entry, phys, flags uint64) {
	panic("paging: x86-64 directory levels decode huge mappings but cannot create them")
}

func (d x86Dir) Phys(e *Entry, virt uint64) uint64 {
	if uint64(*e)&x86FlagHuge == 0 {
		return InvalidPhysAddr
	}
	return uint64(*e)&d.physMask | virt&d.offMask
}

type x86Leaf struct {
	x86Common
}

func (x86Leaf) PageSize() uint64 { return PageSize }

func (x86Leaf) Entry(t *Table, virt uint64) *Entry {
	return &t[(virt>>12)&0x1ff]
}

func (x86Leaf) Next(e *Entry) uint64 {
	panic("paging: x86-64 leaf entries reference no further table")
}

func (x86Leaf) SetTerminal(e *Entry, phys, flags uint64) {
	*e = Entry(phys&x86PhysMask | flags)
}

func (x86Leaf) Phys(e *Entry, virt uint64) uint64 {
	return uint64(*e)&x86PhysMask | virt&0xfff
}

var (
	_ Level = x86Root{}
	_ Level = x86Dir{}
	_ Level = x86Leaf{}
)
