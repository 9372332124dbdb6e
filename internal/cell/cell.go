// Package cell manages partitions: disjoint sets of cores and memory
// assignments. Each cell owns an address space built through the paging
// walker plus a membership set over the CPU control block arena. Cells
// react to core faults by containing the whole partition.
package cell

import (
	"fmt"

	"github.com/cellar-hv/cellar/internal/paging"
	"github.com/cellar-hv/cellar/internal/percpu"
	"github.com/cellar-hv/cellar/internal/spin"
	"gvisor.dev/gvisor/pkg/bitmap"
)

// Region is one memory assignment inside a cell's address space.
type Region struct {
	Virt  uint64
	Phys  uint64
	Size  uint64
	Flags uint64
}

func (r Region) end() uint64 { return r.Virt + r.Size }

// Cell is one partition.
type Cell struct {
	id   uint32
	name string

	mu      spin.Lock
	cpus    bitmap.Bitmap
	regions []Region
	space   *paging.AddressSpace
}

func newCell(alloc paging.Allocator, id uint32, name string, numCPUs int) (*Cell, error) {
	space, err := paging.NewAddressSpace(alloc, paging.X86_64())
	if err != nil {
		return nil, fmt.Errorf("cell %q: %w", name, err)
	}

	return &Cell{
		id:    id,
		name:  name,
		cpus:  bitmap.New(uint32(numCPUs)),
		space: space,
	}, nil
}

// ID returns the cell's stable id.
func (c *Cell) ID() uint32 { return c.id }

// Name returns the cell's configured name.
func (c *Cell) Name() string { return c.name }

// CPUs returns the member cpu ids in ascending order.
func (c *Cell) CPUs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := c.cpus.ToSlice()
	ids := make([]int, len(raw))
	for i, id := range raw {
		ids[i] = int(id)
	}
	return ids
}

// HasCPU reports whether cpu id is a member.
func (c *Cell) HasCPU(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasCPU(id)
}

func (c *Cell) hasCPU(id int) bool {
	bit, err := c.cpus.FirstOne(uint32(id))
	return err == nil && bit == uint32(id)
}

// AddRegion validates r against the existing assignments and maps it page
// by page. A map failure unwinds the pages already mapped for r before
// returning, so a failed add leaves the address space unchanged.
func (c *Cell) AddRegion(r Region) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Size == 0 {
		return fmt.Errorf("cell %q: cannot add zero-size region at 0x%x", c.name, r.Virt)
	}
	if r.Virt%paging.PageSize != 0 || r.Phys%paging.PageSize != 0 || r.Size%paging.PageSize != 0 {
		return fmt.Errorf("cell %q: region [0x%x-0x%x) -> 0x%x is not page aligned",
			c.name, r.Virt, r.end(), r.Phys)
	}

	for _, q := range c.regions {
		if r.Virt < q.end() && r.end() > q.Virt {
			return fmt.Errorf("cell %q: region [0x%x-0x%x) overlaps [0x%x-0x%x)",
				c.name, r.Virt, r.end(), q.Virt, q.end())
		}
	}

	for off := uint64(0); off < r.Size; off += paging.PageSize {
		if err := c.space.MapPage(r.Virt+off, r.Phys+off, r.Flags); err != nil {
			for undo := uint64(0); undo < off; undo += paging.PageSize {
				c.space.Unmap(r.Virt + undo)
			}
			return fmt.Errorf("cell %q: add region at 0x%x: %w", c.name, r.Virt, err)
		}
	}

	c.regions = append(c.regions, r)
	return nil
}

// RemoveRegion unmaps the region previously added at virt.
func (c *Cell) RemoveRegion(virt uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.regions {
		if r.Virt != virt {
			continue
		}
		for off := uint64(0); off < r.Size; off += paging.PageSize {
			c.space.Unmap(r.Virt + off)
		}
		c.regions = append(c.regions[:i], c.regions[i+1:]...)
		return nil
	}
	return fmt.Errorf("cell %q: no region at 0x%x", c.name, virt)
}

// Regions returns a copy of the current memory assignments.
func (c *Cell) Regions() []Region {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Region, len(c.regions))
	copy(result, c.regions)
	return result
}

// Lookup resolves virt through the cell's address space, returning
// paging.InvalidPhysAddr when it is unmapped.
func (c *Cell) Lookup(virt uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.space.Lookup(virt)
}

// RootPhys returns the physical address of the cell's root table.
func (c *Cell) RootPhys() uint64 {
	return c.space.RootPhys()
}

func (c *Cell) addCPU(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cpus.Add(uint32(id))
}

func (c *Cell) removeCPU(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cpus.Remove(uint32(id))
}

var (
	_ percpu.Cell = (*Cell)(nil)
)
