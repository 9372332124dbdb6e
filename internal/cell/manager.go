package cell

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/cellar-hv/cellar/internal/paging"
	"github.com/cellar-hv/cellar/internal/percpu"
	"github.com/cellar-hv/cellar/internal/spin"
)

// Config describes a cell to create.
type Config struct {
	ID      uint32
	Name    string
	CPUs    []int
	Regions []Region
}

// Manager tracks every cell and assigns cores to them from the shared
// control block arena.
type Manager struct {
	mu    spin.Lock
	alloc paging.Allocator
	arena *percpu.Arena

	cells map[uint32]*Cell
}

// NewManager returns a manager drawing table pages from alloc and cores
// from arena.
func NewManager(alloc paging.Allocator, arena *percpu.Arena) *Manager {
	return &Manager{
		alloc: alloc,
		arena: arena,
		cells: make(map[uint32]*Cell),
	}
}

// Create builds a cell from cfg: it claims the configured cpus, maps the
// configured regions, and registers the cell. A cpu that already belongs
// to another cell is rejected; a region failure releases everything the
// create built so far.
func (m *Manager) Create(cfg Config) (*Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Name == "" {
		return nil, fmt.Errorf("cell: config %d has no name", cfg.ID)
	}
	if len(cfg.CPUs) == 0 {
		return nil, fmt.Errorf("cell %q: no cpus configured", cfg.Name)
	}
	if existing, ok := m.cells[cfg.ID]; ok {
		return nil, fmt.Errorf("cell %q: id %d already used by %q", cfg.Name, cfg.ID, existing.Name())
	}

	seen := make(map[int]bool)
	cpus := make([]*percpu.CPU, 0, len(cfg.CPUs))
	for _, id := range cfg.CPUs {
		if seen[id] {
			return nil, fmt.Errorf("cell %q: cpu %d listed twice", cfg.Name, id)
		}
		seen[id] = true

		cpu, err := m.arena.CPU(id)
		if err != nil {
			return nil, fmt.Errorf("cell %q: %w", cfg.Name, err)
		}
		if owner := cpu.Cell(); owner != nil {
			return nil, fmt.Errorf("cell %q: cpu %d already belongs to %q", cfg.Name, id, owner.Name())
		}
		cpus = append(cpus, cpu)
	}

	c, err := newCell(m.alloc, cfg.ID, cfg.Name, m.arena.NumCPUs())
	if err != nil {
		return nil, err
	}

	for _, r := range cfg.Regions {
		if err := c.AddRegion(r); err != nil {
			m.releaseCell(c)
			return nil, err
		}
	}

	for _, cpu := range cpus {
		cpu.AssignCell(c)
		c.addCPU(cpu.ID())
	}

	m.cells[cfg.ID] = c

	slog.Info("created cell", "id", cfg.ID, "name", cfg.Name, "cpus", len(cfg.CPUs))

	return c, nil
}

// Destroy tears a cell down: every member is parked and unassigned, the
// regions are unmapped, and the root table goes back to the allocator.
// Members must be checkpointing for the parking to complete.
func (m *Manager) Destroy(id uint32) error {
	m.mu.Lock()
	c, ok := m.cells[id]
	if ok {
		delete(m.cells, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("cell: no cell %d", id)
	}

	for _, cpuID := range c.CPUs() {
		cpu, err := m.arena.CPU(cpuID)
		if err != nil {
			continue
		}
		m.park(cpu)
		cpu.AssignCell(nil)
		c.removeCPU(cpuID)
	}

	m.releaseCell(c)

	slog.Info("destroyed cell", "id", id, "name", c.Name())
	return nil
}

// releaseCell unmaps whatever the cell still has mapped and frees its root
// table. Unmapping prunes every other table page, so the root is the only
// page left to hand back.
func (m *Manager) releaseCell(c *Cell) {
	for _, r := range c.Regions() {
		_ = c.RemoveRegion(r.Virt)
	}
	m.alloc.FreeTable(c.RootPhys())
}

// Cell returns the cell registered under id.
func (m *Manager) Cell(id uint32) (*Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cells[id]
	if !ok {
		return nil, fmt.Errorf("cell: no cell %d", id)
	}
	return c, nil
}

// Cells returns all cells in ascending id order.
func (m *Manager) Cells() []*Cell {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, len(m.cells))
	for id := range m.cells {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	result := make([]*Cell, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.cells[id])
	}
	return result
}

// Reset parks every member of c, leaving the whole cell waiting for reset.
func (m *Manager) Reset(c *Cell) {
	for _, id := range c.CPUs() {
		cpu, err := m.arena.CPU(id)
		if err != nil {
			continue
		}
		m.park(cpu)
	}
}

// HandleFault contains the cell of a faulted core by parking its other
// members. The faulted core itself stops cooperating once its flag is set,
// so it is left alone here.
func (m *Manager) HandleFault(cpuID int) error {
	cpu, err := m.arena.CPU(cpuID)
	if err != nil {
		return fmt.Errorf("cell: fault on unknown cpu: %w", err)
	}

	owner := cpu.Cell()
	if owner == nil {
		return fmt.Errorf("cell: faulted cpu %d belongs to no cell", cpuID)
	}
	c, ok := owner.(*Cell)
	if !ok {
		return fmt.Errorf("cell: cpu %d has a foreign cell binding", cpuID)
	}

	slog.Warn("containing cell after cpu fault", "cpu", cpuID, "cell", c.Name())

	for _, id := range c.CPUs() {
		if id == cpuID {
			continue
		}
		member, err := m.arena.CPU(id)
		if err != nil {
			continue
		}
		m.park(member)
	}

	return nil
}

// park drives one core into the wait-for-reset state: suspend it, pend a
// reset while it is parked, release it. The reset is taken at the same
// checkpoint that leaves the park loop.
func (m *Manager) park(cpu *percpu.CPU) {
	cpu.Suspend()
	cpu.SignalReset()
	cpu.Resume()
}
