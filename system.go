package cellar

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/cellar-hv/cellar/internal/cell"
	"github.com/cellar-hv/cellar/internal/pagepool"
	"github.com/cellar-hv/cellar/internal/percpu"
	"github.com/cellar-hv/cellar/internal/vmexec"
	"golang.org/x/sync/errgroup"
)

// Config describes a system before it is brought up.
type Config struct {
	// NumCPUs is the number of cores to run, each with its own control
	// block and execution context.
	NumCPUs int

	// Mode selects the virtualization payload every core carries.
	Mode vmexec.Mode

	// PoolBase and PoolPages place the table page pool.
	PoolBase  uint64
	PoolPages int

	// OnStart runs on the owning core's context whenever it consumes a
	// start vector; addr is the derived start address. Optional.
	OnStart func(cpu int, addr uint64)
}

// System owns the table page pool, the control block arena, one execution
// context per core, and the cell registry built on top of them.
type System struct {
	pool  *pagepool.Pool
	arena *percpu.Arena
	cells *cell.Manager

	runners []*runner
}

// New builds a system from cfg. Run brings the cores up.
func New(cfg Config) (*System, error) {
	if cfg.NumCPUs < 1 {
		return nil, fmt.Errorf("cellar: config needs at least one cpu")
	}

	pool, err := pagepool.New(cfg.PoolBase, cfg.PoolPages)
	if err != nil {
		return nil, err
	}

	arena, err := percpu.NewArena(cfg.NumCPUs)
	if err != nil {
		pool.Close()
		return nil, err
	}

	s := &System{
		pool:  pool,
		arena: arena,
		cells: cell.NewManager(pool, arena),
	}

	for i := range cfg.NumCPUs {
		cpu, err := arena.CPU(i)
		if err != nil {
			pool.Close()
			return nil, err
		}

		payload, err := vmexec.New(cfg.Mode)
		if err != nil {
			pool.Close()
			return nil, err
		}

		r := &runner{
			cpu:     cpu,
			queue:   make(chan func(), 16),
			kicked:  make(chan struct{}, 1),
			done:    make(chan struct{}),
			onStart: cfg.OnStart,
		}

		cpu.Init(uint32(i), payload, r.kick)
		s.runners = append(s.runners, r)
	}

	return s, nil
}

// runner is one core's execution context. Control requests from other
// cores land as kicks; work submitted through Call and Submit lands on the
// queue. Either way the core passes a checkpoint afterwards.
type runner struct {
	cpu     *percpu.CPU
	queue   chan func()
	kicked  chan struct{}
	done    chan struct{}
	onStart func(cpu int, addr uint64)
}

func (r *runner) kick() {
	select {
	case r.kicked <- struct{}{}:
	default:
	}
}

func (r *runner) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-r.queue:
			fn()
		case <-r.kicked:
		}

		vector, keepRunning := r.cpu.HandleEvents()
		if vector != percpu.VectorNone {
			if r.onStart != nil {
				r.onStart(r.cpu.ID(), percpu.StartAddress(vector))
			}
			r.cpu.Started()
		}
		if !keepRunning {
			return r.cpu.Shutdown()
		}
	}
}

// Run brings every core up and blocks until all of them retire or ctx is
// canceled. A core whose shutdown sequence fails surfaces its error here.
func (s *System) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, r := range s.runners {
		g.Go(func() error { return r.run(ctx) })
	}

	slog.Info("system up", "cpus", len(s.runners))

	return g.Wait()
}

// Stop asks every core to shut down. Run returns once they have all
// retired.
func (s *System) Stop() {
	s.arena.ForEach(func(c *percpu.CPU) { c.RequestShutdown() })
}

// Close releases the table page pool. Call it after Run has returned.
func (s *System) Close() error {
	return s.pool.Close()
}

// Submit queues fn on cpu id's execution context, like a directed
// interrupt with a payload attached. It fails once the core has retired.
func (s *System) Submit(id int, fn func()) error {
	if id < 0 || id >= len(s.runners) {
		return fmt.Errorf("cellar: cpu %d: %w", id, percpu.ErrNoSuchCPU)
	}

	r := s.runners[id]
	select {
	case r.queue <- fn:
		return nil
	case <-r.done:
		return fmt.Errorf("cellar: cpu %d has retired", id)
	}
}

// Call runs fn on cpu id's execution context and waits for its result. A
// core that retires before running fn reports that instead of blocking.
func (s *System) Call(id int, fn func() error) error {
	if id < 0 || id >= len(s.runners) {
		return fmt.Errorf("cellar: cpu %d: %w", id, percpu.ErrNoSuchCPU)
	}
	r := s.runners[id]

	done := make(chan error, 1)
	if err := s.Submit(id, func() { done <- fn() }); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-r.done:
		// fn may have run right before the core retired.
		select {
		case err := <-done:
			return err
		default:
		}
		return fmt.Errorf("cellar: cpu %d has retired before running the call", id)
	}
}

// NumCPUs returns the number of cores the system runs.
func (s *System) NumCPUs() int { return s.arena.NumCPUs() }

// CPU returns the control block for cpu id.
func (s *System) CPU(id int) (*percpu.CPU, error) { return s.arena.CPU(id) }

// CreateCell builds a cell and claims its cores and memory.
func (s *System) CreateCell(cfg cell.Config) (*cell.Cell, error) {
	return s.cells.Create(cfg)
}

// DestroyCell parks a cell's cores and releases everything it held.
func (s *System) DestroyCell(id uint32) error { return s.cells.Destroy(id) }

// CellByID returns the cell registered under id.
func (s *System) CellByID(id uint32) (*cell.Cell, error) { return s.cells.Cell(id) }

// Cells lists all cells in ascending id order.
func (s *System) Cells() []*cell.Cell { return s.cells.Cells() }

// ResetCell parks every member of c into the wait-for-reset state.
func (s *System) ResetCell(c *cell.Cell) { s.cells.Reset(c) }

// HandleFault contains the cell of a faulted core.
func (s *System) HandleFault(cpu int) error { return s.cells.HandleFault(cpu) }

// PoolStats reports used and total table pages.
func (s *System) PoolStats() (used, capacity int) { return s.pool.Stats() }
