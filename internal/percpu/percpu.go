// Package percpu implements the per-core control block and the cross-core
// lifecycle protocol built on it. Every physical core owns one block for the
// lifetime of the system; remote cores request suspend, resume, reset, start
// and shutdown transitions through lock-guarded fields, and the owning core
// services them at its checkpoints.
//
// The blocks live in a fixed arena indexed by logical cpu id. They are never
// freed, only reassigned between cells.
package percpu

import (
	"errors"
	"fmt"

	"github.com/cellar-hv/cellar/internal/spin"
	"github.com/cellar-hv/cellar/internal/vmexec"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// MaxCPUs bounds the control block arena.
const MaxCPUs = 64

// VectorNone marks an empty pending start vector.
const VectorNone = -1

// MaxVector is the highest valid start vector.
const MaxVector = 0xff

// Shutdown states. Negative values are terminal failure codes recorded by a
// failed shutdown sequence.
const (
	ShutdownNone    = 0
	ShutdownStarted = 1
)

// Statistic counter indices.
const (
	StatCheckpoints = iota
	StatSuspends
	StatResets
	StatStarts

	NumCPUStats
)

var (
	// ErrInvalidVector rejects a start vector outside [0, MaxVector] or
	// one issued to a core that is not waiting for reset.
	ErrInvalidVector = errors.New("percpu: invalid start vector")

	// ErrNoSuchCPU rejects a cpu id outside the arena.
	ErrNoSuchCPU = errors.New("percpu: no such cpu")
)

// Cell identifies the partition a core is assigned to. The concrete type
// lives in the cell package; the control block only names it.
type Cell interface {
	ID() uint32
	Name() string
}

// CPU is one core's control block.
//
// mu protects cell, waitForReset, resetSignaled, startVector, flushCaches,
// updateCacheAlloc, shutdownState, faulted, initialized and starting, plus
// the write side of suspendRequested and suspendedAck. Two reads bypass it:
// a requester polls suspendedAck after publishing its suspend request, and
// the parked owner re-probes suspendRequested with the lock dropped. Each
// of those flags has exactly one writer while it is being polled.
//
// The statistics counters are plain atomics outside the lock.
type CPU struct {
	cpuID  int
	apicID uint32

	// payload carries the virtualization-mode state, selected at Init and
	// fixed for the life of the core.
	payload vmexec.Payload

	// kick nudges the owning core toward its next checkpoint. Nil when
	// the owner polls on its own.
	kick func()

	stats [NumCPUStats]atomicbitops.Uint32

	mu spin.Lock

	cell Cell

	suspendRequested atomicbitops.Bool
	suspendedAck     atomicbitops.Bool
	waitForReset     bool
	resetSignaled    bool
	startVector      int
	flushCaches      bool
	updateCacheAlloc bool
	shutdownState    int
	faulted          bool

	initialized bool
	starting    bool

	// pad keeps neighboring blocks in the arena off one cache line.
	_ [64]byte
}

// Arena is the fixed per-core control block array. Blocks are addressed by
// logical cpu id and never move.
type Arena struct {
	cpus []CPU
}

// NewArena allocates blocks for n cores.
func NewArena(n int) (*Arena, error) {
	if n < 1 || n > MaxCPUs {
		return nil, fmt.Errorf("percpu: arena of %d cpus outside [1, %d]", n, MaxCPUs)
	}

	a := &Arena{cpus: make([]CPU, n)}
	for i := range a.cpus {
		a.cpus[i].cpuID = i
		a.cpus[i].startVector = VectorNone
	}
	return a, nil
}

// NumCPUs returns the arena size.
func (a *Arena) NumCPUs() int { return len(a.cpus) }

// CPU returns the control block for the given logical id.
func (a *Arena) CPU(id int) (*CPU, error) {
	if id < 0 || id >= len(a.cpus) {
		return nil, fmt.Errorf("percpu: cpu %d: %w", id, ErrNoSuchCPU)
	}
	return &a.cpus[id], nil
}

// ForEach calls fn for every control block in cpu id order.
func (a *Arena) ForEach(fn func(*CPU)) {
	for i := range a.cpus {
		fn(&a.cpus[i])
	}
}

// Init brings the control block up for its owning core. The payload fixes
// the virtualization mode for the life of the core and is never switched.
func (c *CPU) Init(apicID uint32, payload vmexec.Payload, kick func()) {
	if payload == nil {
		panic(fmt.Sprintf("percpu: cpu %d initialized without a mode payload", c.cpuID))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		panic(fmt.Sprintf("percpu: cpu %d initialized twice", c.cpuID))
	}
	c.apicID = apicID
	c.payload = payload
	c.kick = kick
	c.initialized = true
}

// ID returns the stable logical cpu id.
func (c *CPU) ID() int { return c.cpuID }

// APICID returns the physical id assigned at Init.
func (c *CPU) APICID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apicID
}

// Cell returns the owning cell, nil while unassigned.
func (c *CPU) Cell() Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cell
}

// AssignCell moves the core to cell and clears its statistics. The block
// itself is reused across assignments, never reallocated.
func (c *CPU) AssignCell(cell Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cell = cell
	for i := range c.stats {
		c.stats[i].Store(0)
	}
}

// Stat returns statistics counter i.
func (c *CPU) Stat(i int) uint32 {
	return c.stats[i].Load()
}

// Faulted reports whether the core has marked itself faulted.
func (c *CPU) Faulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faulted
}

// ShutdownState returns the current shutdown progress value: ShutdownNone,
// ShutdownStarted, or a recorded negative failure code.
func (c *CPU) ShutdownState() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownState
}

// State is a core's derived lifecycle state. It is computed from the
// control block fields on demand, never stored.
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateSuspendRequested
	StateSuspended
	StateWaitingForReset
	StateStarting
	StateShutdownRequested
	StateShutdownFailed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateSuspendRequested:
		return "suspend-requested"
	case StateSuspended:
		return "suspended"
	case StateWaitingForReset:
		return "waiting-for-reset"
	case StateStarting:
		return "starting"
	case StateShutdownRequested:
		return "shutdown-requested"
	case StateShutdownFailed:
		return "shutdown-failed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// State derives the core's lifecycle state.
func (c *CPU) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.initialized:
		return StateUninitialized
	case c.faulted:
		return StateFaulted
	case c.shutdownState < 0:
		return StateShutdownFailed
	case c.shutdownState == ShutdownStarted:
		return StateShutdownRequested
	case c.suspendedAck.Load():
		return StateSuspended
	case c.suspendRequested.Load():
		return StateSuspendRequested
	case c.waitForReset:
		return StateWaitingForReset
	case c.starting:
		return StateStarting
	default:
		return StateRunning
	}
}

func (c *CPU) kickOwner() {
	c.mu.Lock()
	kick := c.kick
	c.mu.Unlock()

	if kick != nil {
		kick()
	}
}

// StartAddress returns the execution address a start vector selects: the
// vector scaled by the conventional 4 KiB startup-segment granularity.
func StartAddress(vector int) uint64 {
	return uint64(vector) << 12
}
