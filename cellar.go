// Package cellar implements the core of a partitioning hypervisor: a
// generic multi-level page table engine that builds and inspects per-cell
// address spaces, and the cross-core control protocol that lets one core
// suspend, resume, reset, and shut down another with nothing but shared
// memory and busy-waiting underneath.
//
// A System runs one execution context per core. Partitions ("cells") claim
// disjoint sets of cores and memory regions; the page table walker backs
// every cell's address space with pages drawn from a fixed pool.
package cellar

import (
	"io"

	"github.com/cellar-hv/cellar/internal/cell"
	"github.com/cellar-hv/cellar/internal/ctltrace"
	"github.com/cellar-hv/cellar/internal/pagepool"
	"github.com/cellar-hv/cellar/internal/paging"
	"github.com/cellar-hv/cellar/internal/percpu"
	"github.com/cellar-hv/cellar/internal/vmexec"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Cell is one partition: a set of cores plus a private address space.
type Cell = cell.Cell

// CellConfig describes a cell to create.
type CellConfig = cell.Config

// Region is one memory assignment inside a cell.
type Region = cell.Region

// CPU is a core's control block.
type CPU = percpu.CPU

// CPUState is a core's derived lifecycle state.
type CPUState = percpu.State

// ShutdownError reports a core whose shutdown sequence failed.
type ShutdownError = percpu.ShutdownError

// Mode selects a virtualization payload flavor.
type Mode = vmexec.Mode

// AddressSpace is a root table plus the level operations that walk it.
type AddressSpace = paging.AddressSpace

// Entry is one raw slot in a page table.
type Entry = paging.Entry

// Table is one page of entries.
type Table = paging.Table

// Level is the operation set for one level of a translation format.
type Level = paging.Level

// Allocator provides table pages to address spaces.
type Allocator = paging.Allocator

// Pool is the fixed arena of table pages backing the translation engine.
type Pool = pagepool.Pool

// Lifecycle states.
const (
	StateUninitialized     = percpu.StateUninitialized
	StateRunning           = percpu.StateRunning
	StateSuspendRequested  = percpu.StateSuspendRequested
	StateSuspended         = percpu.StateSuspended
	StateWaitingForReset   = percpu.StateWaitingForReset
	StateStarting          = percpu.StateStarting
	StateShutdownRequested = percpu.StateShutdownRequested
	StateShutdownFailed    = percpu.StateShutdownFailed
	StateFaulted           = percpu.StateFaulted
)

// Virtualization modes.
const (
	ModeVTX = vmexec.ModeVTX
	ModeSVM = vmexec.ModeSVM
)

// Paging constants.
const (
	PageSize        = paging.PageSize
	InvalidPhysAddr = paging.InvalidPhysAddr

	FlagPresent  = paging.FlagPresent
	FlagWritable = paging.FlagWritable
	FlagUser     = paging.FlagUser
)

// VectorNone marks an empty pending start vector.
const VectorNone = percpu.VectorNone

// Statistics counter indices for CPU.Stat.
const (
	StatCheckpoints = percpu.StatCheckpoints
	StatSuspends    = percpu.StatSuspends
	StatResets      = percpu.StatResets
	StatStarts      = percpu.StatStarts

	NumCPUStats = percpu.NumCPUStats
)

// Common sentinel errors.
var (
	ErrOutOfMemory   = paging.ErrOutOfMemory
	ErrInvalidVector = percpu.ErrInvalidVector
	ErrNoSuchCPU     = percpu.ErrNoSuchCPU
)

// StartAddress returns the execution address a start vector selects.
func StartAddress(vector int) uint64 {
	return percpu.StartAddress(vector)
}

// NewAddressSpace builds an empty address space over alloc using the given
// level array. Use X86_64 for the shipped 4-level format.
func NewAddressSpace(alloc Allocator, levels []Level) (*AddressSpace, error) {
	return paging.NewAddressSpace(alloc, levels)
}

// X86_64 returns the level array for the 4-level x86-64 format.
func X86_64() []Level {
	return paging.X86_64()
}

// NewPool creates a standalone table page pool for address spaces managed
// outside a System.
func NewPool(base uint64, pages int) (*Pool, error) {
	return pagepool.New(base, pages)
}

// TraceEvent is one decoded control-plane event from a trace.
type TraceEvent = ctltrace.Event

// TraceTo records the control events of every core into w until the
// returned Closer is closed.
func TraceTo(w io.Writer) (io.Closer, error) {
	return ctltrace.Open(w)
}

// ReadTrace decodes a trace written by TraceTo, calling fn per event.
func ReadTrace(r io.Reader, fn func(TraceEvent) error) error {
	return ctltrace.ReadAll(r, fn)
}
