package percpu

import (
	"errors"
	"fmt"

	"github.com/cellar-hv/cellar/internal/ctltrace"
	"github.com/cellar-hv/cellar/internal/spin"
	"github.com/cellar-hv/cellar/internal/vmexec"
)

// HandleEvents is the owning core's checkpoint. It parks while suspension
// is requested, enters the wait-for-reset state on a pending reset signal,
// consumes a pending start vector, and applies requested payload
// maintenance. It returns the consumed vector (VectorNone if none) and
// whether the core should keep running; false means shutdown has been
// requested and the owner must follow up with Shutdown.
//
// Only the owning core may call HandleEvents.
func (c *CPU) HandleEvents() (vector int, keepRunning bool) {
	vector = VectorNone

	c.stats[StatCheckpoints].Add(1)

	c.mu.Lock()

	for {
		// A reset signal arriving together with a suspend request is
		// left pending; the requester expects the core parked first.
		if c.resetSignaled && !c.suspendRequested.Load() {
			c.resetSignaled = false
			c.waitForReset = true
			c.stats[StatResets].Add(1)
		}

		// The acknowledgment flickers true here even when no suspend
		// is pending. A requester only polls it after publishing its
		// request under the lock, so it can observe true only while
		// the core is genuinely parked in the loop below.
		c.suspendedAck.Store(true)

		for c.suspendRequested.Load() {
			c.mu.Unlock()

			ctltrace.Emit(c.cpuID, ctltrace.EventSuspendAck, 0)
			c.stats[StatSuspends].Add(1)
			spin.Until(func() bool { return !c.suspendRequested.Load() })

			c.mu.Lock()
		}

		c.suspendedAck.Store(false)

		if c.startVector != VectorNone {
			if !c.faulted {
				c.waitForReset = false
				c.starting = true
				vector = c.startVector
				c.stats[StatStarts].Add(1)
			}
			c.startVector = VectorNone
		}

		// A reset signaled while the core was parked is handled now
		// rather than deferred to the next checkpoint.
		if !c.resetSignaled {
			break
		}
	}

	if c.flushCaches {
		c.flushCaches = false
		c.payload.FlushCaches()
	}
	if c.updateCacheAlloc {
		c.updateCacheAlloc = false
		c.payload.UpdateCacheAllocation()
	}

	keepRunning = c.shutdownState != ShutdownStarted

	c.mu.Unlock()

	return vector, keepRunning
}

// Started marks the end of the starting phase. The owning core calls it
// once entry at the vector-derived address is complete.
func (c *CPU) Started() {
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
}

// Shutdown runs the owning core's shutdown sequence after HandleEvents
// reported a pending shutdown request. On success the core is retired from
// the protocol. On failure the negative code is recorded in the shutdown
// state, where it is terminal and never overwritten, and a ShutdownError
// is returned.
func (c *CPU) Shutdown() error {
	if err := c.payload.Disable(); err != nil {
		code := shutdownCode(err)

		c.mu.Lock()
		if c.shutdownState == ShutdownStarted {
			c.shutdownState = code
		}
		c.mu.Unlock()

		ctltrace.Emit(c.cpuID, ctltrace.EventShutdownFailed, uint64(int64(code)))
		return &ShutdownError{CPU: c.cpuID, Code: code}
	}
	return nil
}

// shutdownCode extracts the payload's failure code, falling back to -1 for
// errors that carry none.
func shutdownCode(err error) int {
	var merr *vmexec.Error
	if errors.As(err, &merr) && merr.Code < 0 {
		return merr.Code
	}
	return -1
}

// ShutdownError reports a failed core shutdown and the code recorded in
// the shutdown state.
type ShutdownError struct {
	CPU  int
	Code int
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("percpu: cpu %d shutdown failed with code %d", e.CPU, e.Code)
}

// Fault marks the core faulted after a partition boundary violation or an
// unrecoverable internal error. The flag is one-way; cell management reacts
// by containing the core's cell. Only the owning core calls Fault.
func (c *CPU) Fault() {
	c.mu.Lock()
	c.faulted = true
	c.mu.Unlock()

	ctltrace.Emit(c.cpuID, ctltrace.EventFault, 0)
}

// Suspend asks the owning core to park and busy-waits until it
// acknowledges. Suspending an already suspended core returns immediately.
// The poll carries no deadline; callers impose their own bound.
func (c *CPU) Suspend() {
	c.mu.Lock()
	c.suspendRequested.Store(true)
	parked := c.suspendedAck.Load()
	c.mu.Unlock()

	ctltrace.Emit(c.cpuID, ctltrace.EventSuspendRequest, 0)

	if !parked {
		c.kickOwner()
		spin.Until(c.suspendedAck.Load)
	}
}

// Resume clears a pending suspend request; the parked owner observes the
// clear and leaves its park loop. Resuming a core that is not suspended is
// a no-op.
func (c *CPU) Resume() {
	c.mu.Lock()
	c.suspendRequested.Store(false)
	c.mu.Unlock()

	ctltrace.Emit(c.cpuID, ctltrace.EventResume, 0)
}

// SignalReset pends a reset for the owning core. The core consumes it at
// its next checkpoint and enters the wait-for-reset state.
func (c *CPU) SignalReset() {
	c.mu.Lock()
	c.resetSignaled = true
	c.mu.Unlock()

	ctltrace.Emit(c.cpuID, ctltrace.EventResetSignal, 0)
	c.kickOwner()
}

// SignalStart pends start vector v for a core waiting for reset. The core
// consumes it at its next checkpoint and begins execution at
// StartAddress(v). Vectors outside [0, MaxVector] and cores not waiting
// for reset are rejected with ErrInvalidVector and no state change.
func (c *CPU) SignalStart(v int) error {
	if v < 0 || v > MaxVector {
		return fmt.Errorf("percpu: cpu %d: start vector %#x out of range: %w", c.cpuID, v, ErrInvalidVector)
	}

	c.mu.Lock()
	if !c.waitForReset {
		c.mu.Unlock()
		return fmt.Errorf("percpu: cpu %d is not waiting for reset: %w", c.cpuID, ErrInvalidVector)
	}
	c.startVector = v
	c.mu.Unlock()

	ctltrace.Emit(c.cpuID, ctltrace.EventStartSignal, uint64(v))
	c.kickOwner()
	return nil
}

// RequestShutdown moves the shutdown state from none to in-progress; the
// owning core observes it at its next checkpoint. A terminal failure code
// already recorded is never overwritten.
func (c *CPU) RequestShutdown() {
	c.mu.Lock()
	if c.shutdownState == ShutdownNone {
		c.shutdownState = ShutdownStarted
	}
	c.mu.Unlock()

	ctltrace.Emit(c.cpuID, ctltrace.EventShutdownRequest, 0)
	c.kickOwner()
}

// RequestCacheFlush asks the owning core to drop its payload's cached
// translation state at the next checkpoint.
func (c *CPU) RequestCacheFlush() {
	c.mu.Lock()
	c.flushCaches = true
	c.mu.Unlock()

	c.kickOwner()
}

// RequestCacheAllocationUpdate asks the owning core to apply a changed
// cache allocation at the next checkpoint.
func (c *CPU) RequestCacheAllocationUpdate() {
	c.mu.Lock()
	c.updateCacheAlloc = true
	c.mu.Unlock()

	c.kickOwner()
}
