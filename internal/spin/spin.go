// Package spin provides the busy-wait primitives the control plane is built
// on. There is no scheduler underneath a core's execution context, so waiting
// is always active: either a short-held spinlock around a batch of field
// updates, or an explicit spin-poll on a single flag with exactly one writer.
package spin

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Lock is a test-and-test-and-set spinlock. The zero value is unlocked.
//
// It must not be copied after first use.
type Lock struct {
	held atomicbitops.Bool
}

// TryLock attempts to acquire the lock without spinning.
func (l *Lock) TryLock() bool {
	return !l.held.Swap(true)
}

// Lock acquires the lock, spinning until it is available.
func (l *Lock) Lock() {
	for !l.TryLock() {
		// Probe with plain loads until the lock looks free before
		// retrying the swap, so contending cores do not fight over the
		// cache line.
		for l.held.Load() {
			Hint()
		}
	}
}

// Unlock releases the lock. Unlocking a lock that is not held is a
// programming error and panics.
func (l *Lock) Unlock() {
	if !l.held.Swap(false) {
		panic("spin: unlock of unheld lock")
	}
}

// Hint briefly yields the processor between poll probes.
func Hint() {
	runtime.Gosched()
}

// Until polls cond until it reports true.
//
// Until is the named spin-poll used for single-writer flags that are read
// without a lock. It carries no deadline; callers that need a bound must
// impose their own.
func Until(cond func() bool) {
	for !cond() {
		Hint()
	}
}
