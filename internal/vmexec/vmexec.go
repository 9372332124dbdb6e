// Package vmexec provides the virtualization-mode payload carried by each
// CPU control block. A core selects its mode exactly once when it comes up;
// the two modes keep mutually exclusive control regions, so the payload is a
// tagged value rather than a pair of optional ones. The rest of the system
// treats the payload as opaque and only drives it through the Payload
// interface.
package vmexec

import "fmt"

// Mode tags which hardware virtualization flavor backs a payload.
type Mode int

const (
	ModeVTX Mode = iota + 1
	ModeSVM
)

func (m Mode) String() string {
	switch m {
	case ModeVTX:
		return "vtx"
	case ModeSVM:
		return "svm"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Payload is the mode-specific state a core owns. All methods are called
// from the owning core only.
type Payload interface {
	Mode() Mode

	// Disable tears the mode down as the final step of the core's
	// shutdown sequence. A failure carries a negative code inside
	// *Error.
	Disable() error

	// FlushCaches drops translation state the mode has cached.
	FlushCaches()

	// UpdateCacheAllocation applies a pending cache allocation change.
	UpdateCacheAllocation()
}

// Error reports a failed payload operation with its hardware-style code.
type Error struct {
	Mode Mode
	Op   string
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("vmexec: %s %s: code %d", e.Mode, e.Op, e.Code)
}

// New returns a fresh, enabled payload for the given mode.
func New(mode Mode) (Payload, error) {
	switch mode {
	case ModeVTX:
		return newVTXPayload(), nil
	case ModeSVM:
		return newSVMPayload(), nil
	default:
		return nil, fmt.Errorf("vmexec: unknown mode %d", int(mode))
	}
}

// SimplePayload adapts plain functions to the Payload interface. Tests use
// it to stand in for a real mode payload.
type SimplePayload struct {
	PayloadMode Mode

	DisableFunc func() error
	FlushFunc   func()
	UpdateFunc  func()
}

func (p *SimplePayload) Mode() Mode { return p.PayloadMode }

func (p *SimplePayload) Disable() error {
	if p.DisableFunc != nil {
		return p.DisableFunc()
	}
	return nil
}

func (p *SimplePayload) FlushCaches() {
	if p.FlushFunc != nil {
		p.FlushFunc()
	}
}

func (p *SimplePayload) UpdateCacheAllocation() {
	if p.UpdateFunc != nil {
		p.UpdateFunc()
	}
}

var (
	_ Payload = (*SimplePayload)(nil)
)
