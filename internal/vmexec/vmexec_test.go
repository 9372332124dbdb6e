package vmexec

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestNewByMode(t *testing.T) {
	for _, mode := range []Mode{ModeVTX, ModeSVM} {
		p, err := New(mode)
		if err != nil {
			t.Fatalf("New(%v) error = %v", mode, err)
		}
		if p.Mode() != mode {
			t.Errorf("New(%v).Mode() = %v", mode, p.Mode())
		}
	}

	if _, err := New(Mode(0)); err == nil {
		t.Errorf("New(0) succeeded, want error")
	}
	if _, err := New(Mode(99)); err == nil {
		t.Errorf("New(99) succeeded, want error")
	}
}

func TestDisableOnce(t *testing.T) {
	for _, mode := range []Mode{ModeVTX, ModeSVM} {
		p, err := New(mode)
		if err != nil {
			t.Fatalf("New(%v) error = %v", mode, err)
		}

		if err := p.Disable(); err != nil {
			t.Fatalf("first Disable() error = %v", err)
		}

		err = p.Disable()
		if err == nil {
			t.Fatalf("second Disable() succeeded, want error")
		}

		var merr *Error
		if !errors.As(err, &merr) {
			t.Fatalf("second Disable() error = %v, want *Error", err)
		}
		if merr.Mode != mode || merr.Code != codeAlreadyDisabled {
			t.Errorf("second Disable() error = %+v, want mode %v code %d", merr, mode, codeAlreadyDisabled)
		}
	}
}

func TestVTXControlRegions(t *testing.T) {
	p := newVTXPayload()

	if got := binary.LittleEndian.Uint32(p.onRegion[:4]); got != vtxRevision {
		t.Errorf("on region revision = %d, want %d", got, vtxRevision)
	}
	if got := binary.LittleEndian.Uint32(p.ctrlRegion[:4]); got != vtxRevision {
		t.Errorf("control region revision = %d, want %d", got, vtxRevision)
	}

	if err := p.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	for i, b := range p.ctrlRegion {
		if b != 0 {
			t.Fatalf("control region byte %d = %#x after disable, want 0", i, b)
		}
	}
}

func TestCacheOps(t *testing.T) {
	p := newSVMPayload()

	p.FlushCaches()
	p.FlushCaches()
	p.UpdateCacheAllocation()

	if p.flushes != 2 {
		t.Errorf("flushes = %d, want 2", p.flushes)
	}
	if p.updates != 1 {
		t.Errorf("updates = %d, want 1", p.updates)
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Mode: ModeSVM, Op: "disable", Code: -5}
	want := "vmexec: svm disable: code -5"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestSimplePayload(t *testing.T) {
	p := &SimplePayload{PayloadMode: ModeVTX}

	if p.Mode() != ModeVTX {
		t.Errorf("Mode() = %v, want %v", p.Mode(), ModeVTX)
	}
	if err := p.Disable(); err != nil {
		t.Errorf("Disable() error = %v, want nil by default", err)
	}
	p.FlushCaches()
	p.UpdateCacheAllocation()

	disabled := false
	p.DisableFunc = func() error {
		disabled = true
		return &Error{Mode: ModeVTX, Op: "disable", Code: -5}
	}
	if err := p.Disable(); err == nil || !disabled {
		t.Errorf("Disable() = %v (called %v), want forwarded error", err, disabled)
	}
}
