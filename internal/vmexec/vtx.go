package vmexec

import "encoding/binary"

const pageSize = 4096

// codeAlreadyDisabled is the hardware-style code reported when a mode is
// torn down twice. It mirrors EINVAL.
const codeAlreadyDisabled = -22

// vtxPayload holds the VT-x flavored state: the region backing the mode
// enable handshake and the per-core control structure. Both carry the
// control structure revision at offset 0 and stay private to the owning
// core.
type vtxPayload struct {
	enabled bool

	onRegion   [pageSize]byte
	ctrlRegion [pageSize]byte

	flushes int
	updates int
}

const vtxRevision uint32 = 1

func newVTXPayload() *vtxPayload {
	p := &vtxPayload{enabled: true}
	binary.LittleEndian.PutUint32(p.onRegion[:4], vtxRevision)
	binary.LittleEndian.PutUint32(p.ctrlRegion[:4], vtxRevision)
	return p
}

func (p *vtxPayload) Mode() Mode { return ModeVTX }

func (p *vtxPayload) Disable() error {
	if !p.enabled {
		return &Error{Mode: ModeVTX, Op: "disable", Code: codeAlreadyDisabled}
	}
	clear(p.ctrlRegion[:])
	p.enabled = false
	return nil
}

func (p *vtxPayload) FlushCaches() { p.flushes++ }

func (p *vtxPayload) UpdateCacheAllocation() { p.updates++ }

var (
	_ Payload = (*vtxPayload)(nil)
)
