package vmexec

// svmPayload holds the SVM flavored state: the per-core control block and
// the host state save region the hardware swaps on world switches.
type svmPayload struct {
	enabled bool

	ctrlBlock [pageSize]byte
	hostSave  [pageSize]byte

	flushes int
	updates int
}

func newSVMPayload() *svmPayload {
	return &svmPayload{enabled: true}
}

func (p *svmPayload) Mode() Mode { return ModeSVM }

func (p *svmPayload) Disable() error {
	if !p.enabled {
		return &Error{Mode: ModeSVM, Op: "disable", Code: codeAlreadyDisabled}
	}
	clear(p.hostSave[:])
	p.enabled = false
	return nil
}

func (p *svmPayload) FlushCaches() { p.flushes++ }

func (p *svmPayload) UpdateCacheAllocation() { p.updates++ }

var (
	_ Payload = (*svmPayload)(nil)
)
