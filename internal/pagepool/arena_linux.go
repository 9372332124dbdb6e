//go:build linux

package pagepool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// newArena maps an anonymous, page-aligned region sized for count pages.
func newArena(count int) ([]uint64, func() error, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		count*pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("pagepool: map arena: %w", err)
	}

	words := unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), count*wordsPerPage)
	return words, func() error { return unix.Munmap(mem) }, nil
}
