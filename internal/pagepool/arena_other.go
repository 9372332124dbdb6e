//go:build !linux

package pagepool

// newArena allocates the arena from the heap. uint64 backing keeps table
// pages 8-byte aligned, which is all the entry accessors require.
func newArena(count int) ([]uint64, func() error, error) {
	return make([]uint64, count*wordsPerPage), nil, nil
}
