package pagepool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/cellar-hv/cellar/internal/pagepool"
	"github.com/cellar-hv/cellar/internal/paging"
)

const testBase = 0x100000

func newPool(t *testing.T, pages int) *pagepool.Pool {
	t.Helper()
	p, err := pagepool.New(testBase, pages)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return p
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := pagepool.New(0x100001, 8); err == nil {
		t.Error("New() with unaligned base succeeded")
	}
	if _, err := pagepool.New(testBase, 0); err == nil {
		t.Error("New() with zero pages succeeded")
	}
}

func TestTablePhysAddresses(t *testing.T) {
	p := newPool(t, 4)

	for i := range 4 {
		pt, phys, err := p.NewTable()
		if err != nil {
			t.Fatalf("NewTable() #%d error = %v", i, err)
		}
		if want := uint64(testBase + i*paging.PageSize); phys != want {
			t.Errorf("NewTable() #%d phys = %#x, want %#x", i, phys, want)
		}
		if got := p.LookupTable(phys); got != pt {
			t.Errorf("LookupTable(%#x) = %p, want %p", phys, got, pt)
		}
	}
}

func TestTablesComeBackZeroed(t *testing.T) {
	p := newPool(t, 1)

	pt, phys, err := p.NewTable()
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	for i := range pt {
		pt[i] = paging.Entry(0xdeadbeef)
	}
	p.FreeTable(phys)

	pt, _, err = p.NewTable()
	if err != nil {
		t.Fatalf("NewTable() after free error = %v", err)
	}
	for i, e := range pt {
		if e != 0 {
			t.Fatalf("entry %d of reused table = %#x, want 0", i, e)
		}
	}
}

func TestExhaustion(t *testing.T) {
	p := newPool(t, 2)

	_, first, err := p.NewTable()
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	if _, _, err := p.NewTable(); err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	if _, _, err := p.NewTable(); !errors.Is(err, paging.ErrOutOfMemory) {
		t.Fatalf("NewTable() on full pool error = %v, want ErrOutOfMemory", err)
	}

	p.FreeTable(first)
	if _, phys, err := p.NewTable(); err != nil || phys != first {
		t.Fatalf("NewTable() after free = %#x, %v; want %#x, nil", phys, err, first)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	p := newPool(t, 1)

	_, phys, err := p.NewTable()
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	p.FreeTable(phys)

	defer func() {
		if recover() == nil {
			t.Fatal("double FreeTable did not panic")
		}
	}()
	p.FreeTable(phys)
}

func TestLookupOutsidePoolPanics(t *testing.T) {
	p := newPool(t, 1)

	defer func() {
		if recover() == nil {
			t.Fatal("LookupTable outside the pool did not panic")
		}
	}()
	p.LookupTable(testBase + 64*paging.PageSize)
}

func TestStats(t *testing.T) {
	p := newPool(t, 8)

	if used, capacity := p.Stats(); used != 0 || capacity != 8 {
		t.Fatalf("Stats() = %d, %d; want 0, 8", used, capacity)
	}

	_, phys, err := p.NewTable()
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	if used, _ := p.Stats(); used != 1 {
		t.Fatalf("Stats() used = %d, want 1", used)
	}

	p.FreeTable(phys)
	if used, _ := p.Stats(); used != 0 {
		t.Fatalf("Stats() used after free = %d, want 0", used)
	}
}

// TestWalkerRoundTrip runs the translation engine over the pool: a full
// map/lookup/unmap cycle must return every page except the root.
func TestWalkerRoundTrip(t *testing.T) {
	p := newPool(t, 16)

	s, err := paging.NewAddressSpace(p, paging.X86_64())
	if err != nil {
		t.Fatalf("NewAddressSpace() error = %v", err)
	}

	if err := s.MapPage(0x1000, 0x2000, paging.FlagPresent|paging.FlagWritable); err != nil {
		t.Fatalf("MapPage() error = %v", err)
	}
	if used, _ := p.Stats(); used != 4 {
		t.Errorf("Stats() used after map = %d, want 4", used)
	}
	if got := s.Lookup(0x1000); got != 0x2000 {
		t.Errorf("Lookup(0x1000) = %#x, want 0x2000", got)
	}

	s.Unmap(0x1000)

	if used, _ := p.Stats(); used != 1 {
		t.Errorf("Stats() used after unmap = %d, want 1 (the root)", used)
	}
	if got := p.LookupTable(s.RootPhys()); got == nil {
		t.Error("root table gone after unmap pruning")
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	const workers = 8
	const rounds = 200

	p := newPool(t, workers)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				_, phys, err := p.NewTable()
				if err != nil {
					t.Errorf("NewTable() error = %v", err)
					return
				}
				p.FreeTable(phys)
			}
		}()
	}
	wg.Wait()

	if used, _ := p.Stats(); used != 0 {
		t.Fatalf("Stats() used after churn = %d, want 0", used)
	}
}
