package cellar_test

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/cellar-hv/cellar"
)

const testFlags = cellar.FlagPresent | cellar.FlagWritable

type startEvent struct {
	cpu  int
	addr uint64
}

func startSystem(t *testing.T, cfg cellar.Config) (*cellar.System, chan error) {
	t.Helper()

	s, err := cellar.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	return s, errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("system did not stop")
		return nil
	}
}

func waitState(t *testing.T, cpu *cellar.CPU, want cellar.CPUState) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for cpu.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("cpu %d state = %v, want %v", cpu.ID(), cpu.State(), want)
		}
		runtime.Gosched()
	}
}

func TestSystemLifecycle(t *testing.T) {
	starts := make(chan startEvent, 4)

	s, errCh := startSystem(t, cellar.Config{
		NumCPUs:   2,
		Mode:      cellar.ModeVTX,
		PoolBase:  0x100000,
		PoolPages: 128,
		OnStart:   func(cpu int, addr uint64) { starts <- startEvent{cpu, addr} },
	})

	root, err := s.CreateCell(cellar.CellConfig{
		ID:   0,
		Name: "root",
		CPUs: []int{0, 1},
		Regions: []cellar.Region{
			{Virt: 0, Phys: 0, Size: 8 * cellar.PageSize, Flags: testFlags},
		},
	})
	if err != nil {
		t.Fatalf("CreateCell() error = %v", err)
	}

	if got := root.Lookup(0x3000); got != 0x3000 {
		t.Errorf("Lookup(0x3000) = %#x, want identity mapping", got)
	}
	if used, _ := s.PoolStats(); used != 4 {
		t.Errorf("pool used = %d after root cell, want 4", used)
	}

	cpu1, err := s.CPU(1)
	if err != nil {
		t.Fatalf("CPU(1) error = %v", err)
	}

	cpu1.Suspend()
	if got := cpu1.State(); got != cellar.StateSuspended {
		t.Errorf("State() after Suspend = %v, want %v", got, cellar.StateSuspended)
	}
	cpu1.SignalReset()
	cpu1.Resume()
	waitState(t, cpu1, cellar.StateWaitingForReset)

	if err := cpu1.SignalStart(0x9); err != nil {
		t.Fatalf("SignalStart(0x9) error = %v", err)
	}

	select {
	case ev := <-starts:
		if ev.cpu != 1 || ev.addr != 0x9000 {
			t.Errorf("start = cpu %d at %#x, want cpu 1 at 0x9000", ev.cpu, ev.addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("core never entered at the start vector")
	}
	waitState(t, cpu1, cellar.StateRunning)

	if err := s.DestroyCell(0); err != nil {
		t.Fatalf("DestroyCell(0) error = %v", err)
	}
	if used, _ := s.PoolStats(); used != 0 {
		t.Errorf("pool used = %d after destroy, want 0", used)
	}

	s.Stop()
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	s, err := cellar.New(cellar.Config{
		NumCPUs:   1,
		Mode:      cellar.ModeSVM,
		PoolBase:  0x100000,
		PoolPages: 8,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	cancel()
	if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() after cancel error = %v, want context.Canceled", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestCallRunsOnCore(t *testing.T) {
	s, errCh := startSystem(t, cellar.Config{
		NumCPUs:   1,
		Mode:      cellar.ModeVTX,
		PoolBase:  0x100000,
		PoolPages: 8,
	})

	ran := false
	if err := s.Call(0, func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !ran {
		t.Errorf("Call() returned before fn ran")
	}

	sentinel := errors.New("sentinel")
	if err := s.Call(0, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("Call() error = %v, want sentinel", err)
	}

	s.Stop()
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	if err := s.Submit(0, func() {}); err == nil {
		t.Errorf("Submit() on a retired core succeeded, want error")
	}
	if err := s.Submit(9, func() {}); !errors.Is(err, cellar.ErrNoSuchCPU) {
		t.Errorf("Submit(9) error = %v, want ErrNoSuchCPU", err)
	}

	s.Close()
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		desc string
		cfg  cellar.Config
	}{
		{"no cpus", cellar.Config{Mode: cellar.ModeVTX, PoolPages: 8}},
		{"no pool", cellar.Config{NumCPUs: 1, Mode: cellar.ModeVTX}},
		{"bad mode", cellar.Config{NumCPUs: 1, PoolPages: 8}},
		{"unaligned pool base", cellar.Config{NumCPUs: 1, Mode: cellar.ModeVTX, PoolBase: 0x123, PoolPages: 8}},
	}

	for _, tc := range cases {
		if _, err := cellar.New(tc.cfg); err == nil {
			t.Errorf("New() with %s succeeded, want error", tc.desc)
		}
	}
}

func TestStandaloneAddressSpace(t *testing.T) {
	pool, err := cellar.NewPool(0x100000, 8)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Close()

	space, err := cellar.NewAddressSpace(pool, cellar.X86_64())
	if err != nil {
		t.Fatalf("NewAddressSpace() error = %v", err)
	}

	if err := space.MapPage(0x7000, 0x42000, testFlags); err != nil {
		t.Fatalf("MapPage() error = %v", err)
	}
	if got := space.Lookup(0x7abc); got != 0x42abc {
		t.Errorf("Lookup(0x7abc) = %#x, want 0x42abc", got)
	}

	space.Unmap(0x7000)
	if got := space.Lookup(0x7000); got != cellar.InvalidPhysAddr {
		t.Errorf("Lookup(0x7000) after unmap = %#x, want InvalidPhysAddr", got)
	}
	if used, _ := pool.Stats(); used != 1 {
		t.Errorf("pool used = %d after unmap, want the root only", used)
	}
}

func TestTraceCapturesProtocol(t *testing.T) {
	var buf bytes.Buffer

	closer, err := cellar.TraceTo(&buf)
	if err != nil {
		t.Fatalf("TraceTo() error = %v", err)
	}

	s, errCh := startSystem(t, cellar.Config{
		NumCPUs:   2,
		Mode:      cellar.ModeVTX,
		PoolBase:  0x100000,
		PoolPages: 8,
	})

	cpu1, err := s.CPU(1)
	if err != nil {
		t.Fatalf("CPU(1) error = %v", err)
	}
	cpu1.Suspend()
	cpu1.Resume()
	waitState(t, cpu1, cellar.StateRunning)

	s.Stop()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s.Close()

	if err := closer.Close(); err != nil {
		t.Fatalf("trace Close() error = %v", err)
	}

	counts := make(map[string]int)
	if err := cellar.ReadTrace(&buf, func(ev cellar.TraceEvent) error {
		counts[ev.Name]++
		return nil
	}); err != nil {
		t.Fatalf("ReadTrace() error = %v", err)
	}

	if counts["suspend_request"] < 1 || counts["suspend_ack"] < 1 || counts["resume"] < 1 {
		t.Errorf("trace missing the suspend round trip: %v", counts)
	}
	if counts["shutdown_request"] != 2 {
		t.Errorf("shutdown_request count = %d, want 2", counts["shutdown_request"])
	}
}
