// Command cellar-bench exercises the partitioning core: it brings a system
// up, then repeatedly creates a cell, parks and restarts its cores through
// the reset protocol, checks its translations, and tears it down again.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/cellar-hv/cellar"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// waitState polls a core's derived state with a bound; the protocol itself
// never imposes one.
func waitState(cpu *cellar.CPU, want cellar.CPUState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for cpu.State() != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("cpu %d is %v, want %v", cpu.ID(), cpu.State(), want)
		}
		runtime.Gosched()
	}
	return nil
}

type regionConfig struct {
	Virt  uint64 `yaml:"virt"`
	Phys  uint64 `yaml:"phys"`
	Pages int    `yaml:"pages"`
}

type benchConfig struct {
	CPUs      int    `yaml:"cpus"`
	PoolPages int    `yaml:"pool_pages"`
	Mode      string `yaml:"mode"`
	Cycles    int    `yaml:"cycles"`

	Regions []regionConfig `yaml:"regions"`
}

func defaultConfig() benchConfig {
	return benchConfig{
		CPUs:      4,
		PoolPages: 512,
		Mode:      "vtx",
		Cycles:    100,
		Regions: []regionConfig{
			{Virt: 0, Phys: 0, Pages: 64},
		},
	}
}

func loadConfig(path string) (benchConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func parseMode(mode string) (cellar.Mode, error) {
	switch mode {
	case "vtx":
		return cellar.ModeVTX, nil
	case "svm":
		return cellar.ModeSVM, nil
	default:
		return 0, fmt.Errorf("unsupported mode: %s", mode)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cellar-bench: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Benchmark config file (YAML)")
	cycles := flag.Int("n", 0, "Number of cell create/start/destroy cycles (overrides config)")
	traceFile := flag.String("trace", "", "Record a control event trace for later analysis")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Cycle cells through create, park, start, and destroy to measure the\n")
		fmt.Fprintf(os.Stderr, "partitioning core.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *cycles > 0 {
		cfg.Cycles = *cycles
	}
	if cfg.CPUs < 2 {
		return fmt.Errorf("config needs at least 2 cpus, got %d", cfg.CPUs)
	}

	mode, err := parseMode(cfg.Mode)
	if err != nil {
		return err
	}

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()

		closer, err := cellar.TraceTo(f)
		if err != nil {
			return fmt.Errorf("start control trace: %w", err)
		}
		defer closer.Close()
	}

	starts := make(chan int, cfg.CPUs)

	sys, err := cellar.New(cellar.Config{
		NumCPUs:   cfg.CPUs,
		Mode:      mode,
		PoolBase:  0x100000,
		PoolPages: cfg.PoolPages,
		OnStart:   func(cpu int, addr uint64) { starts <- cpu },
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	runErr := make(chan error, 1)
	go func() { runErr <- sys.Run(ctx) }()

	// CPU 0 stays in the root cell; the rest cycle through the bench cell.
	if _, err := sys.CreateCell(cellar.CellConfig{ID: 0, Name: "root", CPUs: []int{0}}); err != nil {
		return err
	}

	inmates := make([]int, 0, cfg.CPUs-1)
	for i := 1; i < cfg.CPUs; i++ {
		inmates = append(inmates, i)
	}

	regions := make([]cellar.Region, 0, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions = append(regions, cellar.Region{
			Virt:  r.Virt,
			Phys:  r.Phys,
			Size:  uint64(r.Pages) * cellar.PageSize,
			Flags: cellar.FlagPresent | cellar.FlagWritable,
		})
	}

	slog.Info("benchmark starting", "cpus", cfg.CPUs, "cycles", cfg.Cycles, "mode", cfg.Mode)

	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb = progressbar.Default(int64(cfg.Cycles))
		defer pb.Close()
	}

	start := time.Now()

	for range cfg.Cycles {
		if err := cycle(sys, inmates, regions, starts); err != nil {
			return err
		}
		if pb != nil {
			pb.Add(1)
		}
	}

	elapsed := time.Since(start)

	sys.Stop()
	if err := <-runErr; err != nil {
		return fmt.Errorf("system run: %w", err)
	}
	if err := sys.Close(); err != nil {
		return err
	}

	for id := 0; id < cfg.CPUs; id++ {
		cpu, err := sys.CPU(id)
		if err != nil {
			return err
		}
		slog.Info("cpu statistics",
			"cpu", id,
			"checkpoints", cpu.Stat(cellar.StatCheckpoints),
			"suspends", cpu.Stat(cellar.StatSuspends),
			"resets", cpu.Stat(cellar.StatResets),
			"starts", cpu.Stat(cellar.StatStarts))
	}

	slog.Info("benchmark complete",
		"cycles", cfg.Cycles,
		"elapsed", elapsed,
		"per_cycle", elapsed/time.Duration(cfg.Cycles))

	return nil
}

// cycle runs one full cell lifecycle: create with regions, park the members
// through the reset protocol, start them at a vector, verify translations,
// destroy.
func cycle(sys *cellar.System, inmates []int, regions []cellar.Region, starts chan int) error {
	c, err := sys.CreateCell(cellar.CellConfig{
		ID:      1,
		Name:    "bench",
		CPUs:    inmates,
		Regions: regions,
	})
	if err != nil {
		return err
	}

	// Mapping changes require the members to drop cached translations.
	for _, id := range inmates {
		cpu, err := sys.CPU(id)
		if err != nil {
			return err
		}
		cpu.RequestCacheFlush()
	}

	sys.ResetCell(c)

	for i, id := range inmates {
		cpu, err := sys.CPU(id)
		if err != nil {
			return err
		}
		// The reset is consumed at the member's next checkpoint; the
		// start signal is only valid once it is waiting.
		if err := waitState(cpu, cellar.StateWaitingForReset, 30*time.Second); err != nil {
			return err
		}
		if err := cpu.SignalStart(0x10 + i); err != nil {
			return fmt.Errorf("start cpu %d: %w", id, err)
		}
	}

	for range inmates {
		select {
		case cpu := <-starts:
			slog.Debug("cpu entered guest", "cpu", cpu)
		case <-time.After(30 * time.Second):
			return fmt.Errorf("timed out waiting for cell start")
		}
	}

	for _, r := range regions {
		virt := r.Virt + 0x1000
		want := r.Phys + 0x1000
		if r.Size < 2*cellar.PageSize {
			virt, want = r.Virt, r.Phys
		}
		if got := c.Lookup(virt); got != want {
			return fmt.Errorf("lookup 0x%x = 0x%x, want 0x%x", virt, got, want)
		}
	}

	if err := sys.DestroyCell(1); err != nil {
		return err
	}

	return nil
}
