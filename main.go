// Command kmemsim boots a simulated ARM64 machine's memory manager from a
// TOML description and drives it with a concurrent allocation workload.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shenjiangwei/kmemAllocator/config"
	"github.com/shenjiangwei/kmemAllocator/fragmap"
	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/rpc"
)

const TestIteration = 3

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func printStats(a *hybrid.Allocator) {
	fmt.Println(a.MemInfo())
	fmt.Println("Buddy info:")
	for _, zi := range a.BuddyInfo() {
		fmt.Printf("  %s\n", zi)
	}
	fmt.Println("Slab info:")
	fmt.Printf("  %-20s %8s %8s %8s %6s %6s\n", "name", "active", "objsize", "objperslab", "order", "slabs")
	for _, s := range a.SlabInfo() {
		if s.Active == 0 && s.NumSlabs == 0 {
			continue
		}
		fmt.Printf("  %-20s %8d %8d %8d %6d %6d\n", s.Name, s.Active, s.Size, s.ObjPerSlab, s.Order, s.NumSlabs)
	}
}

func printResult(r TestResult) {
	fmt.Printf("Iteration %d results:\n", r.Iteration)
	fmt.Printf("  Allocations: %d\n", r.Allocations)
	fmt.Printf("  Frees: %d\n", r.Frees)
	fmt.Printf("  Failed allocations: %d\n", r.Failures)
	fmt.Printf("  Failed frees: %d\n", r.FreeErrors)
	fmt.Printf("  Held at end: %d\n", r.Held)
	fmt.Printf("  Peak bytes: %d\n", r.PeakBytes)
	fmt.Printf("  Duration: %v\n", r.TotalDuration)
	fmt.Println()
}

func run() error {
	var (
		configPath = flag.String("config", "", "machine description (TOML); built-in default when empty")
		iterations = flag.Int("iterations", TestIteration, "workload iterations")
		ops        = flag.Int("ops", DefaultWorkload().Ops, "operations per iteration")
		seed       = flag.Int64("seed", DefaultWorkload().Seed, "workload random seed")
		pngPath    = flag.String("png", "", "write the page map to this PNG file")
		monitor    = flag.Bool("monitor", false, "interactive console on the terminal")
		listen     = flag.String("listen", "", "serve the allocator over RPC on this address")
		dump       = flag.Bool("dump-config", false, "print the effective configuration and exit")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dump {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := cfg.ApplyLog(); err != nil {
		return err
	}

	a, err := cfg.Boot()
	if err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}
	defer a.Close()
	fmt.Println(a.MemInfo())

	if *listen != "" {
		server, err := rpc.NewServer(a, 64)
		if err != nil {
			return err
		}
		defer server.Close()
		go func() {
			if err := server.Start(*listen); err != nil {
				klog.Error("rpc: %v", err)
			}
		}()
	}

	w := DefaultWorkload()
	w.Ops, w.Seed = *ops, *seed

	if *monitor {
		return runMonitor(a, w, *pngPath)
	}

	fmt.Printf("Starting allocation test with %d iterations on %d cpus\n", *iterations, a.CPUs())
	fmt.Println()
	var results []TestResult
	for i := 0; i < *iterations; i++ {
		fmt.Printf("Running iteration %d...\n", i+1)
		result := runTest(a, i+1, w, nil)
		results = append(results, result)
		printResult(result)
	}

	if len(results) > 0 {
		var avgDuration, avgPeak float64
		for _, r := range results {
			avgDuration += r.TotalDuration.Seconds()
			avgPeak += float64(r.PeakBytes)
		}
		avgDuration /= float64(len(results))
		avgPeak /= float64(len(results))
		fmt.Println("Average results:")
		fmt.Printf("  Average peak: %.0f bytes\n", avgPeak)
		fmt.Printf("  Average duration: %.2f seconds\n", avgDuration)
		fmt.Println()
	}

	a.DrainAllPages()
	printStats(a)

	if *pngPath != "" {
		if err := fragmap.Save(*pngPath, a, fragmap.DefaultOptions()); err != nil {
			return err
		}
		fmt.Printf("Page map written to %s\n", *pngPath)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kmemsim: %v\n", err)
		os.Exit(1)
	}
}
