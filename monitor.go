package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	tty "github.com/mattn/go-tty"

	"github.com/shenjiangwei/kmemAllocator/fragmap"
	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/klog"
)

const monitorHelp = `keys: b buddyinfo  s slabinfo  m meminfo  d dmesg  c clear dmesg
      w drain pcp lists  r run workload  x stop workload  p page map  q quit
`

// console writes to a terminal in raw mode, where a newline does not
// return the carriage
type console struct {
	w io.Writer
}

func (c console) printf(format string, v ...interface{}) {
	s := fmt.Sprintf(format, v...)
	io.WriteString(c.w, strings.ReplaceAll(s, "\n", "\r\n"))
}

// workloadRunner runs iterations in the background until stopped
type workloadRunner struct {
	a  *hybrid.Allocator
	w  Workload
	mu sync.Mutex
	// closed to stop the current run
	stop chan struct{}
	done chan struct{}
	last TestResult
	runs int
}

func (r *workloadRunner) start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return false
	}
	stop, done := make(chan struct{}), make(chan struct{})
	r.stop, r.done = stop, done
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			r.mu.Lock()
			r.runs++
			n := r.runs
			r.mu.Unlock()
			res := runTest(r.a, n, r.w, stop)
			r.mu.Lock()
			r.last = res
			r.mu.Unlock()
		}
	}()
	return true
}

func (r *workloadRunner) halt() bool {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return false
	}
	close(stop)
	<-done
	return true
}

func (r *workloadRunner) result() (TestResult, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.runs
}

// runMonitor takes over the terminal and answers single key commands
// until q is pressed
func runMonitor(a *hybrid.Allocator, w Workload, pngPath string) error {
	t, err := tty.Open()
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer t.Close()
	restore := t.MustRaw()
	defer restore()

	if pngPath == "" {
		pngPath = "pages.png"
	}
	con := console{w: t.Output()}
	runner := &workloadRunner{a: a, w: w}
	defer runner.halt()
	runner.start()

	con.printf("kmemsim monitor, %d cpus, workload running\n%s", a.CPUs(), monitorHelp)
	for {
		r, err := t.ReadRune()
		if err != nil {
			return err
		}
		switch r {
		case 'b':
			for _, zi := range a.BuddyInfo() {
				con.printf("%s\n", zi)
			}
		case 's':
			for _, s := range a.SlabInfo() {
				if s.NumSlabs == 0 {
					continue
				}
				con.printf("%-20s active %8d size %6d slabs %6d partial %4d\n",
					s.Name, s.Active, s.Size, s.NumSlabs, s.NumPartial)
			}
		case 'm':
			con.printf("%s\n", a.MemInfo())
			if res, runs := runner.result(); runs > 0 {
				con.printf("run %d: %d allocations, %d frees, %d failed, peak %d bytes\n",
					res.Iteration, res.Allocations, res.Frees, res.Failures, res.PeakBytes)
			}
		case 'd':
			for _, line := range klog.Dmesg() {
				con.printf("%s\n", line)
			}
		case 'c':
			klog.ClearDmesg()
		case 'w':
			a.DrainAllPages()
			con.printf("per-cpu lists drained\n")
		case 'r':
			if !runner.start() {
				con.printf("workload already running\n")
			}
		case 'x':
			if runner.halt() {
				con.printf("workload stopped\n")
			}
		case 'p':
			if err := fragmap.Save(pngPath, a, fragmap.DefaultOptions()); err != nil {
				con.printf("page map: %v\n", err)
			} else {
				con.printf("page map written to %s\n", pngPath)
			}
		case 'q', 3: // ctrl-c arrives as a rune in raw mode
			return nil
		default:
			con.printf("%s", monitorHelp)
		}
	}
}
