package klog

import "sync"

// DefaultRingSize is the number of records kept by the log buffer
const DefaultRingSize = 1024

type ring struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	dropped uint64
}

var logbuf = newRing(DefaultRingSize)

func newRing(n int) *ring {
	if n <= 0 {
		n = DefaultRingSize
	}
	return &ring{lines: make([]string, n)}
}

func (r *ring) append(line string) {
	r.mu.Lock()
	if r.full {
		r.dropped++
	}
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// SetRingSize replaces the log buffer with an empty one holding n records
func SetRingSize(n int) {
	nr := newRing(n)
	logbuf.mu.Lock()
	logbuf.lines, logbuf.next, logbuf.full, logbuf.dropped = nr.lines, 0, false, 0
	logbuf.mu.Unlock()
}

// Dmesg returns the buffered records, oldest first. Each record starts
// with its syslog priority, e.g. "<3>".
func Dmesg() []string {
	return logbuf.snapshot()
}

// Overwritten returns how many records were lost to wraparound
func Overwritten() uint64 {
	logbuf.mu.Lock()
	defer logbuf.mu.Unlock()
	return logbuf.dropped
}

// ClearDmesg empties the log buffer
func ClearDmesg() {
	logbuf.mu.Lock()
	clear(logbuf.lines)
	logbuf.next, logbuf.full, logbuf.dropped = 0, false, 0
	logbuf.mu.Unlock()
}
