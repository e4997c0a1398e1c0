package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Simulated is a virtual Clock for deterministic tests. It never reads
// wall-clock time; Now only advances when Run is called. Modeled on
// go-ethereum's common/mclock.Simulated: Run(d) both advances the
// clock and synchronously fires every timer whose deadline has
// elapsed.
type Simulated struct {
	mu      sync.Mutex
	now     AbsTime
	timers  simTimerHeap
	seq     uint64
}

var _ Clock = (*Simulated)(nil)

func (s *Simulated) Now() AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulated) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &simTimer{s: s, at: s.now.Add(d), f: f, seq: s.seq}
	s.seq++
	heap.Push(&s.timers, t)
	return t
}

// Run advances the clock by d and fires, in deadline order, every
// timer whose deadline is now at or before the new time.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	s.now += AbsTime(d)
	var due []*simTimer
	for s.timers.Len() > 0 && s.timers[0].at <= s.now {
		due = append(due, heap.Pop(&s.timers).(*simTimer))
	}
	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// ActiveTimers returns the number of timers that have not yet fired or
// been cancelled. Exposed for tests asserting that a cancelled or
// fired timer doesn't linger in the heap.
func (s *Simulated) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.Len()
}

type simTimer struct {
	s   *Simulated
	at  AbsTime
	f   func()
	seq uint64

	index int
}

func (t *simTimer) Stop() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&s.timers, t.index)
	return true
}

type simTimerHeap []*simTimer

func (h simTimerHeap) Len() int { return len(h) }
func (h simTimerHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h simTimerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *simTimerHeap) Push(x interface{}) {
	t := x.(*simTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *simTimerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
