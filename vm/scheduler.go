package vm

import (
	"container/heap"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Scheduler: cooperative single-threaded tick scheduler
// ---------------------------------------------------------------------------

// TickStats records what one call to Process did.
type TickStats struct {
	Tick     int
	Woken    int // sleepers moved back to ready
	Resumed  int // states resumed from the ready queue
	Deferred int // states left queued for the next tick
	Errors   int // states that terminated with an uncaught error
}

// Scheduler holds the ready queue and the sleeping set. It never runs
// states on its own; Process hands each due state to the run callback.
type Scheduler struct {
	ready    []ProcState
	sleeping sleepHeap
	sleepers map[ProcState]*sleepEntry
	tick     int
	seq      uint64
	last     TickStats

	log commonlog.Logger
}

// NewScheduler creates an empty scheduler at tick 0.
func NewScheduler() *Scheduler {
	return &Scheduler{
		sleepers: make(map[ProcState]*sleepEntry),
		log:      commonlog.GetLogger("dreamvm.scheduler"),
	}
}

// Tick returns the number of completed Process calls.
func (s *Scheduler) Tick() int { return s.tick }

// LastTick returns the statistics of the most recent Process call.
func (s *Scheduler) LastTick() TickStats { return s.last }

// Pending returns the number of queued plus sleeping states.
func (s *Scheduler) Pending() int { return len(s.ready) + len(s.sleeping) }

// Schedule appends st to the ready queue.
func (s *Scheduler) Schedule(st ProcState) {
	s.ready = append(s.ready, st)
}

// Sleep parks st until ticks more ticks have been processed. Sleeping for
// zero or fewer ticks still waits for the next tick.
func (s *Scheduler) Sleep(st ProcState, ticks int) {
	if ticks < 1 {
		ticks = 1
	}
	s.seq++
	e := &sleepEntry{state: st, wake: s.tick + ticks, seq: s.seq}
	heap.Push(&s.sleeping, e)
	s.sleepers[st] = e
}

// Cancel marks st cancelled. A sleeping state is woken so that it is
// finalized on the next tick instead of at its deadline.
func (s *Scheduler) Cancel(st ProcState) {
	st.Cancel()
	if e, ok := s.sleepers[st]; ok {
		heap.Remove(&s.sleeping, e.index)
		delete(s.sleepers, st)
		s.ready = append(s.ready, st)
	}
}

// Process advances one tick: due sleepers are moved to the ready queue,
// then every state queued at that point is handed to run exactly once.
// States queued while the tick runs wait for the next tick.
func (s *Scheduler) Process(run func(ProcState) ProcStatus) TickStats {
	s.tick++
	stats := TickStats{Tick: s.tick}

	for len(s.sleeping) > 0 && s.sleeping[0].wake <= s.tick {
		e := heap.Pop(&s.sleeping).(*sleepEntry)
		delete(s.sleepers, e.state)
		s.ready = append(s.ready, e.state)
		stats.Woken++
	}

	batch := s.ready
	s.ready = nil
	for i, st := range batch {
		batch[i] = nil
		if run(st) == StatusErrored {
			stats.Errors++
		}
		stats.Resumed++
	}
	stats.Deferred = len(s.ready)

	if stats.Errors > 0 {
		s.log.Warningf("tick %d: %d proc(s) ended with an uncaught error", s.tick, stats.Errors)
	}
	s.last = stats
	return stats
}

// Clear drops every queued and sleeping state without running them.
func (s *Scheduler) Clear() []ProcState {
	dropped := s.ready
	for _, e := range s.sleeping {
		dropped = append(dropped, e.state)
	}
	s.ready = nil
	s.sleeping = nil
	s.sleepers = make(map[ProcState]*sleepEntry)
	return dropped
}

// ---------------------------------------------------------------------------
// sleepHeap: min-heap on (wake tick, insertion order)
// ---------------------------------------------------------------------------

type sleepEntry struct {
	state ProcState
	wake  int
	seq   uint64
	index int
}

type sleepHeap []*sleepEntry

func (h sleepHeap) Len() int { return len(h) }

func (h sleepHeap) Less(i, j int) bool {
	if h[i].wake != h[j].wake {
		return h[i].wake < h[j].wake
	}
	return h[i].seq < h[j].seq
}

func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *sleepHeap) Push(x any) {
	e := x.(*sleepEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
