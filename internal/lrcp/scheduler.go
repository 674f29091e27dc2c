package lrcp

import (
	"container/heap"
	"sync"
	"time"
)

// scheduleEntry is one session's next wake time. Adapted from the
// container/heap-based job queue elsewhere in this codebase's ancestry,
// repurposed here to order sessions by next timer deadline instead of by
// job priority.
type scheduleEntry struct {
	sessionID int
	wakeAt    time.Time
	index     int // maintained by heap.Interface
}

// entryHeap is a min-heap on wakeAt.
type entryHeap []*scheduleEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return h[i].wakeAt.Before(h[j].wakeAt)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler tracks one wake time per session and lets the server driver
// wait for whichever session needs attention soonest, instead of running
// a goroutine (or polling loop) per session.
type Scheduler struct {
	mu      sync.Mutex
	h       entryHeap
	byID    map[int]*scheduleEntry
	wake    chan struct{} // signals that the earliest wake time may have changed
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		byID: make(map[int]*scheduleEntry),
		wake: make(chan struct{}, 1),
	}
}

// Upsert schedules (or reschedules) sessionID to wake at wakeAt.
func (s *Scheduler) Upsert(sessionID int, wakeAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasEarliest := s.h.Len() == 0 || wakeAt.Before(s.h[0].wakeAt)

	if e, ok := s.byID[sessionID]; ok {
		e.wakeAt = wakeAt
		heap.Fix(&s.h, e.index)
	} else {
		e := &scheduleEntry{sessionID: sessionID, wakeAt: wakeAt}
		heap.Push(&s.h, e)
		s.byID[sessionID] = e
	}

	if wasEarliest {
		s.notify()
	}
}

// Remove drops sessionID from the scheduler, if present.
func (s *Scheduler) Remove(sessionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[sessionID]
	if !ok {
		return
	}
	heap.Remove(&s.h, e.index)
	delete(s.byID, sessionID)
}

// Next returns the session id due to wake soonest and its wake time, or
// ok=false if nothing is scheduled.
func (s *Scheduler) Next() (sessionID int, wakeAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return 0, time.Time{}, false
	}
	top := s.h[0]
	return top.sessionID, top.wakeAt, true
}

// WakeCh returns a channel that receives a value whenever the earliest
// scheduled wake time may have moved earlier, so a waiting goroutine knows
// to recompute how long to sleep.
func (s *Scheduler) WakeCh() <-chan struct{} {
	return s.wake
}

// notify must be called with s.mu held.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports how many sessions are currently scheduled.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}
