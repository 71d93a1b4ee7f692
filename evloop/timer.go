package evloop

import (
	"container/heap"
	"time"
)

// Timer is a one-shot deferred callback scheduled on a Loop.
type Timer struct {
	loop     *Loop
	deadline time.Time
	fn       func()
	index    int // position in the loop's heap, -1 once fired or cancelled
}

// Cancel removes the timer from its loop. Cancelling a timer that has
// already fired or been cancelled is a no-op. Must be called from the
// loop goroutine.
func (t *Timer) Cancel() {
	if t == nil || t.index < 0 {
		return
	}
	heap.Remove(&t.loop.timers, t.index)
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
