package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Priority orders pending tasks. Higher values run first.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLower
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHigher
)

var priorityNames = [...]string{"lowest", "lower", "low", "normal", "high", "higher"}

func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLowest && p <= PriorityHigher
}

// item is a task waiting in the heap.
type item struct {
	task       Task
	priority   Priority
	seq        uint64
	ctx        context.Context
	future     *Future
	enqueuedAt time.Time
}

// taskHeap implements heap.Interface, highest priority first.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*item))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
