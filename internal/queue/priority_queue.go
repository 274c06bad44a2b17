package queue

import "sync"

// Priority selects one of the two classes of a PriorityQueue.
type Priority uint8

const (
	// Normal is the default class.
	Normal Priority = iota
	// High is always drained before Normal.
	High
)

// String returns string representation of the priority.
func (p Priority) String() string {
	if p == High {
		return "high"
	}

	return "normal"
}

// PriorityQueue is a bounded, concurrency safe queue with two FIFO classes.
//
// Items of the High class are always dequeued before any item of the Normal class.
// Within a class items keep their insertion order.
type PriorityQueue[T any] struct {
	mu       sync.Mutex
	high     Queue[T]
	normal   Queue[T]
	capacity int
}

// NewPriorityQueue creates a PriorityQueue holding at most capacity items per class.
// A capacity <= 0 means unbounded.
func NewPriorityQueue[T any](capacity int) *PriorityQueue[T] {
	prealloc := capacity
	if prealloc <= 0 || prealloc > 64 {
		prealloc = 64
	}

	return &PriorityQueue[T]{
		high:     NewSliceQueue[T](prealloc),
		normal:   NewSliceQueue[T](prealloc),
		capacity: capacity,
	}
}

// Push appends item to the class p. It returns false when the class is full.
func (q *PriorityQueue[T]) Push(item T, p Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := q.class(p)
	if q.capacity > 0 && target.Length() >= q.capacity {
		return false
	}
	target.Enqueue(item)

	return true
}

// Pop removes the head of the High class, or the head of the Normal class when
// no high priority item is queued.
func (q *PriorityQueue[T]) Pop() (T, Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.high.Dequeue(); ok {
		return item, High, true
	}
	item, ok := q.normal.Dequeue()

	return item, Normal, ok
}

// Drain empties both classes and returns the removed items, high class first.
func (q *PriorityQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, q.high.Length()+q.normal.Length())
	for _, c := range []Queue[T]{q.high, q.normal} {
		for {
			item, ok := c.Dequeue()
			if !ok {
				break
			}
			items = append(items, item)
		}
	}

	return items
}

// Len returns the number of queued items of both classes.
func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.high.Length() + q.normal.Length()
}

func (q *PriorityQueue[T]) class(p Priority) Queue[T] {
	if p == High {
		return q.high
	}

	return q.normal
}
