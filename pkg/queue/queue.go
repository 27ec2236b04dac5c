package queue

import (
	"sync"
	"time"
)

// Delivery is a notification waiting to be sent again.
type Delivery struct {
	ID          string
	Kind        string
	Body        []byte
	Attempts    int
	NextAttempt time.Time
}

// Queue holds pending deliveries in arrival order. When full, the oldest
// delivery is evicted to make room.
type Queue struct {
	items    []*Delivery
	capacity int
	mu       sync.Mutex
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:    make([]*Delivery, 0),
		capacity: capacity,
	}
}

// Enqueue adds d and returns the delivery evicted to make room, if any.
func (q *Queue) Enqueue(d *Delivery) *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *Delivery
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, d)
	return evicted
}

// DequeueDue removes and returns every delivery whose NextAttempt is not after now.
func (q *Queue) DequeueDue(now time.Time) []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]*Delivery, 0)
	rest := q.items[:0]
	for _, d := range q.items {
		if d.NextAttempt.After(now) {
			rest = append(rest, d)
			continue
		}
		due = append(due, d)
	}
	q.items = rest
	return due
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a snapshot of the queued deliveries.
func (q *Queue) Pending() []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*Delivery, len(q.items))
	copy(result, q.items)
	return result
}
