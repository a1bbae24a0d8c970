package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/isdmx/codejudge/execution"
)

var (
	// ErrQueueFull is returned by Reserve when every slot is taken.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrQueueClosed is returned once the queue has been closed and, for
	// Dequeue, drained.
	ErrQueueClosed = errors.New("dispatch queue is closed")
)

// Item is one job waiting for a worker.
type Item struct {
	JobID        string
	Request      execution.Request
	SubmissionID *int64
}

// Queue is a bounded FIFO of jobs. Producers reserve a slot before they
// allocate a job, so a job that exists is always queued and enqueueing never
// blocks.
type Queue struct {
	mu          sync.Mutex
	closed      bool
	outstanding int

	slots chan struct{}
	items chan Item
}

// NewQueue creates a queue holding at most size items.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		slots: make(chan struct{}, size),
		items: make(chan Item, size),
	}
}

// Reservation holds one queue slot until it is committed or cancelled.
type Reservation struct {
	q    *Queue
	once sync.Once
}

// Reserve takes a slot without blocking.
func (q *Queue) Reserve() (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	select {
	case q.slots <- struct{}{}:
		q.outstanding++
		return &Reservation{q: q}, nil
	default:
		return nil, ErrQueueFull
	}
}

// Commit places item in the reserved slot. It never blocks, and it succeeds
// even if the queue was closed after the reservation was taken.
func (r *Reservation) Commit(item Item) {
	r.once.Do(func() {
		q := r.q
		q.mu.Lock()
		defer q.mu.Unlock()
		// items has room for every held slot
		q.items <- item
		q.release()
	})
}

// Cancel returns an uncommitted slot.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		q := r.q
		q.mu.Lock()
		defer q.mu.Unlock()
		<-q.slots
		q.release()
	})
}

// release must be called with mu held.
func (q *Queue) release() {
	q.outstanding--
	if q.closed && q.outstanding == 0 {
		close(q.items)
	}
}

// Dequeue blocks until an item is available, the queue is closed and
// drained, or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	select {
	case item, ok := <-q.items:
		if !ok {
			return Item{}, ErrQueueClosed
		}
		<-q.slots
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Close stops new reservations. Items already queued, and those committed
// by outstanding reservations, remain available to Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.outstanding == 0 {
		close(q.items)
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.slots)
}
