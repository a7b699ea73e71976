// Package pipeline runs a collection: producers fill a bounded work queue,
// a fixed pool of workers turns entries into records, and a single writer
// drains the records to disk.
package pipeline

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
)

// Queue is the bounded work queue between the producers and the workers.
type Queue struct {
	ch   chan *ldap.Entry
	once sync.Once
}

// NewQueue returns a queue holding at most size entries.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan *ldap.Entry, size)}
}

// Push blocks until e is queued. It returns false, without queuing e, when
// ctx is cancelled first. Push must not be called after Close.
func (q *Queue) Push(ctx context.Context, e *ldap.Entry) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case q.ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// Entries is ranged over by the workers. It ends once the queue is closed
// and drained.
func (q *Queue) Entries() <-chan *ldap.Entry { return q.ch }

// Len returns the number of queued entries.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Close marks the end of production. Safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.ch) })
}

// OutputQueue is the unbounded queue between the workers and the writer.
// Push never blocks; Next blocks until a record is available or the queue is
// closed and empty.
type OutputQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  deque.Deque[graph.Record]
	closed bool
}

// NewOutputQueue returns an empty output queue.
func NewOutputQueue() *OutputQueue {
	q := &OutputQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends r. Records pushed after Close are dropped and reported false.
func (q *OutputQueue) Push(r graph.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items.PushBack(r)
	q.cond.Signal()
	return true
}

// Next implements graph.Source.
func (q *OutputQueue) Next() (graph.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	return q.items.PopFront(), true
}

// Len returns the number of pending records.
func (q *OutputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close wakes the writer once the remaining records are consumed.
func (q *OutputQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
