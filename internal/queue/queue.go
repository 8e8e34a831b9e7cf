// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package queue implements the blocking queue shared by the worker pool and
// the reader loop's command channel.
//
// A push never blocks. Each push wakes at most one blocked popper, in the
// order the poppers started waiting.
package queue

import (
	"sync"
	"time"

	fifo "github.com/eapache/queue"
	"github.com/pkg/errors"
)

// ErrNilItem is returned when a nil item is pushed.
var ErrNilItem = errors.New("queue: nil item")

// Queue is a mutex guarded FIFO with blocking and timed pops.
// Items pushed with PriorityPush are served before any regular item,
// the most recent one first.
type Queue[T any] struct {
	mu      sync.Mutex
	items   *fifo.Queue
	front   []T
	waiters []chan struct{}
	nwait   int
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{items: fifo.New()}
}

// Push appends v to the tail of the queue.
func (q *Queue[T]) Push(v T) error {
	if any(v) == nil {
		return ErrNilItem
	}
	q.mu.Lock()
	q.items.Add(v)
	q.signal()
	q.mu.Unlock()
	return nil
}

// PriorityPush inserts v ahead of every queued item.
func (q *Queue[T]) PriorityPush(v T) error {
	if any(v) == nil {
		return ErrNilItem
	}
	q.mu.Lock()
	q.front = append(q.front, v)
	q.signal()
	q.mu.Unlock()
	return nil
}

// Pop blocks until an item is available and returns it.
func (q *Queue[T]) Pop() T {
	q.mu.Lock()
	for {
		if v, ok := q.take(); ok {
			q.mu.Unlock()
			return v
		}
		ch := q.wait()
		q.mu.Unlock()
		<-ch
		q.mu.Lock()
		q.nwait--
	}
}

// TimedPop waits at most d for an item. The second result is false when
// the wait timed out. A non-positive d never blocks.
func (q *Queue[T]) TimedPop(d time.Duration) (T, bool) {
	q.mu.Lock()
	if v, ok := q.take(); ok || d <= 0 {
		q.mu.Unlock()
		return v, ok
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	expired := false
	for {
		ch := q.wait()
		q.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			expired = true
		}
		q.mu.Lock()
		q.nwait--
		if expired {
			q.unwait(ch)
		}
		if v, ok := q.take(); ok || expired {
			q.mu.Unlock()
			return v, ok
		}
	}
}

// TryPop returns the head of the queue without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	return q.TimedPop(0)
}

// Length returns the number of queued items minus the number of blocked
// poppers. A negative value means idle consumers are waiting.
func (q *Queue[T]) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + q.items.Length() - q.nwait
}

// Waiters returns the number of goroutines blocked in Pop or TimedPop.
func (q *Queue[T]) Waiters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nwait
}

// take pops the head item, q.mu must be held.
func (q *Queue[T]) take() (v T, ok bool) {
	if n := len(q.front); n > 0 {
		v = q.front[n-1]
		var zero T
		q.front[n-1] = zero
		q.front = q.front[:n-1]
		return v, true
	}
	if q.items.Length() > 0 {
		return q.items.Remove().(T), true
	}
	return
}

func (q *Queue[T]) wait() chan struct{} {
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.nwait++
	return ch
}

// unwait drops ch from the waiter list if no push has claimed it yet.
func (q *Queue[T]) unwait(ch chan struct{}) {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// signal wakes the longest waiting popper.
func (q *Queue[T]) signal() {
	if len(q.waiters) == 0 {
		return
	}
	ch := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(ch)
}
