// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package workerpool

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidEvent is returned by RegisterEvent for a nil callback or a
// non-positive period.
var ErrInvalidEvent = errors.New("workerpool: invalid timer event")

// EventFunc is a timer event callback. Returning true removes the event,
// otherwise it fires again one period after its previous due time.
//
// Events run on whichever worker happens to be idle and hold it up while
// they run, so they must be short.
type EventFunc func() (remove bool)

type event struct {
	id     uint64
	period time.Duration
	due    time.Time
	fn     EventFunc
	busy   bool // running on some worker
}

type eventList struct {
	mu     sync.Mutex
	nextID uint64
	list   []*event
}

// RegisterEvent schedules fn to run every period, the first time one period
// from now. The returned id can be passed to RemoveEvent.
func (p *Pool) RegisterEvent(period time.Duration, fn EventFunc) (uint64, error) {
	if fn == nil || period <= 0 {
		return 0, ErrInvalidEvent
	}
	el := &p.events
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	el.list = append(el.list, &event{
		id:     el.nextID,
		period: period,
		due:    time.Now().Add(period),
		fn:     fn,
	})
	return el.nextID, nil
}

// RemoveEvent cancels the event id. It reports whether the event existed.
// A callback already running completes but is not rescheduled.
func (p *Pool) RemoveEvent(id uint64) bool {
	el := &p.events
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, ev := range el.list {
		if ev.id == id {
			el.remove(ev)
			return true
		}
	}
	return false
}

// Events returns the number of registered timer events.
func (p *Pool) Events() int {
	p.events.mu.Lock()
	defer p.events.mu.Unlock()
	return len(p.events.list)
}

// runEvents fires every due event not already running on another worker.
// Callbacks run without the list lock held.
func (p *Pool) runEvents() {
	el := &p.events
	now := time.Now()
	el.mu.Lock()
	var due []*event
	for _, ev := range el.list {
		if !ev.busy && !ev.due.After(now) {
			ev.busy = true
			due = append(due, ev)
		}
	}
	el.mu.Unlock()

	for _, ev := range due {
		remove := ev.fn()
		el.mu.Lock()
		ev.busy = false
		if remove {
			el.remove(ev)
		} else {
			// advance from the previous due time, not from now
			ev.due = ev.due.Add(ev.period)
		}
		el.mu.Unlock()
	}
}

// remove drops ev from the list, el.mu must be held.
func (el *eventList) remove(ev *event) {
	for i, e := range el.list {
		if e == ev {
			el.list = append(el.list[:i], el.list[i+1:]...)
			return
		}
	}
}
