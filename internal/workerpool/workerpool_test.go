// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/internal/logging"
)

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	p, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(true) })
	return p
}

func eventually(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRunsTasks(t *testing.T) {
	p := newTestPool(t, WithBaseThreads(3))
	var (
		wg sync.WaitGroup
		n  atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		if !p.Submit(func() {
			n.Add(1)
			wg.Done()
		}) {
			t.Fatal("Submit refused a task")
		}
	}
	wg.Wait()
	if n.Load() != 200 {
		t.Fatalf("ran %d tasks, want 200", n.Load())
	}
	if p.Submit(nil) {
		t.Fatal("Submit accepted a nil task")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zero base", []Option{WithBaseThreads(0)}},
		{"max below base", []Option{WithBaseThreads(8), WithResize(Resize{MaxThreads: 4, GrowStep: 1, ShrinkStep: 1})}},
		{"zero grow step", []Option{WithResize(Resize{MaxThreads: 4, ShrinkStep: 1})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(append(tt.opts, WithLogger(logging.Nop()))...)
			if !errors.Is(err, ErrInvalidOptions) {
				t.Fatalf("New = %v, want ErrInvalidOptions", err)
			}
		})
	}
}

func TestGrowNeverExceedsMax(t *testing.T) {
	p := newTestPool(t,
		WithBaseThreads(1),
		WithResize(Resize{MaxThreads: 3, GrowStep: 2, ShrinkStep: 1, ShrinkPeriod: time.Hour}),
	)
	release := make(chan struct{})
	for i := 0; i < 10; i++ {
		p.Submit(func() { <-release })
	}
	for i := 0; i < 50; i++ {
		p.AutoResize()
		if r := p.Stats().Running; r > 3 {
			t.Fatalf("running = %d, exceeds max 3", r)
		}
		time.Sleep(time.Millisecond)
	}
	if r := p.Stats().Running; r != 3 {
		t.Fatalf("running = %d after sustained backlog, want 3", r)
	}
	close(release)
}

func TestShrinkConvergesToBase(t *testing.T) {
	p := newTestPool(t,
		WithBaseThreads(1),
		WithResize(Resize{MaxThreads: 4, GrowStep: 4, ShrinkStep: 1, AutoShrink: true}),
	)
	release := make(chan struct{})
	for i := 0; i < 8; i++ {
		p.Submit(func() { <-release })
	}
	eventually(t, 2*time.Second, func() bool {
		p.AutoResize()
		return p.Stats().Running == 4
	})

	r := p.Resize()
	r.GrowPeriod = time.Hour
	if err := p.SetResize(r); err != nil {
		t.Fatalf("SetResize: %v", err)
	}
	close(release)

	eventually(t, 3*time.Second, func() bool {
		s := p.Stats()
		if s.Running < 1 {
			t.Fatalf("running dropped to %d", s.Running)
		}
		return s.Running == 1 && s.Joining == 0
	})

	var ran atomic.Bool
	done := make(chan struct{})
	p.Submit(func() {
		ran.Store(true)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped serving after shrinking")
	}
}

func TestShutdownDropsLateTasks(t *testing.T) {
	p, err := New(WithBaseThreads(4), WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Shutdown(true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if p.Submit(func() {}) {
		t.Fatal("Submit accepted a task after shutdown")
	}
	if s := p.Stats(); s.Running != 0 {
		t.Fatalf("running = %d after shutdown", s.Running)
	}
	if err := p.SetResize(p.Resize()); err != ErrPoolClosed {
		t.Fatalf("SetResize after shutdown = %v", err)
	}
}

func TestShutdownRunsEveryAcceptedTask(t *testing.T) {
	for round := 0; round < 50; round++ {
		p, err := New(WithBaseThreads(2), WithLogger(logging.Nop()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		var (
			wg       sync.WaitGroup
			accepted atomic.Int64
			ran      atomic.Int64
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					if p.Submit(func() { ran.Add(1) }) {
						accepted.Add(1)
					}
				}
			}()
		}
		if err = p.Shutdown(true); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		wg.Wait()
		if accepted.Load() != ran.Load() {
			t.Fatalf("round %d: accepted %d tasks, ran %d", round, accepted.Load(), ran.Load())
		}
	}
}

func TestAutoResizeAfterShutdownSpawnsNothing(t *testing.T) {
	p, err := New(WithBaseThreads(1), WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err = p.Shutdown(true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_ = p.q.Push(task(func() {}))
	p.mu.Lock()
	p.lastResize = time.Time{}
	p.mu.Unlock()
	p.AutoResize()
	if s := p.Stats(); s.Running != 0 {
		t.Fatalf("running = %d, pool grew after shutdown", s.Running)
	}
}

func TestStatsExcludeRetiringWorkers(t *testing.T) {
	p := newTestPool(t, WithBaseThreads(2))
	p.mu.Lock()
	_ = p.q.Push(stopWorker{})
	p.retiring++
	p.mu.Unlock()
	if r := p.Stats().Running; r != 1 {
		t.Fatalf("running = %d, want 1 once a worker is told to leave", r)
	}
	eventually(t, 2*time.Second, func() bool {
		s := p.Stats()
		return s.Running == 1 && s.Joining == 0
	})
}

func TestShutdownTimesOutOnStragglers(t *testing.T) {
	p, err := New(WithBaseThreads(1), WithShutdownTimeout(50*time.Millisecond), WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started
	if err := p.Shutdown(true); err != ErrShutdownTimeout {
		t.Fatalf("Shutdown = %v, want ErrShutdownTimeout", err)
	}
}

func TestEventsFireUntilRemoved(t *testing.T) {
	p := newTestPool(t, WithBaseThreads(1))
	var calls atomic.Int32
	if _, err := p.RegisterEvent(10*time.Millisecond, func() bool {
		return calls.Add(1) == 3
	}); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return p.Events() == 0 })
	if got := calls.Load(); got != 3 {
		t.Fatalf("event ran %d times, want 3", got)
	}
}

func TestRemoveEvent(t *testing.T) {
	p := &Pool{}
	id, err := p.RegisterEvent(time.Hour, func() bool { return false })
	if err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	if !p.RemoveEvent(id) {
		t.Fatal("RemoveEvent reported a missing event")
	}
	if p.RemoveEvent(id) {
		t.Fatal("RemoveEvent removed an event twice")
	}
	if _, err := p.RegisterEvent(0, func() bool { return true }); err != ErrInvalidEvent {
		t.Fatalf("RegisterEvent(0) = %v", err)
	}
}

func TestEventRescheduleKeepsCadence(t *testing.T) {
	p := &Pool{}
	var calls int
	if _, err := p.RegisterEvent(time.Minute, func() bool {
		calls++
		return false
	}); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	ev := p.events.list[0]
	start := time.Now().Add(-90 * time.Second)
	ev.due = start

	p.runEvents()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if want := start.Add(time.Minute); !ev.due.Equal(want) {
		t.Fatalf("due = %v, want %v", ev.due, want)
	}

	// still behind now: the next idle pass catches up
	p.runEvents()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	p.runEvents()
	if calls != 2 {
		t.Fatalf("event ran before it was due")
	}
}
