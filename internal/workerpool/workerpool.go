// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package workerpool runs tasks on an elastic set of long lived worker
// goroutines fed by a single blocking queue.
//
// The pool grows when tasks back up and shrinks when workers sit idle, see
// AutoResize. Idle workers also fire the timer events registered with
// RegisterEvent.
package workerpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/internal/logging"
	"github.com/ysyzqq/policyd/internal/queue"
)

// PollInterval is how long an idle worker blocks on the queue before it
// looks at timer events and the resize check.
const PollInterval = 100 * time.Millisecond

var (
	// ErrShutdownTimeout is returned by Shutdown when some workers did not
	// exit in time. They are abandoned.
	ErrShutdownTimeout = errors.New("workerpool: shutdown timed out")
	// ErrPoolClosed is returned when configuring a pool that was shut down.
	ErrPoolClosed = errors.New("workerpool: pool is closed")
)

// item is what travels through the pool queue: a task or a control signal.
type item interface{ isItem() }

type (
	// task is a unit of work.
	task func()
	// stopWorker asks the worker popping it to leave the pool.
	stopWorker struct{}
	// shutdownPool asks the worker popping it to exit at once.
	shutdownPool struct{}
	// workerReclaimed tells a worker that w has left and can be joined.
	workerReclaimed struct{ w *worker }
)

func (task) isItem()            {}
func (stopWorker) isItem()      {}
func (shutdownPool) isItem()    {}
func (workerReclaimed) isItem() {}

type worker struct {
	id   int
	done chan struct{}
}

// Stats is a snapshot of the pool state.
type Stats struct {
	// Running is the number of workers in the pool, not counting those
	// already told to leave.
	Running int
	// Waiting is the number of workers blocked on the queue.
	Waiting int
	// Pending is queued items minus waiting workers.
	Pending int
	// Joining is the number of workers that left and were not joined yet.
	Joining int
}

// Pool is an elastic worker pool.
type Pool struct {
	q      *queue.Queue[item]
	logger logging.Logger

	gate       sync.RWMutex // Submit holds it shared, Shutdown exclusive
	mu         sync.Mutex
	opts       Options
	running    map[*worker]struct{}
	joining    map[*worker]struct{}
	retiring   int // stop signals queued but not consumed yet
	nextID     int
	lastResize time.Time

	preemptive atomic.Bool
	closed     atomic.Bool
	wg         sync.WaitGroup

	events eventList
}

// New starts a pool with opts.BaseThreads workers.
func New(options ...Option) (*Pool, error) {
	opts := loadOptions(options...)
	if opts.BaseThreads < 1 {
		return nil, errors.Wrapf(ErrInvalidOptions, "base threads %d", opts.BaseThreads)
	}
	if err := opts.Resize.validate(opts.BaseThreads); err != nil {
		return nil, err
	}
	p := &Pool{
		q:          queue.New[item](),
		logger:     opts.Logger,
		opts:       opts,
		running:    make(map[*worker]struct{}),
		joining:    make(map[*worker]struct{}),
		lastResize: time.Now(),
	}
	p.preemptive.Store(opts.Preemptive)
	p.mu.Lock()
	for i := 0; i < opts.BaseThreads; i++ {
		p.spawn()
	}
	p.mu.Unlock()
	return p, nil
}

// Submit queues fn for execution. It reports false, dropping fn, once the
// pool is shutting down.
func (p *Pool) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	// 关闭检查与入队必须在停止信号之前完成
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed.Load() {
		return false
	}
	return p.q.Push(task(fn)) == nil
}

// SetResize replaces the resize knobs of a running pool.
func (p *Pool) SetResize(r Resize) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := r.validate(p.opts.BaseThreads); err != nil {
		return err
	}
	p.opts.Resize = r
	p.preemptive.Store(r.Preemptive)
	return nil
}

// Resize returns the current resize knobs.
func (p *Pool) Resize() Resize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Resize
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	running, joining := max(len(p.running)-p.retiring, 0), len(p.joining)
	p.mu.Unlock()
	return Stats{
		Running: running,
		Waiting: p.q.Waiters(),
		Pending: p.q.Length(),
		Joining: joining,
	}
}

// AutoResize grows or shrinks the pool according to the queue pressure.
// Workers call it whenever they are idle or done with a task, the reader
// loop calls it once per poll cycle.
func (p *Pool) AutoResize() {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}

	var (
		r       = p.opts.Resize
		base    = p.opts.BaseThreads
		running = len(p.running) - p.retiring
		waiting = p.q.Waiters()
		pending = p.q.Length()
		elapsed = time.Since(p.lastResize)
	)
	if pending < 0 {
		pending = 0
	}

	switch {
	case running < r.MaxThreads && waiting == 0 && pending > 0 && elapsed >= r.GrowPeriod:
		n := min(r.GrowStep, r.MaxThreads-running)
		for i := 0; i < n; i++ {
			p.spawn()
		}
		p.lastResize = time.Now()
		p.logger.Debugf("workerpool: grew by %d to %d workers, %d tasks pending", n, running+n, pending)
	case r.AutoShrink && pending == 0 && running > base && waiting+2 > base && elapsed > r.ShrinkPeriod:
		n := min(r.ShrinkStep, running-max(base, 1))
		for i := 0; i < n; i++ {
			_ = p.q.Push(stopWorker{})
		}
		p.retiring += n
		p.lastResize = time.Now()
		p.logger.Debugf("workerpool: shrinking by %d to %d workers", n, running-n)
	}
}

// Shutdown stops every worker. Queued tasks ahead of the stop signals still
// run, tasks submitted afterwards are dropped. With wait set it blocks until
// all workers exited or ShutdownTimeout elapsed.
func (p *Pool) Shutdown(wait bool) error {
	p.gate.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.gate.Unlock()
		return nil
	}
	p.mu.Lock()
	n := len(p.running) - p.retiring
	timeout := p.opts.ShutdownTimeout
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		_ = p.q.Push(shutdownPool{})
	}
	p.gate.Unlock()
	if !wait {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		p.logger.Warnf("workerpool: %d workers still running after %v, abandoning them", p.Stats().Running, timeout)
		return ErrShutdownTimeout
	}
}

// spawn starts one worker, p.mu must be held.
func (p *Pool) spawn() {
	p.nextID++
	w := &worker{id: p.nextID, done: make(chan struct{})}
	p.running[w] = struct{}{}
	p.wg.Add(1)
	go p.run(w)
}

func (p *Pool) run(w *worker) {
	defer func() {
		close(w.done)
		p.wg.Done()
	}()

	for {
		it, ok := p.q.TimedPop(PollInterval)
		if !ok {
			p.runEvents()
			p.AutoResize()
			continue
		}
		switch v := it.(type) {
		case task:
			preemptive := p.preemptive.Load()
			if preemptive {
				p.AutoResize()
			}
			v()
			p.runEvents()
			if !preemptive {
				p.AutoResize()
			}
		case stopWorker:
			p.retire(w)
			_ = p.q.Push(workerReclaimed{w: w})
			return
		case workerReclaimed:
			<-v.w.done
			p.mu.Lock()
			delete(p.joining, v.w)
			p.mu.Unlock()
		case shutdownPool:
			p.mu.Lock()
			delete(p.running, w)
			p.mu.Unlock()
			return
		}
	}
}

// retire moves w from the running set to the joining set.
func (p *Pool) retire(w *worker) {
	p.mu.Lock()
	delete(p.running, w)
	p.joining[w] = struct{}{}
	p.retiring--
	p.mu.Unlock()
}
