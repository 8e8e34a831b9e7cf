// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policyd

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/pool/bytebuffer"
)

// Timing aggregates handler processing times.
type Timing struct {
	Calls uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

type timing struct {
	mu sync.Mutex
	Timing
}

func (t *timing) record(d time.Duration) {
	t.mu.Lock()
	t.Calls++
	if t.Calls == 1 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Avg += (d - t.Avg) / time.Duration(t.Calls)
	t.mu.Unlock()
}

func (t *timing) snapshot() Timing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Timing
}

// HandlerStats describes one registered handler.
type HandlerStats struct {
	Name     string
	Priority int
	Port     int
	Timing
}

type registration struct {
	name     string
	handler  Handler
	priority int
	port     int
	stats    timing
}

func (r *registration) matches(port int) bool {
	return r.port == AnyPort || r.port == port
}

// dispatcher runs the registered handlers for assembled requests.
type dispatcher struct {
	mu       sync.RWMutex
	regs     []*registration // ordered by priority, then registration order
	global   timing
	fallback atomic.Value // Verdict
}

func newDispatcher(fallback Verdict) *dispatcher {
	d := new(dispatcher)
	d.fallback.Store(fallback)
	return d
}

func (d *dispatcher) register(name string, h Handler, priority, port int) error {
	if h == nil {
		return ErrNilHandler
	}
	if priority < MinPriority || priority > MaxPriority {
		return errors.Wrapf(ErrInvalidPriority, "handler %q: %d", name, priority)
	}
	if port < AnyPort {
		port = AnyPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs = append(d.regs, &registration{name: name, handler: h, priority: priority, port: port})
	sort.SliceStable(d.regs, func(i, j int) bool {
		return d.regs[i].priority < d.regs[j].priority
	})
	return nil
}

// eligible returns the handlers for port in the order they must run.
func (d *dispatcher) eligible(port int) []*registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var regs []*registration
	for _, r := range d.regs {
		if r.matches(port) {
			regs = append(regs, r)
		}
	}
	return regs
}

func (d *dispatcher) setFallback(v Verdict) error {
	if !v.Valid() {
		return errors.Wrapf(ErrInvalidVerdict, "%q", v)
	}
	d.fallback.Store(v)
	return nil
}

// decide runs the handlers eligible for req.ListenerPort, highest
// precedence first, until one returns a verdict other than the neutral one.
func (d *dispatcher) decide(ctx context.Context, c Conn, req *Request) (Verdict, string) {
	for _, r := range d.eligible(req.ListenerPort) {
		start := time.Now()
		v, msg := r.handler.Handle(ctx, c, req)
		elapsed := time.Since(start)
		r.stats.record(elapsed)
		d.global.record(elapsed)
		if v.Neutral() {
			continue
		}
		if msg == "" {
			msg = req.MessageReply
		}
		return v, msg
	}
	return d.fallback.Load().(Verdict), ""
}

func (d *dispatcher) stats() ([]HandlerStats, Timing) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hs := make([]HandlerStats, 0, len(d.regs))
	for _, r := range d.regs {
		hs = append(hs, HandlerStats{
			Name:     r.name,
			Priority: r.priority,
			Port:     r.port,
			Timing:   r.stats.snapshot(),
		})
	}
	return hs, d.global.snapshot()
}

// appendReply formats the protocol reply into buf.
func appendReply(buf *bytebuffer.ByteBuffer, v Verdict, msg string) {
	_, _ = buf.WriteString("action=")
	_, _ = buf.WriteString(string(v))
	if msg != "" {
		_ = buf.WriteByte(' ')
		// 回复只有一行
		for i := 0; i < len(msg); i++ {
			switch c := msg[i]; c {
			case '\r', '\n':
				_ = buf.WriteByte(' ')
			default:
				_ = buf.WriteByte(c)
			}
		}
	}
	_, _ = buf.WriteString("\n\n")
}
