// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package policyd

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/internal/netpoll"
	"github.com/ysyzqq/policyd/internal/workerpool"
	"github.com/ysyzqq/policyd/pool/bytebuffer"
)

// backendSlot boxes a netpoll.Backend, the backends are distinct concrete types.
type backendSlot struct{ netpoll.Backend }

type server struct {
	opts      *Options
	logger    Logger
	dispatch  *dispatcher      // 处理器链
	pool      *workerpool.Pool // runs dispatch tasks and timer events
	lns       []*listener      // all the listeners
	loop      atomic.Pointer[eventloop]
	backend   atomic.Pointer[backendSlot] // read by workers waiting to write
	limit     atomic.Int32 // line limit for new connections
	connCount atomic.Int64 // accepted connections currently watched

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards lifecycle: lns, serving, closed
	serving  bool
	closed   bool
	done     chan struct{} // closed once the reader loop exits
	switchMu sync.Mutex    // serializes backend switches
}

// Server is a policy daemon: listeners, a reader loop and a worker pool
// running the registered handlers.
type Server struct {
	svr *server
}

// Stats is a snapshot of a running server.
type Stats struct {
	// Backend is the netpoll backend the reader loop runs on.
	Backend string
	// Connections is the number of accepted connections being watched.
	Connections int64
	// LineLimit applies to connections accepted from now on.
	LineLimit int
	// DefaultVerdict answers requests no handler decided on.
	DefaultVerdict Verdict
	// Pool is the worker pool state.
	Pool PoolStats
	// Handlers lists the registered handlers in dispatch order.
	Handlers []HandlerStats
	// Overall aggregates the timing of every handler call.
	Overall Timing
}

// NewServer validates the options and starts the worker pool. Listeners are
// added with Listen and sockets are serviced once Serve is called.
func NewServer(opts ...Option) (*Server, error) {
	options := loadOptions(opts...)
	b, err := netpoll.Lookup(options.Backend)
	if err != nil {
		return nil, err
	}
	if options.LineLimit < 1 {
		return nil, errors.Errorf("policyd: line limit must be positive, got %d", options.LineLimit)
	}
	if !options.DefaultVerdict.Valid() {
		return nil, errors.Wrapf(ErrInvalidVerdict, "%q", options.DefaultVerdict)
	}
	p, err := workerpool.New(workerpool.WithOptions(options.Pool))
	if err != nil {
		return nil, err
	}

	svr := &server{
		opts:     options,
		logger:   options.Logger,
		dispatch: newDispatcher(options.DefaultVerdict),
		pool:     p,
		done:     make(chan struct{}),
	}
	svr.backend.Store(&backendSlot{b})
	svr.limit.Store(int32(options.LineLimit))
	svr.ctx, svr.cancel = context.WithCancel(context.Background())
	return &Server{svr: svr}, nil
}

// Register adds a handler. Handlers run by ascending priority, handlers of
// equal priority in registration order. port restricts the handler to
// connections accepted on that listener port, AnyPort matches every port.
func (s *Server) Register(name string, h Handler, priority, port int) error {
	return s.svr.dispatch.register(name, h, priority, port)
}

// Listen binds one listener per address. Addresses take the form
// tcp://host:port or unix:///path/to/socket, a bare host:port is tcp.
func (s *Server) Listen(addrs ...string) error {
	svr := s.svr
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.closed {
		return ErrServerClosed
	}
	if svr.serving {
		return errors.New("policyd: cannot add listeners while serving")
	}
	for _, addr := range addrs {
		network, address := parseAddr(addr)
		ln, err := initListener(network, address, svr.opts.ReusePort)
		if err != nil {
			return err
		}
		svr.lns = append(svr.lns, ln)
		svr.logger.Infof("policyd: listening on %s://%v", network, ln.lnaddr)
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	s.svr.mu.Lock()
	defer s.svr.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.svr.lns))
	for _, ln := range s.svr.lns {
		addrs = append(addrs, ln.lnaddr)
	}
	return addrs
}

// Serve runs the reader loop on the calling goroutine until ctx is done,
// Stop is called or the netpoll backend fails. The worker pool is shut down
// on return, letting queued requests finish.
func (s *Server) Serve(ctx context.Context) error {
	svr := s.svr
	svr.mu.Lock()
	switch {
	case svr.closed:
		svr.mu.Unlock()
		return ErrServerClosed
	case svr.serving:
		svr.mu.Unlock()
		return errors.New("policyd: already serving")
	case len(svr.lns) == 0:
		svr.mu.Unlock()
		return ErrNoListener
	}
	svr.serving = true
	el := newEventloop(svr, svr.currentBackend())
	svr.loop.Store(el)
	svr.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-svr.done:
		}
	}()

	svr.logger.Infof("policyd: serving %d listener(s) on the %s backend", len(el.masters), el.backend.Name())
	err := el.loopRun()
	close(svr.done)
	svr.mu.Lock()
	svr.closed = true
	svr.mu.Unlock()
	svr.cancel()
	if perr := svr.pool.Shutdown(true); perr != nil && !errors.Is(perr, workerpool.ErrPoolClosed) {
		svr.logger.Warnf("policyd: %v", perr)
	}
	if err == errServerShutdown {
		svr.logger.Infof("policyd: server stopped")
		return nil
	}
	return err
}

// Stop shuts the server down. When serving it waits for the reader loop to
// close every socket; Serve returns nil.
func (s *Server) Stop() error {
	svr := s.svr
	svr.mu.Lock()
	if svr.closed {
		svr.mu.Unlock()
		return nil
	}
	svr.closed = true
	serving := svr.serving
	svr.mu.Unlock()

	if !serving {
		for _, ln := range svr.lns {
			ln.close()
		}
		svr.cancel()
		return svr.pool.Shutdown(false)
	}
	if err := svr.loop.Load().commands.PriorityPush(cmdShutdown{}); err != nil {
		return err
	}
	<-svr.done
	return nil
}

// SwitchBackend moves the reader loop to another netpoll backend. The loop
// is parked between two poll cycles while the backend is swapped, no
// connection is lost.
func (s *Server) SwitchBackend(name string) (err error) {
	svr := s.svr
	b, err := netpoll.Lookup(name)
	if err != nil {
		return err
	}
	svr.switchMu.Lock()
	defer svr.switchMu.Unlock()

	el, err := svr.runningLoop()
	if err != nil {
		return err
	}
	prev := el.backend.Name()
	if err = el.commands.Push(cmdSuspend{}); err != nil {
		return err
	}
	select {
	case <-el.suspended:
	case <-svr.done:
		return ErrServerClosed
	}
	// 读循环已挂起, 无论如何都要恢复它
	defer func() {
		if rerr := el.commands.Push(cmdResume{}); rerr != nil && err == nil {
			err = rerr
		}
	}()
	el.backend = b
	svr.backend.Store(&backendSlot{b})
	svr.logger.Infof("policyd: switched backend %s -> %s", prev, b.Name())
	return nil
}

// SetLineLimit changes the line limit of connections accepted from now on.
func (s *Server) SetLineLimit(n int) error {
	if n < 1 {
		return errors.Errorf("policyd: line limit must be positive, got %d", n)
	}
	s.svr.limit.Store(int32(n))
	return nil
}

// SetDefaultVerdict changes the verdict replied when no handler decides.
func (s *Server) SetDefaultVerdict(v Verdict) error {
	return s.svr.dispatch.setFallback(v)
}

// ConfigurePool replaces the grow and shrink knobs of the worker pool.
func (s *Server) ConfigurePool(r PoolResize) error {
	return s.svr.pool.SetResize(r)
}

// RegisterEvent schedules fn on a pool worker every period.
func (s *Server) RegisterEvent(period time.Duration, fn EventFunc) (uint64, error) {
	return s.svr.pool.RegisterEvent(period, fn)
}

// RemoveEvent cancels a timer event.
func (s *Server) RemoveEvent(id uint64) bool {
	return s.svr.pool.RemoveEvent(id)
}

// Stats returns a snapshot of the server.
func (s *Server) Stats() Stats {
	svr := s.svr
	hs, overall := svr.dispatch.stats()
	return Stats{
		Backend:        svr.currentBackend().Name(),
		Connections:    svr.connCount.Load(),
		LineLimit:      svr.lineLimit(),
		DefaultVerdict: svr.dispatch.fallback.Load().(Verdict),
		Pool:           svr.pool.Stats(),
		Handlers:       hs,
		Overall:        overall,
	}
}

func (svr *server) currentBackend() netpoll.Backend {
	return svr.backend.Load().Backend
}

func (svr *server) lineLimit() int {
	return int(svr.limit.Load())
}

func (svr *server) runningLoop() (*eventloop, error) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	switch {
	case svr.closed:
		return nil, ErrServerClosed
	case !svr.serving:
		return nil, ErrNotServing
	}
	return svr.loop.Load(), nil
}

// serveRequest is the dispatch task: run the handlers, write the reply
// once and half-close the socket.
func (svr *server) serveRequest(c *conn, req *Request) {
	v, msg := svr.dispatch.decide(svr.ctx, c, req)

	buf := bytebuffer.Get()
	defer bytebuffer.Put(buf)
	appendReply(buf, v, msg)

	n, err := c.write(buf.B, svr.currentBackend())
	if err != nil || n < buf.Len() {
		svr.logger.Warnf("policyd: conn %s: reply written %d of %d bytes: %v", c.id, n, buf.Len(), err)
	}
	if err = c.closeWrite(); err != nil {
		svr.logger.Debugf("policyd: conn %s: %v", c.id, err)
	}
	svr.logger.Debugf("policyd: conn %s: %s from %v answered action=%s", c.id, req.ProtocolState, c.remoteAddr, v)
}
