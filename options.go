// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policyd

import (
	"time"

	"github.com/ysyzqq/policyd/internal/logging"
	"github.com/ysyzqq/policyd/internal/workerpool"
)

const (
	// DefaultBackend is the netpoll backend the reader loop starts on.
	DefaultBackend = "epoll"
	// DefaultLineLimit is the number of attribute lines one connection may send.
	DefaultLineLimit = 40
	// DefaultVerdict answers requests no handler decided on.
	DefaultVerdict = Dunno
)

// Logger is used for logging formatted messages.
type Logger = logging.Logger

type (
	// PoolOptions configures the worker pool running the dispatch tasks.
	PoolOptions = workerpool.Options
	// PoolResize holds the grow and shrink knobs of the worker pool.
	PoolResize = workerpool.Resize
	// PoolStats is a snapshot of the worker pool.
	PoolStats = workerpool.Stats
	// EventFunc is a periodic timer event run by a pool worker, returning
	// true removes it.
	EventFunc = workerpool.EventFunc
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := &Options{
		Backend:        DefaultBackend,
		LineLimit:      DefaultLineLimit,
		DefaultVerdict: DefaultVerdict,
		Pool:           workerpool.DefaultOptions(),
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Pool.Logger == nil {
		opts.Pool.Logger = opts.Logger
	}
	return opts
}

// Options are set when the server is created.
type Options struct {
	// Backend names the netpoll strategy: "select", "poll" or "epoll".
	Backend string

	// LineLimit is the maximum number of attribute lines per connection,
	// a connection sending more is dropped.
	LineLimit int

	// DefaultVerdict is replied when no handler matches the listener port
	// or every matching handler returned the neutral verdict.
	DefaultVerdict Verdict

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option.
	ReusePort bool

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration

	// Pool configures the worker pool running the dispatch tasks.
	Pool PoolOptions

	// Logger is the customized logger for logging info, if it is not set,
	// default standard logger from zap package is used.
	Logger Logger
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithBackend sets up the netpoll backend.
func WithBackend(name string) Option {
	return func(opts *Options) {
		opts.Backend = name
	}
}

// WithLineLimit sets up the per connection line limit.
func WithLineLimit(n int) Option {
	return func(opts *Options) {
		opts.LineLimit = n
	}
}

// WithDefaultVerdict sets up the verdict used when no handler decides.
func WithDefaultVerdict(v Verdict) Option {
	return func(opts *Options) {
		opts.DefaultVerdict = v
	}
}

// WithReusePort sets up SO_REUSEPORT socket option.
func WithReusePort(reusePort bool) Option {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

// WithTCPKeepAlive sets up SO_KEEPALIVE socket option.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithPoolOptions sets up the worker pool.
func WithPoolOptions(pool PoolOptions) Option {
	return func(opts *Options) {
		opts.Pool = pool
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// DefaultPoolOptions returns the worker pool options a server starts from.
func DefaultPoolOptions() PoolOptions {
	return workerpool.DefaultOptions()
}
