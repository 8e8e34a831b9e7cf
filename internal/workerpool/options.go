// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package workerpool

import (
	"time"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/internal/logging"
)

// ErrInvalidOptions is wrapped by every options validation failure.
var ErrInvalidOptions = errors.New("workerpool: invalid options")

// Resize holds the knobs of the automatic grow and shrink check. They can be
// changed while the pool runs, see Pool.SetResize.
type Resize struct {
	// MaxThreads caps the number of running workers.
	MaxThreads int

	// GrowStep workers are started when the queue backs up with no idle
	// worker, at most once per GrowPeriod.
	GrowStep   int
	GrowPeriod time.Duration

	// ShrinkStep workers are stopped when the queue is empty and the pool
	// is above BaseThreads, at most once per ShrinkPeriod.
	ShrinkStep   int
	ShrinkPeriod time.Duration

	// AutoShrink enables the shrink half of the check.
	AutoShrink bool

	// Preemptive runs the resize check before a task rather than after it.
	Preemptive bool
}

// Options configures a Pool.
type Options struct {
	// BaseThreads workers are started by New and the pool never shrinks below it.
	BaseThreads int

	Resize

	// ShutdownTimeout bounds how long Shutdown waits for workers to exit.
	ShutdownTimeout time.Duration

	// Logger is the customized logger for logging pool activity.
	Logger logging.Logger
}

// Option is a function that will set up option.
type Option func(opts *Options)

// DefaultOptions returns the options New starts from.
func DefaultOptions() Options {
	return Options{
		BaseThreads: 4,
		Resize: Resize{
			MaxThreads:   64,
			GrowStep:     2,
			GrowPeriod:   time.Second,
			ShrinkStep:   1,
			ShrinkPeriod: 10 * time.Second,
			AutoShrink:   true,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

func loadOptions(options ...Option) Options {
	opts := DefaultOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithBaseThreads sets the number of workers kept alive.
func WithBaseThreads(n int) Option {
	return func(opts *Options) {
		opts.BaseThreads = n
	}
}

// WithResize sets the resize knobs.
func WithResize(r Resize) Option {
	return func(opts *Options) {
		opts.Resize = r
	}
}

// WithShutdownTimeout sets how long Shutdown waits for workers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.ShutdownTimeout = d
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func (r Resize) validate(base int) error {
	switch {
	case r.MaxThreads < 1:
		return errors.Wrapf(ErrInvalidOptions, "max threads %d", r.MaxThreads)
	case r.MaxThreads < base:
		return errors.Wrapf(ErrInvalidOptions, "max threads %d below base threads %d", r.MaxThreads, base)
	case r.GrowStep < 1 || r.ShrinkStep < 1:
		return errors.Wrapf(ErrInvalidOptions, "grow step %d, shrink step %d", r.GrowStep, r.ShrinkStep)
	case r.GrowPeriod < 0 || r.ShrinkPeriod < 0:
		return errors.Wrap(ErrInvalidOptions, "negative resize period")
	}
	return nil
}
