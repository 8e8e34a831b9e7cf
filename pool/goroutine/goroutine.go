// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package goroutine gives handlers a bounded goroutine pool for blocking
// lookups, so a slow DNS server cannot pile up unbounded goroutines.
package goroutine

import (
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

const (
	// DefaultPoolSize is the capacity used when New is given a non-positive size.
	DefaultPoolSize = 1 << 10
	// ExpiryDuration is the interval after which idle pool workers are cleaned up.
	ExpiryDuration = 10 * time.Second
)

// Pool is the alias of ants.Pool.
type Pool = ants.Pool

// ErrPoolOverload is returned by Submit when every pool worker is busy.
var ErrPoolOverload = ants.ErrPoolOverload

// New instantiates a non-blocking pool: Submit fails fast with
// ErrPoolOverload instead of queueing behind busy workers.
func New(size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p, err := ants.NewPool(size, ants.WithOptions(ants.Options{
		ExpiryDuration: ExpiryDuration,
		Nonblocking:    true,
	}))
	if err != nil {
		return nil, errors.Wrap(err, "goroutine: new ants pool")
	}
	return p, nil
}
