// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package netpoll holds the readiness multiplexers the reader loop can run
// on. Every backend builds watch-sets that are cleared and refilled once per
// poll cycle; the backend is therefore stateless and can be swapped between
// two cycles.
package netpoll

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Purpose is the kind of readiness a watch-set waits for.
type Purpose int

const (
	// Read waits for a descriptor to become readable (or acceptable).
	Read Purpose = iota
	// Write waits for a descriptor to become writable.
	Write
)

func (p Purpose) String() string {
	if p == Write {
		return "write"
	}
	return "read"
}

// Interval returns the fixed time a single Wait blocks for p.
// They are short so the reader loop gets back to its command queue often.
func (p Purpose) Interval() time.Duration {
	if p == Write {
		return WriteInterval
	}
	return ReadInterval
}

const (
	// ReadInterval bounds a Wait on a read-purpose watch-set.
	ReadInterval = 500 * time.Millisecond
	// WriteInterval bounds a Wait on a write-purpose watch-set.
	WriteInterval = time.Second

	// InitialCapacity is the number of slots a fresh watch-set holds before growing.
	InitialCapacity = 64
	// MaxEntries is the hard ceiling of descriptors for the poll and epoll backends.
	MaxEntries = 1 << 16
)

var (
	// ErrTimeout means no descriptor became ready within the purpose interval.
	ErrTimeout = errors.New("netpoll: wait timed out")
	// ErrInterrupted means the wait was interrupted by a signal and should be retried.
	ErrInterrupted = errors.New("netpoll: wait interrupted")
	// ErrWatchSetFull is returned by Add once the backend ceiling is reached.
	ErrWatchSetFull = errors.New("netpoll: watch-set is full")
	// ErrUnknownBackend is returned by Lookup for an unregistered name.
	ErrUnknownBackend = errors.New("netpoll: unknown backend")
)

// Callback receives one ready descriptor together with the value it was
// added with.
type Callback func(fd int, p Purpose, data interface{}) error

// Backend creates watch-sets of one multiplexing strategy.
type Backend interface {
	// Name is the key the backend is registered under.
	Name() string
	// Open creates a watch-set for p.
	Open(p Purpose) (WatchSet, error)
}

// WatchSet is the set of descriptors waited on during one poll cycle.
//
// Add failing is never fatal for the set: the caller drops the descriptor
// it tried to add and keeps going. Any Wait error other than ErrTimeout and
// ErrInterrupted is fatal.
type WatchSet interface {
	Purpose() Purpose
	// Clear forgets every descriptor so the set can be refilled.
	Clear() error
	// Add registers fd, data is handed back by Dispatch.
	Add(fd int, data interface{}) error
	// Wait blocks for at most Purpose().Interval() and returns the number
	// of ready descriptors. maxFD is the highest descriptor added.
	Wait(maxFD int) (int, error)
	// Close releases the set.
	Close() error
}

// Explicit is implemented by watch-sets whose readiness is queried
// descriptor by descriptor; the caller walks its own descriptor list.
type Explicit interface {
	IsSet(fd int) bool
}

// Dispatcher is implemented by watch-sets that remember which data every
// descriptor was added with and can call back once per ready descriptor.
type Dispatcher interface {
	// Dispatch invokes cb for the first n ready descriptors. It stops at
	// the first error cb returns.
	Dispatch(cb Callback, n int) error
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
)

// Register makes b available to Lookup under b.Name().
func Register(b Backend) {
	backendsMu.Lock()
	backends[b.Name()] = b
	backendsMu.Unlock()
}

// Lookup returns the backend registered as name.
func Lookup(name string) (Backend, error) {
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", name)
	}
	return b, nil
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	backendsMu.RLock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	backendsMu.RUnlock()
	sort.Strings(names)
	return names
}

// grow returns the next capacity for a set holding n entries, or -1 once
// limit is reached.
func grow(n, limit int) int {
	if n >= limit {
		return -1
	}
	c := n * 2
	if c < InitialCapacity {
		c = InitialCapacity
	}
	if c > limit {
		c = limit
	}
	return c
}
