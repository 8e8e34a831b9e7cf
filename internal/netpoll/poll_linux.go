// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netpoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	Register(pollBackend{})
}

// pollBackend is built on poll(2). The pollfd array is kept between cycles
// and only truncated by Clear.
type pollBackend struct{}

func (pollBackend) Name() string { return "poll" }

func (pollBackend) Open(p Purpose) (WatchSet, error) {
	return &pollSet{
		purpose: p,
		fds:     make([]unix.PollFd, 0, InitialCapacity),
		data:    make([]interface{}, 0, InitialCapacity),
	}, nil
}

type pollSet struct {
	purpose Purpose
	fds     []unix.PollFd
	data    []interface{}
}

func (s *pollSet) Purpose() Purpose { return s.purpose }

func (s *pollSet) Clear() error {
	for i := range s.data {
		s.data[i] = nil
	}
	s.fds = s.fds[:0]
	s.data = s.data[:0]
	return nil
}

func (s *pollSet) Add(fd int, data interface{}) error {
	if n := len(s.fds); n == cap(s.fds) {
		c := grow(n, MaxEntries)
		if c < 0 {
			return errors.Wrapf(ErrWatchSetFull, "poll: %d entries", n)
		}
		fds := make([]unix.PollFd, n, c)
		copy(fds, s.fds)
		s.fds = fds
		d := make([]interface{}, n, c)
		copy(d, s.data)
		s.data = d
	}
	var events int16 = unix.POLLIN
	if s.purpose == Write {
		events = unix.POLLOUT
	}
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: events})
	s.data = append(s.data, data)
	return nil
}

func (s *pollSet) Wait(int) (int, error) {
	n, err := unix.Poll(s.fds, int(s.purpose.Interval().Milliseconds()))
	return waitResult("poll", n, err)
}

func (s *pollSet) Dispatch(cb Callback, n int) error {
	for i := 0; i < len(s.fds) && n > 0; i++ {
		if s.fds[i].Revents == 0 {
			continue
		}
		n--
		if err := cb(int(s.fds[i].Fd), s.purpose, s.data[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *pollSet) Close() error {
	_ = s.Clear()
	s.fds, s.data = nil, nil
	return nil
}
