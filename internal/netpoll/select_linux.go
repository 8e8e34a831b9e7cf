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

// SelectSetSize is the descriptor limit of an fd_set, FD_SETSIZE in C.
const SelectSetSize = 1024

func init() {
	Register(selectBackend{})
}

// selectBackend is the plain poll-all strategy built on select(2).
// Its sets are Explicit: the caller asks IsSet for every descriptor it owns.
type selectBackend struct{}

func (selectBackend) Name() string { return "select" }

func (selectBackend) Open(p Purpose) (WatchSet, error) {
	return &selectSet{purpose: p, maxFD: -1}, nil
}

type selectSet struct {
	purpose Purpose
	watched unix.FdSet
	ready   unix.FdSet
	maxFD   int
}

func (s *selectSet) Purpose() Purpose { return s.purpose }

func (s *selectSet) Clear() error {
	s.watched.Zero()
	s.ready.Zero()
	s.maxFD = -1
	return nil
}

func (s *selectSet) Add(fd int, _ interface{}) error {
	if fd < 0 || fd >= SelectSetSize {
		return errors.Wrapf(ErrWatchSetFull, "select: fd %d beyond FD_SETSIZE", fd)
	}
	s.watched.Set(fd)
	if fd > s.maxFD {
		s.maxFD = fd
	}
	return nil
}

func (s *selectSet) Wait(maxFD int) (int, error) {
	if s.maxFD > maxFD {
		maxFD = s.maxFD
	}
	s.ready = s.watched
	tv := unix.NsecToTimeval(s.purpose.Interval().Nanoseconds())
	var (
		n   int
		err error
	)
	if s.purpose == Write {
		n, err = unix.Select(maxFD+1, nil, &s.ready, nil, &tv)
	} else {
		n, err = unix.Select(maxFD+1, &s.ready, nil, nil, &tv)
	}
	return waitResult("select", n, err)
}

func (s *selectSet) IsSet(fd int) bool {
	return fd >= 0 && fd < SelectSetSize && s.ready.IsSet(fd)
}

func (s *selectSet) Close() error {
	return s.Clear()
}
