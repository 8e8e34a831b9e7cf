// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netpoll

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	Register(epollBackend{})
}

// epollBackend is built on epoll(7), level triggered.
type epollBackend struct{}

func (epollBackend) Name() string { return "epoll" }

func (epollBackend) Open(p Purpose) (WatchSet, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollSet{
		purpose: p,
		epfd:    epfd,
		events:  make([]unix.EpollEvent, InitialCapacity),
		data:    make(map[int]interface{}, InitialCapacity),
	}, nil
}

type epollSet struct {
	purpose Purpose
	epfd    int
	events  []unix.EpollEvent
	data    map[int]interface{} // fd -> value passed to Add
}

func (s *epollSet) Purpose() Purpose { return s.purpose }

// Clear closes and recreates the epoll instance: descriptors added during
// the previous cycle and no longer tracked must not stay registered in the
// kernel.
func (s *epollSet) Clear() error {
	if s.epfd >= 0 {
		_ = unix.Close(s.epfd)
		s.epfd = -1
	}
	clear(s.data)
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("epoll_create1", err)
	}
	s.epfd = epfd
	return nil
}

func (s *epollSet) Add(fd int, data interface{}) error {
	n := len(s.data)
	if n >= MaxEntries {
		return errors.Wrapf(ErrWatchSetFull, "epoll: %d entries", n)
	}
	var events uint32 = unix.EPOLLIN | unix.EPOLLRDHUP
	if s.purpose == Write {
		events = unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil && err != unix.EEXIST {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	s.data[fd] = data
	if len(s.data) > len(s.events) {
		if c := grow(len(s.events), MaxEntries); c > 0 {
			s.events = make([]unix.EpollEvent, c)
		}
	}
	return nil
}

func (s *epollSet) Wait(int) (int, error) {
	n, err := unix.EpollWait(s.epfd, s.events, int(s.purpose.Interval().Milliseconds()))
	return waitResult("epoll_wait", n, err)
}

func (s *epollSet) Dispatch(cb Callback, n int) error {
	if n > len(s.events) {
		n = len(s.events)
	}
	for i := 0; i < n; i++ {
		fd := int(s.events[i].Fd)
		if err := cb(fd, s.purpose, s.data[fd]); err != nil {
			return err
		}
	}
	return nil
}

func (s *epollSet) Close() error {
	clear(s.data)
	if s.epfd < 0 {
		return nil
	}
	err := unix.Close(s.epfd)
	s.epfd = -1
	return os.NewSyscallError("close", err)
}
