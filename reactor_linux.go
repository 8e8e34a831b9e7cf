// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package policyd

import (
	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/internal/netpoll"
)

// loopReady services the n descriptors the last Wait reported ready.
// Backends that enumerate ready entries dispatch directly; select is
// scanned with IsSet over the listeners and connections.
func (el *eventloop) loopReady(n int) error {
	if d, ok := el.ws.(netpoll.Dispatcher); ok {
		return d.Dispatch(el.handleEvent, n)
	}
	e, ok := el.ws.(netpoll.Explicit)
	if !ok {
		return errors.Errorf("%s watch-set can neither dispatch nor test descriptors", el.backend.Name())
	}
	// 先处理监听fd, 新连接在下一轮才会被加入监听集合
	for _, m := range el.masters {
		if n == 0 {
			return nil
		}
		if e.IsSet(m.fd) {
			n--
			if err := el.handleEvent(m.fd, netpoll.Read, m); err != nil {
				return err
			}
		}
	}
	ready := make([]*conn, 0, n)
	for fd, c := range el.connections {
		if len(ready) == n {
			break
		}
		if e.IsSet(fd) {
			ready = append(ready, c)
		}
	}
	for _, c := range ready {
		if err := el.handleEvent(c.fd, netpoll.Read, c); err != nil {
			return err
		}
	}
	return nil
}

func (el *eventloop) handleEvent(fd int, _ netpoll.Purpose, data interface{}) error {
	c, _ := data.(*conn)
	if c == nil {
		return nil
	}
	if c.role == roleMasterListener {
		return el.loopAccept(c)
	}
	// 本轮已被关闭的连接
	if el.connections[fd] != c {
		return nil
	}
	return el.loopRead(c)
}

// waitWritable blocks one write interval until fd accepts more bytes.
func waitWritable(b netpoll.Backend, fd int) error {
	ws, err := b.Open(netpoll.Write)
	if err != nil {
		return err
	}
	defer func() { _ = ws.Close() }()
	if err = ws.Add(fd, nil); err != nil {
		return err
	}
	for {
		if _, err = ws.Wait(fd); err != netpoll.ErrInterrupted {
			return err
		}
	}
}
