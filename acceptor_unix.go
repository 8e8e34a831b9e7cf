// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package policyd

import (
	"os"
	"time"

	"github.com/ysyzqq/policyd/internal/netpoll"
	"golang.org/x/sys/unix"
)

// loopAccept takes one pending connection off master m.
// 只有监听fd本身失效时才返回错误, 其它情况记录日志后继续轮询
func (el *eventloop) loopAccept(m *conn) error {
	nfd, sa, err := unix.Accept(m.fd) // 返回os提供的sock地址和对应的fd
	switch err {
	case nil:
	case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
		return nil
	case unix.EBADF, unix.EINVAL, unix.ENOTSOCK:
		return os.NewSyscallError("accept", err)
	default:
		el.logger.Warnf("policyd: accept on %v: %v", m.localAddr, err)
		return nil
	}
	if err = unix.SetNonblock(nfd, true); err != nil {
		el.logger.Warnf("policyd: setnonblock fd %d: %v", nfd, err)
		_ = unix.Close(nfd)
		return nil
	}
	if ka := el.svr.opts.TCPKeepAlive; ka > 0 && m.ln.port != 0 {
		if err = netpoll.SetKeepAlive(nfd, int(ka/time.Second)); err != nil {
			el.logger.Debugf("policyd: fd %d: %v", nfd, err)
		}
	}

	c := newTCPConn(nfd, sa, m.ln, el.svr.lineLimit())
	el.connections[nfd] = c
	el.svr.connCount.Add(1)
	el.logger.Debugf("policyd: conn %s accepted from %v on %v", c.id, c.remoteAddr, c.localAddr)
	return nil
}
