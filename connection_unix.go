// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package policyd

import (
	"net"
	"os"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/ysyzqq/policyd/internal/netpoll"
	"golang.org/x/sys/unix"
)

type connRole int

const (
	// roleMasterListener wraps a listening socket.
	roleMasterListener connRole = iota
	// roleAccepted wraps a socket accepted from a master listener.
	roleAccepted
)

// conn wraps one socket. The reader loop holds one reference for as long as
// it watches the socket, each in-flight dispatch task holds another; the
// socket is closed when the last one is released.
type conn struct {
	id         string
	fd         int
	role       connRole
	sa         unix.Sockaddr
	ln         *listener // accepting listener, its own listener for a master
	x          *exchange // protocol state, reader loop only
	refs       atomic.Int32
	closeFn    func(c *conn) error
	localAddr  net.Addr
	remoteAddr net.Addr
}

func newMasterConn(ln *listener) *conn {
	c := &conn{
		id:        ulid.Make().String(),
		fd:        ln.fd,
		role:      roleMasterListener,
		ln:        ln,
		closeFn:   closeListener,
		localAddr: ln.lnaddr,
	}
	c.refs.Store(1)
	return c
}

func newTCPConn(fd int, sa unix.Sockaddr, ln *listener, lineLimit int) *conn {
	c := &conn{
		id:         ulid.Make().String(),
		fd:         fd,
		role:       roleAccepted,
		sa:         sa,
		ln:         ln,
		x:          newExchange(lineLimit),
		closeFn:    closeSocket,
		localAddr:  ln.lnaddr,
		remoteAddr: netpoll.SockaddrToTCPOrUnixAddr(sa),
	}
	c.refs.Store(1)
	return c
}

func closeSocket(c *conn) error {
	return os.NewSyscallError("close", unix.Close(c.fd))
}

func closeListener(c *conn) error {
	c.ln.close()
	return nil
}

// ref takes one more reference on c.
func (c *conn) ref() {
	c.refs.Add(1)
}

// release drops one reference, closing the socket on the last one.
func (c *conn) release() error {
	switch n := c.refs.Add(-1); {
	case n == 0:
		return c.closeFn(c)
	case n < 0:
		panic("policyd: connection released more times than referenced")
	}
	return nil
}

// write sends buf with a single write. A write that would block is retried
// once after waiting for writability on a write-purpose watch-set of b.
func (c *conn) write(buf []byte, b netpoll.Backend) (int, error) {
	waited := false
	for {
		n, err := unix.Write(c.fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN && !waited:
			waited = true
			if err = waitWritable(b, c.fd); err != nil {
				return 0, err
			}
			continue
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// closeWrite half-closes the socket so the peer reads end-of-reply.
func (c *conn) closeWrite() error {
	return os.NewSyscallError("shutdown", unix.Shutdown(c.fd, unix.SHUT_WR))
}

// ================================= Conn seen by handlers =================================

func (c *conn) ID() string           { return c.id }
func (c *conn) LocalAddr() net.Addr  { return c.localAddr }
func (c *conn) RemoteAddr() net.Addr { return c.remoteAddr }
func (c *conn) ListenerPort() int    { return c.ln.port }
