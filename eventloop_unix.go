// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package policyd

import (
	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/internal/logging"
	"github.com/ysyzqq/policyd/internal/netpoll"
	"github.com/ysyzqq/policyd/internal/queue"
	"golang.org/x/sys/unix"
)

// command is posted to the reader loop from other goroutines.
type command interface{ isCommand() }

type (
	// cmdSuspend parks the reader loop until cmdResume or cmdShutdown.
	// The loop closes its watch-set and acknowledges on eventloop.suspended.
	cmdSuspend struct{}
	// cmdResume reopens the watch-set on the current backend.
	cmdResume struct{}
	// cmdShutdown stops the reader loop, closing every socket it owns.
	cmdShutdown struct{}
)

func (cmdSuspend) isCommand()  {}
func (cmdResume) isCommand()   {}
func (cmdShutdown) isCommand() {}

// eventloop is the single reader loop. It owns the listeners, the accepted
// sockets and their protocol state; nothing else touches them.
type eventloop struct {
	svr         *server               // server in loop server的引用
	backend     netpoll.Backend       // swapped only while suspended
	ws          netpoll.WatchSet      // read-purpose watch-set of backend
	commands    *queue.Queue[command] // 控制命令
	suspended   chan struct{}         // acknowledges cmdSuspend
	packet      []byte                // read packet buffer
	masters     []*conn               // listening sockets
	connections map[int]*conn         // loop connections fd -> conn 连接
	logger      logging.Logger
}

func newEventloop(svr *server, b netpoll.Backend) *eventloop {
	el := &eventloop{
		svr:         svr,
		backend:     b,
		commands:    queue.New[command](),
		suspended:   make(chan struct{}, 1),
		packet:      make([]byte, lineBufferSize),
		connections: make(map[int]*conn),
		logger:      svr.logger,
	}
	for _, ln := range svr.lns {
		el.masters = append(el.masters, newMasterConn(ln))
	}
	return el
}

func (el *eventloop) closeAllConns() {
	// Close loops and all outstanding connections
	for _, c := range el.connections {
		el.loopCloseConn(c, nil)
	}
	for _, m := range el.masters {
		_ = m.release()
	}
	el.masters = nil
	if el.ws != nil {
		sniffErrorAndLog(el.ws.Close())
		el.ws = nil
	}
}

func (el *eventloop) openWatchSet() (err error) {
	if el.ws, err = el.backend.Open(netpoll.Read); err != nil {
		return errors.Wrapf(err, "open %s watch-set", el.backend.Name())
	}
	return nil
}

// loopRun polls until shut down or until the backend fails.
// errServerShutdown is the regular exit.
func (el *eventloop) loopRun() (err error) {
	defer el.closeAllConns()

	if err = el.openWatchSet(); err != nil {
		return
	}
	for {
		if err = el.loopCommands(); err != nil {
			return
		}
		el.svr.pool.AutoResize()

		var n int
		n, err = el.loopPoll()
		switch err {
		case nil:
		case netpoll.ErrTimeout, netpoll.ErrInterrupted:
			continue
		default:
			el.logger.Errorf("policyd: %s backend failed: %v", el.backend.Name(), err)
			return
		}
		if err = el.loopReady(n); err != nil {
			el.logger.Errorf("policyd: reader loop exits with error: %v", err)
			return
		}
	}
}

// loopCommands drains the command queue without blocking, except while
// suspended.
func (el *eventloop) loopCommands() error {
	for {
		cmd, ok := el.commands.TryPop()
		if !ok {
			return nil
		}
		switch cmd.(type) {
		case cmdShutdown:
			return errServerShutdown
		case cmdSuspend:
			sniffErrorAndLog(el.ws.Close())
			el.ws = nil
			el.suspended <- struct{}{}
		park:
			for {
				switch el.commands.Pop().(type) {
				case cmdResume:
					if err := el.openWatchSet(); err != nil {
						return err
					}
					break park
				case cmdShutdown:
					return errServerShutdown
				}
			}
		}
	}
}

// loopPoll refills the watch-set with the listeners and every watched
// connection, then waits one purpose interval.
func (el *eventloop) loopPoll() (int, error) {
	if err := el.ws.Clear(); err != nil {
		return 0, err
	}
	maxFD := -1
	for _, m := range el.masters {
		if err := el.ws.Add(m.fd, m); err != nil {
			el.logger.Warnf("policyd: cannot watch listener %v: %v", m.localAddr, err)
			continue
		}
		if m.fd > maxFD {
			maxFD = m.fd
		}
	}
	for fd, c := range el.connections {
		if err := el.ws.Add(fd, c); err != nil {
			el.logger.Warnf("policyd: dropping conn %s: %v", c.id, err)
			el.loopCloseConn(c, err)
			continue
		}
		if fd > maxFD {
			maxFD = fd
		}
	}
	return el.ws.Wait(maxFD)
}

// 从el里的一个连接中读取数据
func (el *eventloop) loopRead(c *conn) error {
	var (
		n   int
		err error
	)
	for {
		if n, err = unix.Read(c.fd, el.packet); err != unix.EINTR {
			break
		}
	}
	switch {
	case err == unix.EAGAIN: // 没有数据可以读取
		return nil
	case err != nil, n == 0: // 异常或对端关闭
		el.loopCloseConn(c, err)
		return nil
	}

	probe, err := c.x.feed(el.packet[:n], func(req *Request) { el.submit(c, req) })
	if err != nil {
		el.logger.Warnf("policyd: conn %s from %v: %v", c.id, c.remoteAddr, err)
		el.loopCloseConn(c, err)
		return nil
	}
	if probe {
		el.loopProbe(c)
	}
	return nil
}

// loopProbe answers a checkserver line and drops the connection.
func (el *eventloop) loopProbe(c *conn) {
	if _, err := c.write([]byte(checkServerReply), el.backend); err != nil {
		el.logger.Debugf("policyd: conn %s: checkserver reply: %v", c.id, err)
	}
	el.loopCloseConn(c, nil)
}

// submit hands a complete request to the worker pool. The task holds its
// own reference on c so the socket outlives the reader dropping it.
func (el *eventloop) submit(c *conn, req *Request) {
	req.ListenerPort = c.ln.port
	c.ref()
	if !el.svr.pool.Submit(func() {
		defer func() { _ = c.release() }()
		el.svr.serveRequest(c, req)
	}) {
		el.logger.Warnf("policyd: conn %s: request dropped, worker pool is shut down", c.id)
		_ = c.release()
	}
}

// 关闭el里的连接
func (el *eventloop) loopCloseConn(c *conn, err error) {
	if el.connections[c.fd] != c {
		return
	}
	delete(el.connections, c.fd)
	el.svr.connCount.Add(-1)
	c.x.release()
	if cerr := c.release(); cerr != nil {
		el.logger.Warnf("policyd: conn %s: %v", c.id, cerr)
	}
	if err != nil {
		el.logger.Debugf("policyd: conn %s closed: %v", c.id, err)
	} else {
		el.logger.Debugf("policyd: conn %s closed", c.id)
	}
}
