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
	"strings"
	"sync"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/internal/logging"
	"golang.org/x/sys/unix"
)

type listener struct {
	f             *os.File // 监听的文件
	fd            int
	ln            net.Listener // 内部的网络监听
	once          sync.Once
	lnaddr        net.Addr
	port          int // 0 for unix sockets
	addr, network string
}

// parseAddr splits tcp://host:port and unix:///path, a bare address is tcp.
func parseAddr(addr string) (network, address string) {
	network = "tcp"
	address = addr
	if i := strings.Index(addr, "://"); i >= 0 {
		network = strings.ToLower(addr[:i])
		address = addr[i+3:]
	}
	return
}

func initListener(network, addr string, reusePort bool) (*listener, error) {
	var (
		ln  net.Listener
		err error
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		if reusePort {
			ln, err = reuseport.Listen(network, addr)
		} else {
			ln, err = net.Listen(network, addr)
		}
	case "unix":
		sniffErrorAndLog(os.RemoveAll(addr))
		ln, err = net.Listen(network, addr)
	default:
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "%q", network)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s://%s", network, addr)
	}

	l := &listener{ln: ln, lnaddr: ln.Addr(), addr: addr, network: network}
	if ta, ok := l.lnaddr.(*net.TCPAddr); ok {
		l.port = ta.Port
	}
	if err = l.system(); err != nil {
		return nil, err
	}
	return l, nil
}

// system takes the net listener and detaches it from it's parent
// event loop, grabs the file descriptor, and makes it non-blocking.
// 同过go/net 初始化
func (ln *listener) system() error {
	var err error
	switch netln := ln.ln.(type) {
	case *net.TCPListener:
		ln.f, err = netln.File()
	case *net.UnixListener:
		ln.f, err = netln.File()
	default:
		err = errors.Errorf("unsupported listener type %T", netln)
	}
	if err != nil {
		ln.close()
		return errors.Wrap(err, "detach listener")
	}
	ln.fd = int(ln.f.Fd())
	return os.NewSyscallError("setnonblock", unix.SetNonblock(ln.fd, true))
}

func (ln *listener) close() {
	ln.once.Do(
		func() {
			if ln.f != nil {
				sniffErrorAndLog(ln.f.Close())
			}
			if ln.ln != nil {
				sniffErrorAndLog(ln.ln.Close())
			}
			if ln.network == "unix" {
				sniffErrorAndLog(os.RemoveAll(ln.addr))
			}
		})
}

func sniffErrorAndLog(err error) {
	if err != nil {
		logging.Default().Warnf("policyd: %v", err)
	}
}
