// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package policyd implements an SMTP access policy daemon speaking the
// postfix policy delegation protocol.
//
// The MTA opens a connection, streams key=value lines ended by an empty line
// and reads back one "action=<verdict> [message]" line. A single reader loop
// multiplexes every socket through a swappable netpoll backend (select, poll
// or epoll) and hands finished requests to an elastic worker pool, which runs
// the registered handlers in priority order and writes the reply.
package policyd

import (
	"context"
	"net"
	"strings"
)

// Verdict is the action a handler decides on, written as action=<verdict>.
type Verdict string

// Verdicts understood by postfix access(5). Dunno is the neutral verdict:
// it passes the request on to the next handler.
const (
	OK            Verdict = "ok"
	Dunno         Verdict = "dunno"
	Reject        Verdict = "reject"
	Defer         Verdict = "defer"
	DeferIfPermit Verdict = "defer_if_permit"
	DeferIfReject Verdict = "defer_if_reject"
	Discard       Verdict = "discard"
	Hold          Verdict = "hold"
	Prepend       Verdict = "prepend"
	Redirect      Verdict = "redirect"
	Warn          Verdict = "warn"
	Filter        Verdict = "filter"
	Info          Verdict = "info"
)

// Neutral reports whether v lets dispatch continue with the next handler.
func (v Verdict) Neutral() bool {
	return v == "" || strings.EqualFold(string(v), string(Dunno))
}

// Valid reports whether v is a known action or a numeric 4xx/5xx code.
func (v Verdict) Valid() bool {
	switch Verdict(strings.ToLower(string(v))) {
	case OK, Dunno, Reject, Defer, DeferIfPermit, DeferIfReject, Discard,
		Hold, Prepend, Redirect, Warn, Filter, Info:
		return true
	}
	s := string(v)
	if len(s) != 3 || (s[0] != '4' && s[0] != '5') {
		return false
	}
	return s[1] >= '0' && s[1] <= '9' && s[2] >= '0' && s[2] <= '9'
}

// Handler priorities: MinPriority runs first.
const (
	MinPriority = 1
	MaxPriority = 32768

	// AnyPort registers a handler for every listener port.
	AnyPort = -1
)

// Conn is the read-only view of a connection handed to handlers.
// Handlers never write to the socket, the dispatch engine owns the reply.
type Conn interface {
	// ID is a unique, sortable connection id used in logs.
	ID() string
	// LocalAddr is the listener address the connection was accepted on.
	LocalAddr() net.Addr
	// RemoteAddr is the address of the MTA.
	RemoteAddr() net.Addr
	// ListenerPort is the port of the accepting listener, 0 for unix sockets.
	ListenerPort() int
}

// Handler decides on a request. Returning the neutral verdict passes the
// request on to the next handler. Handlers are called sequentially for one
// request but concurrently across requests, and are expected to return
// within a bounded time.
type Handler interface {
	Handle(ctx context.Context, c Conn, req *Request) (Verdict, string)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(ctx context.Context, c Conn, req *Request) (Verdict, string)

// Handle calls f(ctx, c, req).
func (f HandlerFunc) Handle(ctx context.Context, c Conn, req *Request) (Verdict, string) {
	return f(ctx, c, req)
}
