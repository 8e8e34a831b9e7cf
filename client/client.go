// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package client talks the policy delegation protocol to a policy server,
// the way the MTA does.
package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/smallnest/goframe"
	"github.com/ysyzqq/policyd"
)

// DefaultTimeout bounds one exchange.
const DefaultTimeout = 10 * time.Second

const (
	checkServerLine  = "checkserver\n"
	checkServerReply = "I'm running right"
)

var (
	// ErrNoReply is returned when the server closed without an action line.
	ErrNoReply = errors.New("client: connection closed without reply")
	// ErrBadReply is returned for a reply line not starting with action=.
	ErrBadReply = errors.New("client: malformed reply")
	// ErrProbeFailed is returned by Probe for an unexpected answer.
	ErrProbeFailed = errors.New("client: unexpected checkserver answer")
)

// Attr is one request attribute, sent as key=value.
type Attr struct {
	Key, Value string
}

// Reply is the server answer to a request.
type Reply struct {
	Verdict policyd.Verdict
	Message string
}

func (r Reply) String() string {
	if r.Message == "" {
		return "action=" + string(r.Verdict)
	}
	return "action=" + string(r.Verdict) + " " + r.Message
}

// ParseReply parses an "action=<verdict>[ message]" line.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "action=") {
		return Reply{}, errors.Wrapf(ErrBadReply, "%q", line)
	}
	line = line[len("action="):]
	v, msg, _ := strings.Cut(line, " ")
	if v == "" {
		return Reply{}, errors.Wrapf(ErrBadReply, "%q", line)
	}
	return Reply{Verdict: policyd.Verdict(v), Message: msg}, nil
}

// Client opens one connection per exchange.
type Client struct {
	network, addr string
	timeout       time.Duration
	dialer        net.Dialer
}

// Option configures a Client.
type Option func(c *Client)

// WithTimeout bounds every exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New returns a client for addr, either tcp://host:port, unix:///path or a
// bare host:port.
func New(addr string, opts ...Option) *Client {
	c := &Client{network: "tcp", addr: addr, timeout: DefaultTimeout}
	if i := strings.Index(addr, "://"); i >= 0 {
		c.network, c.addr = strings.ToLower(addr[:i]), addr[i+3:]
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, errors.Wrap(err, "client: dial")
	}
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return conn, nil
}

// Probe sends the checkserver line and verifies the liveness answer.
func (c *Client) Probe(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err = io.WriteString(conn, checkServerLine); err != nil {
		return errors.Wrap(err, "client: write")
	}
	b, err := io.ReadAll(conn)
	if err != nil {
		return errors.Wrap(err, "client: read")
	}
	if string(b) != checkServerReply {
		return errors.Wrapf(ErrProbeFailed, "%q", b)
	}
	return nil
}

// Query sends attrs as one request and returns the decision.
func (c *Client) Query(ctx context.Context, attrs ...Attr) (Reply, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Reply{}, err
	}
	fc := goframe.NewLineBasedFrameConn(conn)
	defer fc.Close()

	var buf bytes.Buffer
	for _, a := range attrs {
		buf.WriteString(a.Key)
		buf.WriteByte('=')
		buf.WriteString(a.Value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err = conn.Write(buf.Bytes()); err != nil {
		return Reply{}, errors.Wrap(err, "client: write")
	}

	for {
		frame, err := fc.ReadFrame()
		line := strings.TrimRight(string(frame), "\r\n")
		if line != "" {
			return ParseReply(line)
		}
		if err == io.EOF {
			return Reply{}, ErrNoReply
		}
		if err != nil {
			return Reply{}, errors.Wrap(err, "client: read")
		}
	}
}

// ParseAttrs turns key=value arguments into attributes.
func ParseAttrs(args []string) ([]Attr, error) {
	attrs := make([]Attr, 0, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("client: %q is not key=value", arg)
		}
		attrs = append(attrs, Attr{Key: k, Value: v})
	}
	return attrs, nil
}
