// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policyd

import (
	"bytes"

	"github.com/ysyzqq/policyd/pool/bytebuffer"
)

const (
	// lineBufferSize bounds one attribute line, carry-over included.
	lineBufferSize = 2048

	checkServerLine  = "checkserver"
	checkServerReply = "I'm running right"
)

// exchange is the protocol state of one accepted connection: the partial
// line carried between two reads, the line counter and the request being
// assembled. Only the reader loop touches it.
type exchange struct {
	carry     *bytebuffer.ByteBuffer
	lines     int
	limit     int
	submitted bool
	req       *Request
}

func newExchange(limit int) *exchange {
	return &exchange{limit: limit}
}

// feed consumes bytes read from the socket. submit receives the request
// when the end-of-request marker is seen; from then on the request belongs
// to the caller. feed reports probe when the peer sent the checkserver line,
// bytes following it are not looked at.
func (x *exchange) feed(p []byte, submit func(*Request)) (probe bool, err error) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if x.carried()+len(p) >= lineBufferSize {
				return false, ErrLineTooLong
			}
			if x.carry == nil {
				x.carry = bytebuffer.Get()
			}
			_, _ = x.carry.Write(p)
			return false, nil
		}

		line := p[:i]
		if n := x.carried(); n > 0 {
			if n+i >= lineBufferSize {
				return false, ErrLineTooLong
			}
			_, _ = x.carry.Write(line)
			line = x.carry.B
		} else if i >= lineBufferSize {
			return false, ErrLineTooLong
		}
		p = p[i+1:]

		probe, err = x.line(line, submit)
		if x.carry != nil {
			x.carry.Reset()
		}
		if probe || err != nil {
			return
		}
	}
	return false, nil
}

func (x *exchange) line(line []byte, submit func(*Request)) (probe bool, err error) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) == 0 {
		if x.submitted {
			return false, ErrDuplicateEnd
		}
		x.submitted = true
		req := x.req
		if req == nil {
			req = new(Request)
		}
		x.req = nil
		submit(req)
		return false, nil
	}
	if string(line) == checkServerLine {
		return true, nil
	}

	x.lines++
	if x.lines > x.limit {
		return false, ErrTooManyLines
	}
	eq := bytes.IndexByte(line, '=')
	if eq <= 0 || bytes.IndexByte(line[eq+1:], '=') >= 0 {
		return false, ErrMalformedLine
	}
	if x.req == nil {
		x.req = new(Request)
	}
	x.req.Set(string(line[:eq]), string(line[eq+1:]))
	return false, nil
}

func (x *exchange) carried() int {
	if x.carry == nil {
		return 0
	}
	return x.carry.Len()
}

// release returns the carry-over buffer to the pool.
func (x *exchange) release() {
	bytebuffer.Put(x.carry)
	x.carry = nil
	x.req = nil
}
