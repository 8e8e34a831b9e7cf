// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policyd

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

const sampleRequest = "request=smtpd_access_policy\n" +
	"protocol_state=RCPT\n" +
	"protocol_name=ESMTP\n" +
	"client_address=192.0.2.7\n" +
	"client_name=mx.example.org\n" +
	"reverse_client_name=mx.example.org\n" +
	"helo_name=mx.example.org\n" +
	"sender=a@b.com\n" +
	"recipient=c@d.com\n" +
	"recipient_count=1\n" +
	"size=12345\n" +
	"unknown_key=ignored\n" +
	"\n"

// feedChunks feeds data in pieces of size n and collects submitted requests.
func feedChunks(t *testing.T, x *exchange, data string, n int) ([]*Request, bool, error) {
	t.Helper()
	var reqs []*Request
	submit := func(r *Request) { reqs = append(reqs, r) }
	for len(data) > 0 {
		k := n
		if k > len(data) {
			k = len(data)
		}
		probe, err := x.feed([]byte(data[:k]), submit)
		if probe || err != nil {
			return reqs, probe, err
		}
		data = data[k:]
	}
	return reqs, false, nil
}

func TestExchangeIndependentOfChunking(t *testing.T) {
	for n := 1; n <= len(sampleRequest); n++ {
		x := newExchange(DefaultLineLimit)
		reqs, probe, err := feedChunks(t, x, sampleRequest, n)
		if err != nil || probe {
			t.Fatalf("chunk %d: probe=%v err=%v", n, probe, err)
		}
		if len(reqs) != 1 {
			t.Fatalf("chunk %d: got %d requests, want 1", n, len(reqs))
		}
		r := reqs[0]
		if r.Request != "smtpd_access_policy" || r.Sender != "a@b.com" || r.Recipient != "c@d.com" {
			t.Fatalf("chunk %d: unexpected request %+v", n, r)
		}
		if r.ProtocolState != "RCPT" || r.ReverseClient != "mx.example.org" {
			t.Fatalf("chunk %d: unexpected request %+v", n, r)
		}
		if r.RecipientCount != 1 || r.Size != 12345 {
			t.Fatalf("chunk %d: recipient_count=%d size=%d", n, r.RecipientCount, r.Size)
		}
		x.release()
	}
}

func TestExchangeSplitMidLine(t *testing.T) {
	x := newExchange(DefaultLineLimit)
	var got *Request
	submit := func(r *Request) { got = r }
	for _, chunk := range []string{"sen", "der=a@b.com\n", "\n"} {
		if _, err := x.feed([]byte(chunk), submit); err != nil {
			t.Fatalf("feed %q: %v", chunk, err)
		}
	}
	if got == nil || got.Sender != "a@b.com" {
		t.Fatalf("sender = %+v, want a@b.com", got)
	}
}

func TestExchangeLineLimit(t *testing.T) {
	x := newExchange(40)
	_, _, err := feedChunks(t, x, strings.Repeat("x=1\n", 40), 7)
	if err != nil {
		t.Fatalf("40 lines: %v", err)
	}
	_, _, err = feedChunks(t, x, "x=1\n", 4)
	if errors.Cause(err) != ErrProtocolViolation || err != ErrTooManyLines {
		t.Fatalf("41st line: err = %v, want ErrTooManyLines", err)
	}
}

func TestExchangeCheckServer(t *testing.T) {
	x := newExchange(DefaultLineLimit)
	reqs, probe, err := feedChunks(t, x, "checkserver\nsender=ignored\n\n", 64)
	if err != nil || !probe {
		t.Fatalf("probe=%v err=%v, want probe", probe, err)
	}
	if len(reqs) != 0 || x.req != nil {
		t.Fatalf("checkserver must not create a request")
	}
}

func TestExchangeMalformedLines(t *testing.T) {
	for _, line := range []string{"novalue\n", "=value\n", "a=b=c\n"} {
		x := newExchange(DefaultLineLimit)
		if _, _, err := feedChunks(t, x, line, 64); err != ErrMalformedLine {
			t.Fatalf("%q: err = %v, want ErrMalformedLine", line, err)
		}
	}
	x := newExchange(DefaultLineLimit)
	if _, _, err := feedChunks(t, x, "empty_value=\n", 64); err != nil {
		t.Fatalf("empty value: %v", err)
	}
}

func TestExchangeLineTooLong(t *testing.T) {
	long := "sender=" + strings.Repeat("a", lineBufferSize) + "\n"
	for _, n := range []int{1, 100, len(long)} {
		x := newExchange(DefaultLineLimit)
		if _, _, err := feedChunks(t, x, long, n); err != ErrLineTooLong {
			t.Fatalf("chunk %d: err = %v, want ErrLineTooLong", n, err)
		}
		x.release()
	}
	x := newExchange(DefaultLineLimit)
	fits := "sender=" + strings.Repeat("a", lineBufferSize-len("sender=")-1) + "\n\n"
	reqs, _, err := feedChunks(t, x, fits, 300)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("longest line: reqs=%d err=%v", len(reqs), err)
	}
}

func TestExchangeSecondEndMarker(t *testing.T) {
	x := newExchange(DefaultLineLimit)
	reqs, _, err := feedChunks(t, x, "sender=a@b.com\n\nsender=x@y.z\n\n", 64)
	if err != ErrDuplicateEnd {
		t.Fatalf("err = %v, want ErrDuplicateEnd", err)
	}
	if len(reqs) != 1 || reqs[0].Sender != "a@b.com" {
		t.Fatalf("first request must be submitted untouched, got %+v", reqs)
	}
}

func TestExchangeStripsCarriageReturn(t *testing.T) {
	x := newExchange(DefaultLineLimit)
	reqs, _, err := feedChunks(t, x, "sender=a@b.com\r\n\r\n", 3)
	if err != nil || len(reqs) != 1 || reqs[0].Sender != "a@b.com" {
		t.Fatalf("reqs=%+v err=%v", reqs, err)
	}
}

func TestExchangeEmptyRequest(t *testing.T) {
	x := newExchange(DefaultLineLimit)
	reqs, _, err := feedChunks(t, x, "\n", 1)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("reqs=%d err=%v", len(reqs), err)
	}
}
