// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package access

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd"
)

const table = `
# clients
192.0.2.7            reject blocked by policy
mx.trusted.example   ok

# senders
spammer@example.net  reject
example.org          554 no mail from example.org
example.co.uk        defer_if_permit try later

# recipients
postmaster@local.test ok
`

func load(t *testing.T) *Table {
	t.Helper()
	tb, err := Load(strings.NewReader(table))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tb
}

func TestLoad(t *testing.T) {
	if n := load(t).Len(); n != 6 {
		t.Fatalf("Len = %d, want 6", n)
	}
	if _, err := Load(strings.NewReader("lonely-key\n")); errors.Cause(err) != ErrSyntax {
		t.Fatalf("missing action: %v", err)
	}
	if _, err := Load(strings.NewReader("key maybe\n")); errors.Cause(err) != policyd.ErrInvalidVerdict {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestHandle(t *testing.T) {
	tb := load(t)
	for _, tc := range []struct {
		name    string
		req     policyd.Request
		verdict policyd.Verdict
		msg     string
	}{
		{"client address", policyd.Request{ClientAddress: "192.0.2.7", Sender: "a@example.org"}, policyd.Reject, "blocked by policy"},
		{"client name", policyd.Request{ClientAddress: "198.51.100.1", ClientName: "MX.Trusted.Example."}, policyd.OK, ""},
		{"sender address", policyd.Request{Sender: "Spammer@Example.NET"}, policyd.Reject, ""},
		{"sender domain", policyd.Request{Sender: "bob@example.org"}, "554", "no mail from example.org"},
		{"organizational domain", policyd.Request{Sender: "bob@mail.eu.example.co.uk"}, policyd.DeferIfPermit, "try later"},
		{"recipient", policyd.Request{Sender: "x@y.test", Recipient: "postmaster@local.test"}, policyd.OK, ""},
		{"no match", policyd.Request{ClientAddress: "203.0.113.9", Sender: "a@b.test", Recipient: "c@d.test"}, policyd.Dunno, ""},
		{"null sender", policyd.Request{Sender: ""}, policyd.Dunno, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			v, msg := tb.Handle(context.Background(), nil, &req)
			if v != tc.verdict || msg != tc.msg {
				t.Fatalf("Handle = %q %q, want %q %q", v, msg, tc.verdict, tc.msg)
			}
		})
	}
}
