// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package dnsbl

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/ysyzqq/policyd"
	"github.com/ysyzqq/policyd/internal/logging"
)

type fakeResolver struct {
	mu      sync.Mutex
	records map[string][]net.IP
	asked   []string
}

func (r *fakeResolver) LookupA(_ context.Context, name string) ([]net.IP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asked = append(r.asked, name)
	ips, ok := r.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return ips, nil
}

func newChecker(t *testing.T, r Resolver, zones ...string) *Checker {
	t.Helper()
	c, err := New(zones, WithResolver(r), WithLogger(logging.Nop()), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Release)
	return c
}

func TestHandle(t *testing.T) {
	r := &fakeResolver{records: map[string][]net.IP{
		"7.2.0.192.bl.one.test": {net.IPv4(127, 0, 0, 2)},
		"7.2.0.192.bl.two.test": {net.IPv4(127, 0, 0, 4)},
		"9.2.0.192.bl.two.test": {net.IPv4(127, 0, 0, 2)},
		"8.2.0.192.bl.one.test": {net.IPv4(10, 0, 0, 1)},
	}}
	c := newChecker(t, r, "bl.one.test.", "bl.two.test")

	for _, tc := range []struct {
		client  string
		verdict policyd.Verdict
		msg     string
	}{
		{"192.0.2.7", policyd.Reject, "Service unavailable; client [192.0.2.7] blocked using bl.one.test"},
		{"192.0.2.9", policyd.Reject, "Service unavailable; client [192.0.2.9] blocked using bl.two.test"},
		{"192.0.2.8", policyd.Dunno, ""},
		{"192.0.2.10", policyd.Dunno, ""},
		{"2001:db8::1", policyd.Dunno, ""},
		{"unknown", policyd.Dunno, ""},
	} {
		v, msg := c.Handle(context.Background(), nil, &policyd.Request{ClientAddress: tc.client})
		if v != tc.verdict || msg != tc.msg {
			t.Errorf("%s: Handle = %q %q, want %q %q", tc.client, v, msg, tc.verdict, tc.msg)
		}
	}
}

func TestNewWithoutZones(t *testing.T) {
	if _, err := New(nil); err != ErrNoZones {
		t.Fatalf("New = %v, want ErrNoZones", err)
	}
}

// startDNS serves A records for the names in records on a loopback UDP port.
func startDNS(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			if ip, ok := records[q.Name]; ok && q.Qtype == dns.TypeA {
				rr, _ := dns.NewRR(q.Name + " 60 IN A " + ip)
				m.Answer = append(m.Answer, rr)
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startDNS(t, map[string]string{"2.0.0.127.zen.test.": "127.0.0.2"})
	r := NewResolver([]string{addr}, time.Second)

	ips, err := r.LookupA(context.Background(), "2.0.0.127.zen.test")
	if err != nil || len(ips) != 1 || !ips[0].Equal(net.IPv4(127, 0, 0, 2)) {
		t.Fatalf("LookupA = %v, %v", ips, err)
	}
	if _, err = r.LookupA(context.Background(), "3.0.0.127.zen.test"); err != ErrNotFound {
		t.Fatalf("LookupA of unlisted name = %v, want ErrNotFound", err)
	}

	c := newChecker(t, r, "zen.test")
	v, msg := c.Handle(context.Background(), nil, &policyd.Request{ClientAddress: "127.0.0.2"})
	if v != policyd.Reject || msg != "Service unavailable; client [127.0.0.2] blocked using zen.test" {
		t.Fatalf("Handle = %q %q", v, msg)
	}
}
