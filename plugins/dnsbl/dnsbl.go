// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package dnsbl is a policy handler rejecting clients listed on DNS
// blocklists.
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd"
	"github.com/ysyzqq/policyd/internal/logging"
	"github.com/ysyzqq/policyd/pool/goroutine"
)

// DefaultTimeout bounds the lookups of one request.
const DefaultTimeout = 2 * time.Second

var (
	// ErrNoZones is returned by New without any zone to query.
	ErrNoZones = errors.New("dnsbl: no zones configured")
	// ErrNotFound is returned by a Resolver for NXDOMAIN.
	ErrNotFound = errors.New("dnsbl: name not found")
)

// Resolver looks up A records.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]net.IP, error)
}

// DNSResolver queries nameservers directly with miekg/dns.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver returns a resolver asking servers in order, the nameservers of
// /etc/resolv.conf when servers is empty.
func NewResolver(servers []string, timeout time.Duration) *DNSResolver {
	if len(servers) == 0 {
		servers = systemNameservers()
	}
	r := &DNSResolver{client: &dns.Client{Timeout: timeout}}
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		r.servers = append(r.servers, s)
	}
	return r
}

func systemNameservers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

// LookupA implements Resolver.
func (r *DNSResolver) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			var ips []net.IP
			for _, rr := range resp.Answer {
				if a, ok := rr.(*dns.A); ok {
					ips = append(ips, a.A)
				}
			}
			return ips, nil
		case dns.RcodeNameError:
			return nil, ErrNotFound
		default:
			lastErr = errors.Errorf("dnsbl: %s answered %s", server, dns.RcodeToString[resp.Rcode])
		}
	}
	return nil, errors.Wrapf(lastErr, "dnsbl: lookup %s", name)
}

// Option configures a Checker.
type Option func(c *Checker)

// WithResolver replaces the default miekg/dns resolver.
func WithResolver(r Resolver) Option {
	return func(c *Checker) {
		c.resolver = r
	}
}

// WithTimeout bounds the lookups of one request.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.timeout = d
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// Checker queries every zone for the client address of a request.
type Checker struct {
	zones    []string
	resolver Resolver
	timeout  time.Duration
	pool     *goroutine.Pool
	logger   logging.Logger
}

// New creates a checker for zones, e.g. "zen.spamhaus.org".
func New(zones []string, opts ...Option) (*Checker, error) {
	if len(zones) == 0 {
		return nil, ErrNoZones
	}
	c := &Checker{timeout: DefaultTimeout, logger: logging.Default()}
	for _, z := range zones {
		c.zones = append(c.zones, strings.TrimSuffix(strings.TrimSpace(z), "."))
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = NewResolver(nil, c.timeout)
	}
	p, err := goroutine.New(goroutine.DefaultPoolSize)
	if err != nil {
		return nil, err
	}
	c.pool = p
	return c, nil
}

// Release stops the lookup pool.
func (c *Checker) Release() {
	c.pool.Release()
}

type result struct {
	zone   int
	listed bool
}

// Handle rejects a client listed on any zone, reporting the first zone in
// configuration order. Clients without an IPv4 address, clients listed
// nowhere and lookup failures get the neutral verdict.
func (c *Checker) Handle(ctx context.Context, _ policyd.Conn, req *policyd.Request) (policyd.Verdict, string) {
	ip := net.ParseIP(req.ClientAddress).To4()
	if ip == nil {
		return policyd.Dunno, ""
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reversed := fmt.Sprintf("%d.%d.%d.%d", ip[3], ip[2], ip[1], ip[0])
	results := make(chan result, len(c.zones))
	pending := 0
	for i, zone := range c.zones {
		i, name := i, reversed+"."+zone
		err := c.pool.Submit(func() {
			ips, err := c.resolver.LookupA(ctx, name)
			if err != nil && err != ErrNotFound {
				c.logger.Debugf("dnsbl: %v", err)
			}
			results <- result{zone: i, listed: err == nil && listed(ips)}
		})
		if err != nil {
			c.logger.Warnf("dnsbl: skipping %s: %v", zone, err)
			continue
		}
		pending++
	}

	first := -1
collect:
	for ; pending > 0; pending-- {
		select {
		case r := <-results:
			if r.listed && (first < 0 || r.zone < first) {
				first = r.zone
			}
		case <-ctx.Done():
			break collect
		}
	}
	if first < 0 {
		return policyd.Dunno, ""
	}
	return policyd.Reject, fmt.Sprintf("Service unavailable; client [%s] blocked using %s", ip, c.zones[first])
}

// listed reports whether the answer holds a 127.0.0.0/8 return code, other
// answers are blocklist errors such as query refusals.
func listed(ips []net.IP) bool {
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil && ip4[0] == 127 {
			return true
		}
	}
	return false
}
