// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd"
	"github.com/ysyzqq/policyd/plugins/dnsbl"
)

// listFlag collects a repeatable or comma separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

type config struct {
	listen         listFlag
	backend        string
	lineLimit      int
	defaultVerdict string
	reusePort      bool
	keepAlive      time.Duration

	pool policyd.PoolOptions

	logLevel    string
	development bool

	accessTable string
	dnsblZones  listFlag
	dnsServers  listFlag
	dnsTimeout  time.Duration

	httpAddr   string
	statsEvery time.Duration

	dnsbl *dnsbl.Checker // set by newServer, released on exit
}

func parseFlags(args []string, output io.Writer) (*config, error) {
	cfg := &config{pool: policyd.DefaultPoolOptions()}
	fs := flag.NewFlagSet("policyd", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.Var(&cfg.listen, "listen", "listen address, tcp://host:port or unix:///path (repeatable)")
	fs.StringVar(&cfg.backend, "backend", policyd.DefaultBackend, "netpoll backend: select, poll or epoll")
	fs.IntVar(&cfg.lineLimit, "line-limit", policyd.DefaultLineLimit, "attribute lines allowed per connection")
	fs.StringVar(&cfg.defaultVerdict, "default-verdict", string(policyd.DefaultVerdict), "verdict when no handler decides")
	fs.BoolVar(&cfg.reusePort, "reuseport", false, "listen with SO_REUSEPORT")
	fs.DurationVar(&cfg.keepAlive, "tcp-keepalive", 0, "TCP keepalive period of accepted connections, 0 disables")

	fs.IntVar(&cfg.pool.BaseThreads, "workers", cfg.pool.BaseThreads, "base number of pool workers")
	fs.IntVar(&cfg.pool.MaxThreads, "max-workers", cfg.pool.MaxThreads, "maximum number of pool workers")
	fs.IntVar(&cfg.pool.GrowStep, "grow-step", cfg.pool.GrowStep, "workers added per grow")
	fs.DurationVar(&cfg.pool.GrowPeriod, "grow-period", cfg.pool.GrowPeriod, "minimum time between two grows")
	fs.IntVar(&cfg.pool.ShrinkStep, "shrink-step", cfg.pool.ShrinkStep, "workers stopped per shrink")
	fs.DurationVar(&cfg.pool.ShrinkPeriod, "shrink-period", cfg.pool.ShrinkPeriod, "minimum time between two shrinks")
	fs.BoolVar(&cfg.pool.AutoShrink, "auto-shrink", cfg.pool.AutoShrink, "stop idle workers above the base number")

	fs.StringVar(&cfg.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.BoolVar(&cfg.development, "log-dev", false, "human readable development logging")

	fs.StringVar(&cfg.accessTable, "access", "", "access table file, \"key action [message]\" lines")
	fs.Var(&cfg.dnsblZones, "dnsbl", "DNS blocklist zone (repeatable)")
	fs.Var(&cfg.dnsServers, "dns-server", "nameserver for blocklist lookups, default from /etc/resolv.conf")
	fs.DurationVar(&cfg.dnsTimeout, "dns-timeout", 2*time.Second, "blocklist lookup timeout per request")

	fs.StringVar(&cfg.httpAddr, "http", "", "metrics and control HTTP address, empty disables")
	fs.DurationVar(&cfg.statsEvery, "stats-interval", time.Minute, "period of the stats log line, 0 disables")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments %q", fs.Args())
	}
	if len(cfg.listen) == 0 {
		cfg.listen = listFlag{"tcp://127.0.0.1:10031"}
	}
	if v := policyd.Verdict(cfg.defaultVerdict); !v.Valid() {
		return nil, errors.Wrapf(policyd.ErrInvalidVerdict, "%q", v)
	}
	return cfg, nil
}
