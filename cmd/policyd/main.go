// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command policyd is a postfix policy delegation server.
//
//	policyd -listen tcp://127.0.0.1:10031 -access /etc/postfix/policyd.access \
//		-dnsbl zen.spamhaus.org -http 127.0.0.1:9110
//
// and in main.cf:
//
//	smtpd_recipient_restrictions = ... check_policy_service inet:127.0.0.1:10031
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ysyzqq/policyd"
	"github.com/ysyzqq/policyd/internal/logging"
	"github.com/ysyzqq/policyd/internal/metrics"
	"github.com/ysyzqq/policyd/plugins/access"
	"github.com/ysyzqq/policyd/plugins/dnsbl"
	"golang.org/x/sync/errgroup"
)

const (
	accessPriority = 10
	dnsblPriority  = 20
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "policyd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	logger, syncLogs, err := logging.New(cfg.logLevel, cfg.development)
	if err != nil {
		return err
	}
	defer func() { _ = syncLogs() }()

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.dnsbl != nil {
		defer cfg.dnsbl.Release()
	}
	if err = srv.Listen(cfg.listen...); err != nil {
		_ = srv.Stop()
		return err
	}
	if cfg.statsEvery > 0 {
		_, _ = srv.RegisterEvent(cfg.statsEvery, func() bool {
			logStats(logger, srv.Stats())
			return false
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if cfg.httpAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			metrics.NewCollector(srv.Stats),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		hs := &http.Server{
			Addr:              cfg.httpAddr,
			Handler:           newControlMux(srv, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("policyd: control endpoint on http://%s", cfg.httpAddr)
			if err := hs.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	return g.Wait()
}

// newServer builds the server and registers the handlers cfg enables.
func newServer(cfg *config, logger logging.Logger) (*policyd.Server, error) {
	pool := cfg.pool
	pool.Logger = logger
	srv, err := policyd.NewServer(
		policyd.WithBackend(cfg.backend),
		policyd.WithLineLimit(cfg.lineLimit),
		policyd.WithDefaultVerdict(policyd.Verdict(cfg.defaultVerdict)),
		policyd.WithReusePort(cfg.reusePort),
		policyd.WithTCPKeepAlive(cfg.keepAlive),
		policyd.WithPoolOptions(pool),
		policyd.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	if cfg.accessTable != "" {
		t, err := access.LoadFile(cfg.accessTable)
		if err != nil {
			_ = srv.Stop()
			return nil, err
		}
		logger.Infof("policyd: loaded %d access entries from %s", t.Len(), cfg.accessTable)
		if err = srv.Register("access", t, accessPriority, policyd.AnyPort); err != nil {
			_ = srv.Stop()
			return nil, err
		}
	}
	if len(cfg.dnsblZones) > 0 {
		chk, err := dnsbl.New(cfg.dnsblZones,
			dnsbl.WithResolver(dnsbl.NewResolver(cfg.dnsServers, cfg.dnsTimeout)),
			dnsbl.WithTimeout(cfg.dnsTimeout),
			dnsbl.WithLogger(logger))
		if err != nil {
			_ = srv.Stop()
			return nil, err
		}
		cfg.dnsbl = chk
		if err = srv.Register("dnsbl", chk, dnsblPriority, policyd.AnyPort); err != nil {
			_ = srv.Stop()
			return nil, err
		}
	}
	return srv, nil
}

func logStats(logger logging.Logger, st policyd.Stats) {
	logger.Infof("policyd: backend=%s connections=%d workers=%d waiting=%d pending=%d calls=%d avg=%v",
		st.Backend, st.Connections, st.Pool.Running, st.Pool.Waiting, st.Pool.Pending,
		st.Overall.Calls, st.Overall.Avg)
	for _, h := range st.Handlers {
		logger.Debugf("policyd: handler %s priority=%d calls=%d min=%v max=%v avg=%v",
			h.Name, h.Priority, h.Calls, h.Min, h.Max, h.Avg)
	}
}
