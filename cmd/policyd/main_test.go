// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ysyzqq/policyd"
	"github.com/ysyzqq/policyd/client"
	"github.com/ysyzqq/policyd/internal/logging"
	"github.com/ysyzqq/policyd/internal/metrics"
	"github.com/ysyzqq/policyd/internal/netpoll"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-listen", "tcp://127.0.0.1:10031,unix:///tmp/policyd.sock",
		"-listen", "tcp://127.0.0.1:10032",
		"-backend", "poll",
		"-default-verdict", "defer_if_permit",
		"-max-workers", "32",
		"-grow-period", "250ms",
		"-dnsbl", "zen.example.org",
		"-dnsbl", "bl.example.net",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.listen) != 3 || cfg.listen[1] != "unix:///tmp/policyd.sock" {
		t.Fatalf("listen = %v", cfg.listen)
	}
	if cfg.backend != "poll" || cfg.defaultVerdict != "defer_if_permit" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.pool.MaxThreads != 32 || cfg.pool.GrowPeriod != 250*time.Millisecond {
		t.Fatalf("pool = %+v", cfg.pool)
	}
	if cfg.pool.BaseThreads != policyd.DefaultPoolOptions().BaseThreads {
		t.Fatalf("base threads = %d", cfg.pool.BaseThreads)
	}
	if len(cfg.dnsblZones) != 2 {
		t.Fatalf("dnsbl = %v", cfg.dnsblZones)
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.listen) != 1 || cfg.backend != policyd.DefaultBackend || cfg.lineLimit != policyd.DefaultLineLimit {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err = parseFlags([]string{"-default-verdict", "perhaps"}, io.Discard); errors.Cause(err) != policyd.ErrInvalidVerdict {
		t.Fatalf("err = %v", err)
	}
	if _, err = parseFlags([]string{"stray"}, io.Discard); err == nil {
		t.Fatal("accepted a positional argument")
	}
}

type fakeController struct {
	backend string
	err     error
}

func (f *fakeController) SwitchBackend(name string) error {
	if _, err := netpoll.Lookup(name); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.backend = name
	return nil
}

func (f *fakeController) Stats() policyd.Stats {
	return policyd.Stats{Backend: f.backend, LineLimit: 40, DefaultVerdict: policyd.Dunno}
}

func TestControlMux(t *testing.T) {
	ctl := &fakeController{backend: "epoll"}
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(ctl.Stats))
	srv := httptest.NewServer(newControlMux(ctl, reg))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/backend?name=poll", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || ctl.backend != "poll" {
		t.Fatalf("status = %d, backend = %s", resp.StatusCode, ctl.backend)
	}

	resp, err = http.Post(srv.URL+"/backend?name=kqueue", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown backend: status = %d", resp.StatusCode)
	}

	ctl.err = policyd.ErrNotServing
	resp, err = http.Post(srv.URL+"/backend?name=select", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("not serving: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/backend?name=poll")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /backend: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var st policyd.Stats
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil || st.Backend != "poll" || st.LineLimit != 40 {
		t.Fatalf("stats = %+v, err = %v", st, err)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `policyd_reader_backend_info{backend="poll"} 1`) {
		t.Fatalf("metrics body:\n%s", body)
	}
}

func TestControlMuxSwitchesRunningServer(t *testing.T) {
	cfg, err := parseFlags([]string{"-backend", "epoll", "-default-verdict", "defer_if_permit"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := newServer(cfg, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err = srv.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(srv.Stats))
	hs := httptest.NewServer(newControlMux(srv, reg))
	defer hs.Close()
	cli := client.New(srv.Addrs()[0].String(), client.WithTimeout(5*time.Second))

	time.Sleep(50 * time.Millisecond)
	for _, name := range []string{"select", "poll", "epoll"} {
		resp, err := http.Post(hs.URL+"/backend?name="+name, "text/plain", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("switch to %s: status = %d", name, resp.StatusCode)
		}
		if got := srv.Stats().Backend; got != name {
			t.Fatalf("backend = %s, want %s", got, name)
		}
		reply, err := cli.Query(context.Background(), client.Attr{Key: "sender", Value: "a@b.com"})
		if err != nil {
			t.Fatalf("query after switching to %s: %v", name, err)
		}
		if reply.Verdict != policyd.DeferIfPermit {
			t.Fatalf("after switching to %s: reply = %s", name, reply)
		}
	}
}
