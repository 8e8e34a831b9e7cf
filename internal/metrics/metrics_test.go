// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ysyzqq/policyd"
)

func sampleStats() policyd.Stats {
	return policyd.Stats{
		Backend:     "poll",
		Connections: 3,
		LineLimit:   40,
		Pool:        policyd.PoolStats{Running: 4, Waiting: 2, Pending: 1},
		Handlers: []policyd.HandlerStats{
			{Name: "access", Priority: 10, Port: -1, Timing: policyd.Timing{Calls: 7, Min: time.Millisecond, Max: 3 * time.Millisecond, Avg: 2 * time.Millisecond}},
			{Name: "dnsbl", Priority: 20, Port: 10031, Timing: policyd.Timing{Calls: 5}},
			{Name: "access", Priority: 10, Port: -1},
		},
	}
}

func TestCollectorCount(t *testing.T) {
	c := NewCollector(sampleStats)
	if n := testutil.CollectAndCount(c); n != 7+2*4 {
		t.Fatalf("collected %d metrics, want %d", n, 7+2*4)
	}
	if n := testutil.CollectAndCount(c, "policyd_handler_calls_total"); n != 2 {
		t.Fatalf("collected %d handler call series, want 2", n)
	}
}

func TestCollectorValues(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(sampleStats))
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				v = m.GetCounter().GetValue()
			}
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "," + lp.GetName() + "=" + lp.GetValue()
			}
			got[key] = v
		}
	}
	for key, want := range map[string]float64{
		"policyd_reader_backend_info,backend=poll":                         1,
		"policyd_reader_connections":                                       3,
		"policyd_reader_line_limit":                                        40,
		"policyd_pool_running_workers":                                     4,
		"policyd_pool_waiting_workers":                                     2,
		"policyd_pool_pending_tasks":                                       1,
		"policyd_handler_calls_total,handler=access,port=-1,priority=10":   7,
		"policyd_handler_calls_total,handler=dnsbl,port=10031,priority=20": 5,
		"policyd_handler_max_seconds,handler=access,port=-1,priority=10":   0.003,
	} {
		if got[key] != want {
			t.Errorf("%s = %v, want %v", key, got[key], want)
		}
	}
}
