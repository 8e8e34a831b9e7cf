// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package metrics exports server statistics to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ysyzqq/policyd"
)

const namespace = "policyd"

// Collector implements prometheus.Collector over a stats snapshot taken on
// every scrape.
type Collector struct {
	stats func() policyd.Stats

	backend     *prometheus.Desc
	connections *prometheus.Desc
	lineLimit   *prometheus.Desc

	poolRunning *prometheus.Desc
	poolWaiting *prometheus.Desc
	poolPending *prometheus.Desc
	poolJoining *prometheus.Desc

	handlerCalls *prometheus.Desc
	handlerMin   *prometheus.Desc
	handlerMax   *prometheus.Desc
	handlerAvg   *prometheus.Desc
}

// NewCollector creates a collector reading from stats, usually Server.Stats.
func NewCollector(stats func() policyd.Stats) *Collector {
	handler := []string{"handler", "priority", "port"}
	return &Collector{
		stats: stats,
		backend: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "reader", "backend_info"),
			"Netpoll backend the reader loop runs on.",
			[]string{"backend"}, nil),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "reader", "connections"),
			"Accepted connections currently watched.",
			nil, nil),
		lineLimit: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "reader", "line_limit"),
			"Attribute lines allowed per connection.",
			nil, nil),
		poolRunning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "running_workers"),
			"Workers in the pool.",
			nil, nil),
		poolWaiting: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "waiting_workers"),
			"Workers blocked on the work queue.",
			nil, nil),
		poolPending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "pending_tasks"),
			"Queued work items not picked up by a worker.",
			nil, nil),
		poolJoining: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "joining_workers"),
			"Workers that left the pool and were not joined yet.",
			nil, nil),
		handlerCalls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "handler", "calls_total"),
			"Handler invocations.",
			handler, nil),
		handlerMin: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "handler", "min_seconds"),
			"Fastest handler invocation.",
			handler, nil),
		handlerMax: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "handler", "max_seconds"),
			"Slowest handler invocation.",
			handler, nil),
		handlerAvg: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "handler", "avg_seconds"),
			"Average handler invocation time.",
			handler, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.backend, c.connections, c.lineLimit,
		c.poolRunning, c.poolWaiting, c.poolPending, c.poolJoining,
		c.handlerCalls, c.handlerMin, c.handlerMax, c.handlerAvg,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()

	ch <- prometheus.MustNewConstMetric(c.backend, prometheus.GaugeValue, 1, st.Backend)
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(st.Connections))
	ch <- prometheus.MustNewConstMetric(c.lineLimit, prometheus.GaugeValue, float64(st.LineLimit))

	ch <- prometheus.MustNewConstMetric(c.poolRunning, prometheus.GaugeValue, float64(st.Pool.Running))
	ch <- prometheus.MustNewConstMetric(c.poolWaiting, prometheus.GaugeValue, float64(st.Pool.Waiting))
	ch <- prometheus.MustNewConstMetric(c.poolPending, prometheus.GaugeValue, float64(st.Pool.Pending))
	ch <- prometheus.MustNewConstMetric(c.poolJoining, prometheus.GaugeValue, float64(st.Pool.Joining))

	seen := make(map[[3]string]bool, len(st.Handlers))
	for _, h := range st.Handlers {
		labels := [3]string{h.Name, strconv.Itoa(h.Priority), strconv.Itoa(h.Port)}
		// 同名同优先级同端口只导出第一个
		if seen[labels] {
			continue
		}
		seen[labels] = true
		ch <- prometheus.MustNewConstMetric(c.handlerCalls, prometheus.CounterValue, float64(h.Calls), labels[:]...)
		ch <- prometheus.MustNewConstMetric(c.handlerMin, prometheus.GaugeValue, h.Min.Seconds(), labels[:]...)
		ch <- prometheus.MustNewConstMetric(c.handlerMax, prometheus.GaugeValue, h.Max.Seconds(), labels[:]...)
		ch <- prometheus.MustNewConstMetric(c.handlerAvg, prometheus.GaugeValue, h.Avg.Seconds(), labels[:]...)
	}
}
