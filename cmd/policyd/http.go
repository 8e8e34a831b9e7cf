// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ysyzqq/policyd"
	"github.com/ysyzqq/policyd/internal/netpoll"
)

// controller is the part of policyd.Server the HTTP endpoints drive.
type controller interface {
	SwitchBackend(name string) error
	Stats() policyd.Stats
}

// newControlMux serves /metrics from reg, /stats as JSON and
// POST /backend?name=<backend>.
func newControlMux(ctl controller, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ctl.Stats())
	})
	mux.HandleFunc("/backend", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("name")
		switch err := ctl.SwitchBackend(name); {
		case err == nil:
			_, _ = w.Write([]byte(name + "\n"))
		case errors.Cause(err) == netpoll.ErrUnknownBackend:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	})
	return mux
}
