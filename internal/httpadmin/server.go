// SPDX-License-Identifier: AGPL-3.0-or-later
// Federation - peer-to-peer ring overlay substrate
// Copyright (C) 2026 Federation Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package httpadmin is the node's introspection surface: health,
// Prometheus metrics, a JSON ring dump, and optional pprof. Kept on
// net/http directly since it is a handful of read-only endpoints with
// no routing, middleware, or rendering complexity to justify a web
// framework.
package httpadmin

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overlaymesh/federation/internal/config"
	"github.com/overlaymesh/federation/internal/federation/ring"
)

// Server is the admin HTTP surface for one node.
type Server struct {
	http *http.Server
}

// partnerView is the JSON shape of one partner in the ring dump.
type partnerView struct {
	ID       string `json:"id"`
	Phase    string `json:"phase"`
	Address  string `json:"address"`
	Instance int64  `json:"instance"`
}

// ringView is the JSON shape of a ring dump.
type ringView struct {
	SelfID     string        `json:"self_id"`
	Complete   bool          `json:"complete"`
	Count      int           `json:"count"`
	Neighbors  []partnerView `json:"neighbors"`
	RangeBegin string        `json:"range_begin"`
	RangeEnd   string        `json:"range_end"`
}

// New constructs the admin server bound to cfg.Admin.Bind, dumping r's
// state on /ring.
func New(cfg *config.Admin, selfID string, r *ring.Ring, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/ring", func(w http.ResponseWriter, req *http.Request) {
		hood, rng := r.GetHood()
		view := ringView{
			SelfID:     selfID,
			Complete:   r.IsComplete(),
			Count:      r.Count(),
			RangeBegin: rng.Begin.String(),
			RangeEnd:   rng.End.String(),
		}
		for _, p := range hood {
			view.Neighbors = append(view.Neighbors, partnerView{
				ID:       p.ID().String(),
				Phase:    p.Phase().String(),
				Address:  p.TransportAddr(),
				Instance: p.Instance().Counter,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	if cfg.PProf {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	const readHeaderTimeout = 3 * time.Second
	return &Server{
		http: &http.Server{
			Addr:              cfg.Bind,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	return s.http.Close()
}
