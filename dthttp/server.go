// Package dthttp serves read-only monitoring views of a simulated cluster over HTTP,
// plus control of the load source.
package dthttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gordian-engine/dynthrottle/dtmetrics"
	"github.com/gordian-engine/dynthrottle/dtnode"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// ClusterView is the read-only cluster state served over HTTP.
type ClusterView interface {
	Snapshots() []dtnode.Snapshot
	FormationQueueLen() int
	LastRound() uint64
}

// LoadControl adjusts the load source at runtime.
type LoadControl interface {
	LargeTransactionPercent() int
	SetLargeTransactionPercent(int) error
}

// HTTPServer serves the monitoring routes until its context is cancelled.
type HTTPServer struct {
	done chan struct{}
}

// HTTPServerConfig configures NewHTTPServer.
// The server takes ownership of Listener.
type HTTPServerConfig struct {
	Listener net.Listener

	Cluster ClusterView

	// Optional. The /load routes are only registered when set.
	Load LoadControl

	// Optional. The /metrics route is only registered when set.
	Gatherer prometheus.Gatherer
}

// NewHTTPServer starts serving on cfg.Listener in the background.
// Request contexts derive from ctx, so in-flight handlers observe the simulation stopping.
func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

// Wait blocks until the server has stopped serving.
func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		// Listener failed before the simulation ended.
		return
	case <-ctx.Done():
		// Every route reads a point-in-time snapshot,
		// so there is no request worth draining once the simulation is over.
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("Monitoring server stopped")
		} else {
			log.Warn("Monitoring server stopped unexpectedly", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/nodes", handleNodes(log, cfg)).Methods("GET")
	r.HandleFunc("/nodes.arrow", handleNodesArrow(log, cfg)).Methods("GET")
	r.HandleFunc("/nodes/{id:[0-9]+}", handleNode(log, cfg)).Methods("GET")
	r.HandleFunc("/cluster", handleCluster(log, cfg)).Methods("GET")

	if cfg.Load != nil {
		r.HandleFunc("/load", handleGetLoad(log, cfg)).Methods("GET")
		r.HandleFunc("/load", handlePutLoad(log, cfg)).Methods("PUT")
	}

	if cfg.Gatherer != nil {
		r.Handle("/metrics", dtmetrics.Handler(cfg.Gatherer)).Methods("GET")
	}

	return r
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to marshal response", "err", err)
	}
}

func handleNodes(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(log, w, cfg.Cluster.Snapshots())
	}
}

func handleNodesArrow(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", ArrowContentType)
		if err := WriteSnapshots(w, cfg.Cluster.Snapshots()); err != nil {
			// Too late to change the status code.
			log.Warn("Failed to write node snapshots", "err", err)
		}
	}
}

func handleNode(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.Atoi(mux.Vars(req)["id"])
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid node ID: %v", err), http.StatusBadRequest)
			return
		}

		for _, s := range cfg.Cluster.Snapshots() {
			if s.ID == id {
				writeJSON(log, w, s)
				return
			}
		}

		http.Error(w, fmt.Sprintf("no node with ID %d", id), http.StatusNotFound)
	}
}

// ClusterSummary is the response body of GET /cluster.
type ClusterSummary struct {
	Nodes             int    `json:"nodes"`
	FormationQueueLen int    `json:"formation_queue_len"`
	LastRound         uint64 `json:"last_round"`

	// Mean of the per-node values.
	MeanHealthPercent       float64 `json:"mean_health_percent"`
	MeanQuorumHealthPercent float64 `json:"mean_quorum_health_percent"`
}

func handleCluster(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		snaps := cfg.Cluster.Snapshots()

		resp := ClusterSummary{
			Nodes:             len(snaps),
			FormationQueueLen: cfg.Cluster.FormationQueueLen(),
			LastRound:         cfg.Cluster.LastRound(),
		}
		if len(snaps) > 0 {
			for _, s := range snaps {
				resp.MeanHealthPercent += float64(s.HealthPercent)
				resp.MeanQuorumHealthPercent += float64(s.QuorumHealthPercent)
			}
			resp.MeanHealthPercent /= float64(len(snaps))
			resp.MeanQuorumHealthPercent /= float64(len(snaps))
		}

		writeJSON(log, w, resp)
	}
}

// LoadSettings is the request and response body of the /load routes.
type LoadSettings struct {
	LargeTransactionPercent int `json:"large_transaction_percent"`
}

func handleGetLoad(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(log, w, LoadSettings{
			LargeTransactionPercent: cfg.Load.LargeTransactionPercent(),
		})
	}
}

func handlePutLoad(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		var s LoadSettings
		if err := json.NewDecoder(req.Body).Decode(&s); err != nil {
			http.Error(w, fmt.Sprintf("invalid load settings: %v", err), http.StatusBadRequest)
			return
		}

		if err := cfg.Load.SetLargeTransactionPercent(s.LargeTransactionPercent); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		log.Info("Updated load settings", "large_transaction_percent", s.LargeTransactionPercent)
		writeJSON(log, w, s)
	}
}
