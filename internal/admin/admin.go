// Package admin exposes the small HTTP introspection surface described by
// SUPPLEMENTED FEATURES #3: health, Prometheus metrics, and a read-only
// JSON snapshot of connection/store counts. It is not a query engine over
// trace data.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ConnectionCounter reports how many producer and GUI sockets are
// currently open. internal/server.Server satisfies this.
type ConnectionCounter interface {
	ProducerConnections() int64
	GUIConnections() int64
}

// StoreCounter reports the live store's row count. internal/store.Store
// satisfies this.
type StoreCounter interface {
	CountTraceEntries(ctx context.Context) (int64, error)
}

// Server serves the admin surface on its own listener, independent of the
// producer and GUI listeners (internal/server.Server) so that a stuck
// admin request never blocks trace ingestion or fan-out.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
}

// New builds an admin Server bound to addr. conns and stores may be nil,
// in which case /debug/stats reports zero for the fields they would have
// supplied.
func New(addr string, conns ConnectionCounter, stores StoreCounter, logger *logrus.Logger) *Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/debug/stats", statsHandler(conns, stores, logger)).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: router},
		router:     router,
		logger:     logger,
	}
}

// Handler returns the router directly, used by tests to exercise routes
// over httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statsResponse struct {
	Timestamp           int64  `json:"timestamp"`
	ProducerConnections int64  `json:"producer_connections"`
	GUIConnections      int64  `json:"gui_connections"`
	LiveTraceEntries    int64  `json:"live_trace_entries"`
	StoreError          string `json:"store_error,omitempty"`
}

func statsHandler(conns ConnectionCounter, stores StoreCounter, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{Timestamp: time.Now().Unix()}

		if conns != nil {
			resp.ProducerConnections = conns.ProducerConnections()
			resp.GUIConnections = conns.GUIConnections()
		}

		if stores != nil {
			count, err := stores.CountTraceEntries(r.Context())
			if err != nil {
				resp.StoreError = err.Error()
				if logger != nil {
					logger.WithError(err).Warn("admin: failed to count live trace entries")
				}
			} else {
				resp.LiveTraceEntries = count
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.WithError(err).Error("admin server error")
			}
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
