// Package admin serves the status endpoints of a running watch: Prometheus
// metrics, a liveness probe and a JSON snapshot of the connection.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenilsonani/imap-engine/internal/logging"
)

// Stats is the snapshot served on /api/stats.
type Stats struct {
	Address           string    `json:"address"`
	Mailbox           string    `json:"mailbox"`
	Connected         bool      `json:"connected"`
	Breaker           string    `json:"breaker"`
	Reconnects        int       `json:"reconnects"`
	EventsSeen        int64     `json:"events_seen"`
	EventsDropped     int64     `json:"events_dropped"`
	TranscriptWritten int64     `json:"transcript_written"`
	TranscriptDropped int64     `json:"transcript_dropped"`
	StartedAt         time.Time `json:"started_at"`
	Uptime            string    `json:"uptime"`
}

// StatsFunc returns the current snapshot.
type StatsFunc func() Stats

// Server handles the status endpoints
type Server struct {
	stats      StatsFunc
	gatherer   prometheus.Gatherer
	logger     *logging.Logger
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a status server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(stats StatsFunc, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		stats:    stats,
		gatherer: gatherer,
		logger:   logger.CLI().WithFields("server", "status"),
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	return mux
}

// Start binds listen and serves in the background. It returns the bound
// address, which differs from listen when the port is 0.
func (s *Server) Start(listen string) (string, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return "", err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("Starting status server", "listen", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped", "error", err.Error())
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown gracefully stops the status server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) snapshot() Stats {
	var st Stats
	if s.stats != nil {
		st = s.stats()
	}
	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}
	return st
}

// handleHealth reports 200 while connected and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.snapshot().Connected {
		http.Error(w, "disconnected", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

// handleStats returns the snapshot as JSON
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to encode stats", err)
	}
}
