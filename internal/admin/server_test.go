package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenilsonani/imap-engine/internal/logging"
)

func testServer(st Stats) *Server {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_events_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)
	return NewServer(func() Stats { return st }, reg, logging.Discard())
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		want      int
	}{
		{"connected", true, http.StatusOK},
		{"disconnected", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testServer(Stats{Connected: tt.connected}).Handler()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Errorf("GET /healthz = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStats(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	h := testServer(Stats{
		Address:    "imap.example.com:993",
		Mailbox:    "INBOX",
		Connected:  true,
		Breaker:    "closed",
		EventsSeen: 7,
		StartedAt:  started,
	}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/stats = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got.Mailbox != "INBOX" || got.EventsSeen != 7 || got.Breaker != "closed" {
		t.Errorf("stats = %+v", got)
	}
	if got.Uptime == "" {
		t.Error("uptime should be set when StartedAt is known")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/stats = %d, want 405", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	h := testServer(Stats{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_events_total 3") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestStartShutdown(t *testing.T) {
	s := testServer(Stats{Connected: true})
	addr, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("GET /healthz = %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	if err := NewServer(nil, nil, nil).Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
