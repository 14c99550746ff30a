// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sonukartik/net-distribution-notifier/poll"
)

// Poller interface for triggering scans.
type Poller interface {
	Run(ctx context.Context) (*poll.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	logger *slog.Logger

	mu   sync.Mutex
	last *runStatus
}

// runStatus is the outcome of the most recent scan, shown on /.
type runStatus struct {
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Records    int       `json:"records"`
	Error      string    `json:"error,omitempty"`
}

type pollRecord struct {
	Issuer    string `json:"issuer"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	Timestamp string `json:"timestamp"`
	Value     string `json:"value"`
}

type pollResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Total   string       `json:"total,omitempty"`
	Records []pollRecord `json:"records"`
}

// New creates a new HTTP server handler.
func New(poller Poller, logger *slog.Logger) *Server {
	return &Server{
		poller: poller,
		logger: logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // A scan can take a while
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	body := map[string]any{"service": "net-distribution-notifier"}
	if last != nil {
		body["last_run"] = last
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	result, err := s.poller.Run(r.Context())
	if errors.Is(err, poll.ErrBusy) {
		http.Error(w, "Scan already in progress", http.StatusConflict)
		return
	}
	s.record(result, err)
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	resp := pollResponse{
		Status:  "completed",
		Message: result.StatusLine(),
		Records: []pollRecord{},
	}
	if result.Report != nil {
		resp.Total = result.Report.Total.String()
	}
	for _, rec := range result.Records {
		resp.Records = append(resp.Records, pollRecord{
			Issuer:    rec.Issuer,
			MessageID: rec.MessageID,
			Subject:   rec.Subject,
			Timestamp: rec.Timestamp.Format(time.RFC3339),
			Value:     rec.Value,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) record(result *poll.Result, err error) {
	st := &runStatus{FinishedAt: time.Now().UTC()}
	if err != nil {
		st.Status = "failed"
		st.Error = err.Error()
	} else {
		st.Status = result.StatusLine()
		st.Records = len(result.Records)
	}
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
