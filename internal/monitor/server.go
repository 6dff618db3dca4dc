package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Server serves the monitor's HTTP API:
//
//	GET  /health                       200 when healthy, 503 otherwise
//	GET  /agents                       full report
//	GET  /agents/{id}                  one agent
//	POST /agents/{id}/breaker/reset    close an agent's breaker
//	GET  /metrics                      Prometheus exposition
type Server struct {
	monitor      *Monitor
	metrics      *metrics.Metrics
	heartbeats   *heartbeat.Store
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewServer creates a server. pollInterval drives the heartbeat watcher's
// fallback poll.
func NewServer(mon *Monitor, m *metrics.Metrics, heartbeats *heartbeat.Store, pollInterval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		monitor:      mon,
		metrics:      m,
		heartbeats:   heartbeats,
		pollInterval: pollInterval,
		logger:       logger.Named("monitor"),
	}
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	r.Get("/agents", s.listAgents)
	r.Get("/agents/{id}", s.getAgent)
	r.Post("/agents/{id}/breaker/reset", s.resetBreaker)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Run serves on addr and watches the heartbeat directory until ctx is
// canceled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("monitor listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.heartbeats != nil {
		watcher := heartbeat.NewWatcher(s.heartbeats, s.pollInterval, s.monitor.Refresh, s.logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	return g.Wait()
}

type healthResponse struct {
	Status      string    `json:"status"`
	CheckedAt   time.Time `json:"checkedAt"`
	Agents      int       `json:"agents"`
	Stuck       int       `json:"stuck"`
	OpenBreaker int       `json:"openBreakers"`
	SpendRatio  float64   `json:"spendRatio"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Report(r.Context())
	if err != nil {
		s.logger.Error("building report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report_failed", err.Error())
		return
	}
	stuck, open := report.Counts()
	resp := healthResponse{
		Status:      "ok",
		CheckedAt:   report.CheckedAt,
		Agents:      len(report.Agents),
		Stuck:       stuck,
		OpenBreaker: open,
		SpendRatio:  report.SpendRatio,
	}
	status := http.StatusOK
	if !report.Healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Report(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "report_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Report(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "report_failed", err.Error())
		return
	}
	row, ok := report.Agent(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.monitor.ResetBreaker(r.Context(), id); err != nil {
		if errors.Is(err, admission.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, "not_found", "unknown agent")
			return
		}
		writeError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	s.logger.Info("breaker reset via monitor", zap.String("agent", id))
	writeJSON(w, http.StatusOK, map[string]string{"agent": id, "breaker": "closed"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
