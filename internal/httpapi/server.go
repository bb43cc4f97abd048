// Package httpapi exposes the HTTP routes of the service. Handlers publish
// through the publish façade; publish failures are logged and dropped.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agbruneau/apibus/internal/logging"
	"github.com/agbruneau/apibus/internal/metrics"
	"github.com/agbruneau/apibus/pkg/models"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Greeting is the payload published on every GET /.
const Greeting = "Hello from the API!"

const maxBodyBytes = 1 << 20

// Publisher is the publish façade as seen by the handlers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishJSON(ctx context.Context, topic string, v any) error
}

// StatusFunc reports the bootstrap state name and whether it is Ready.
type StatusFunc func() (state string, ready bool)

// Config names the topics written by the handlers.
type Config struct {
	GreetingTopic string
	LogTopic      string
}

// Server holds the handlers and their collaborators.
type Server struct {
	pub    Publisher
	cfg    Config
	status StatusFunc
	clock  *models.EventClock
	logger *zap.Logger
	router *mux.Router
}

// New builds the router. status may be nil, in which case /healthz always
// reports ready.
func New(pub Publisher, cfg Config, status StatusFunc, logger *zap.Logger) *Server {
	if status == nil {
		status = func() (string, bool) { return "Ready", true }
	}
	s := &Server{
		pub:    pub,
		cfg:    cfg,
		status: status,
		clock:  models.NewEventClock(nil),
		logger: logging.OrNop(logger),
	}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.metricsMiddleware)

	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/hello/{name}", s.handleHello).Methods(http.MethodGet)
	router.HandleFunc("/log-test", s.handleLogTest).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router = router
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if err := s.pub.Publish(r.Context(), s.cfg.GreetingTopic, []byte(Greeting)); err != nil {
		s.logger.Error("Greeting publish failed", zap.String("topic", s.cfg.GreetingTopic), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Hello World"})
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Hello " + name})
}

// handleLogTest publishes a LogEvent describing the request itself.
func (s *Server) handleLogTest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.logger.Warn("Request body read failed", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	requestID := models.NewRequestID()
	resp := map[string]string{"status": "logged", "requestId": requestID}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Encoding failed")
		return
	}

	ev := models.LogEvent{
		Timestamp:    s.clock.Now(),
		Method:       r.Method,
		Path:         r.URL.Path,
		ClientIP:     clientIP(r),
		StatusCode:   http.StatusOK,
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000,
		RequestID:    requestID,
		RequestBody:  string(body),
		ResponseBody: string(respJSON),
	}
	if err := s.pub.PublishJSON(r.Context(), s.cfg.LogTopic, ev); err != nil {
		s.logger.Error("Log event publish failed",
			zap.String("topic", s.cfg.LogTopic),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state, ready := s.status()
	if !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

