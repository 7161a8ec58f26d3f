package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/consilium-dev/consilium/internal/handler"
	"github.com/consilium-dev/consilium/internal/ledger"
	"github.com/consilium-dev/consilium/internal/metrics"
	"github.com/consilium-dev/consilium/internal/reconcile"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	EnableHealth  bool          `json:"enable_health"`
	WebhookSecret string        `json:"-"`
}

// HTTPServer serves the webhook endpoint and the read API
type HTTPServer struct {
	config     *ServerConfig
	server     *http.Server
	router     *mux.Router
	handler    *handler.Handler
	ledger     *ledger.Ledger
	reconciler *reconcile.Reconciler
	auditor    *reconcile.Auditor
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(
	config *ServerConfig,
	h *handler.Handler,
	l *ledger.Ledger,
	reconciler *reconcile.Reconciler,
	auditor *reconcile.Auditor,
	m *metrics.Metrics,
) *HTTPServer {
	server := &HTTPServer{
		config:     config,
		handler:    h,
		ledger:     l,
		reconciler: reconciler,
		auditor:    auditor,
		metrics:    m,
		logger:     utils.GetLogger(),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	s.router.HandleFunc("/webhook/github", s.webhookHandler).Methods("POST")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
	}

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
		api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	}

	api.HandleFunc("/balances", s.balancesHandler).Methods("GET")
	api.HandleFunc("/leaderboard", s.leaderboardHandler).Methods("GET")
	api.HandleFunc("/entries/{num:[0-9]+}", s.getEntryHandler).Methods("GET")
	api.HandleFunc("/verify", s.verifyHandler).Methods("GET")
	api.HandleFunc("/reconcile", s.reconcileHandler).Methods("POST")
	api.HandleFunc("/audit", s.auditHandler).Methods("POST")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithField("error", err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Catch immediate binding errors before declaring the server started
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop stops the HTTP server gracefully
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handlers

func (s *HTTPServer) webhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.recordWebhook("read_error")
		s.writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	if s.config.WebhookSecret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if !utils.ValidateWebhookSignature(payload, signature, s.config.WebhookSecret) {
			s.recordWebhook("bad_signature")
			s.writeError(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}
	}

	result := s.handler.ProcessWebhook(r.Context(), payload)

	switch {
	case !result.Success:
		s.recordWebhook("failed")
		s.writeJSON(w, http.StatusUnprocessableEntity, result)
	case result.Skipped:
		s.recordWebhook("skipped")
		s.writeJSON(w, http.StatusOK, result)
	default:
		s.recordWebhook("processed")
		s.writeJSON(w, http.StatusCreated, result)
	}
}

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.ledger.VerifyChain(); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	balances := s.ledger.Balances()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entry_count": s.ledger.EntryCount(),
		"head_hash":   s.ledger.HeadHash(),
		"identities":  len(balances),
		"ledger_dir":  s.ledger.Dir(),
	})
}

func (s *HTTPServer) balancesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"balances": s.ledger.Balances(),
	})
}

func (s *HTTPServer) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"leaderboard": s.handler.Leaderboard(limit),
	})
}

func (s *HTTPServer) getEntryHandler(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(mux.Vars(r)["num"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid entry number")
		return
	}

	entry, err := s.ledger.GetEntry(num)
	if err != nil {
		if utils.HasCode(err, utils.ErrCodeNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("entry %d not found", num))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) verifyHandler(w http.ResponseWriter, r *http.Request) {
	err := s.handler.VerifyIntegrity()
	if err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":       true,
		"entry_count": s.ledger.EntryCount(),
		"head_hash":   s.ledger.HeadHash(),
	})
}

func (s *HTTPServer) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"

	result := s.reconciler.Run(r.Context(), !full)

	code := http.StatusOK
	if !result.Success {
		code = http.StatusConflict
	}
	s.writeJSON(w, code, result)
}

func (s *HTTPServer) auditHandler(w http.ResponseWriter, r *http.Request) {
	result := s.auditor.Run(r.Context())

	code := http.StatusOK
	if !result.Valid {
		code = http.StatusConflict
	}
	s.writeJSON(w, code, result)
}

// Helpers

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithField("error", err).Error("Failed to encode response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *HTTPServer) recordWebhook(result string) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(result)
	}
}
