// Package main is the entry point for the auto-compounding APR External Adapter. It serves
// per-pool APR figures computed from on-chain compounding events to Chainlink nodes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/autocompound-apr-ea/internal/aggregate"
	"github.com/yourorg/autocompound-apr-ea/internal/circuitbreaker"
	"github.com/yourorg/autocompound-apr-ea/internal/config"
	"github.com/yourorg/autocompound-apr-ea/internal/export"
	"github.com/yourorg/autocompound-apr-ea/internal/fetch"
	"github.com/yourorg/autocompound-apr-ea/internal/model"
	tracing "github.com/yourorg/autocompound-apr-ea/internal/otel"
	"github.com/yourorg/autocompound-apr-ea/internal/registry"
	"github.com/yourorg/autocompound-apr-ea/internal/security"
	"github.com/yourorg/autocompound-apr-ea/internal/validation"
	"github.com/yourorg/autocompound-apr-ea/internal/yield"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// AprService computes pool APR reports.
type AprService interface {
	PoolAPR(ctx context.Context, req yield.Request) (yield.Report, error)
}

// ReportPublisher ships computed reports downstream.
type ReportPublisher interface {
	Publish(ctx context.Context, report yield.Report) error
	Status() map[string]interface{}
}

// Server represents the External Adapter server instance
type Server struct {
	config  config.Config
	service AprService

	// HTTP server instance
	server *http.Server

	// Circuit breaker guarding the event source
	breaker *circuitbreaker.CircuitBreaker

	// nil when metrics are disabled
	metrics *serverMetrics

	rateLimit *rate.Limiter

	// Optional response signing and result export
	signer    *security.Signer
	publisher ReportPublisher
	exports   sync.WaitGroup

	poolCount int
	now       func() time.Time
}

func main() {
	setupLogging()

	cfg := config.Load()

	shutdownTracer := tracing.InitTracer(cfg)
	defer shutdownTracer()

	pools, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		logrus.Fatalf("Failed to load pool registry: %v", err)
	}

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: cfg.CircuitFailureThreshold}).
		WithResetDelay(cfg.CircuitResetDelay).
		WithSuccessThreshold(cfg.CircuitSuccessThreshold).
		WithTripCallback(func(reason string) {
			logrus.WithField("reason", reason).Error("Event source circuit opened")
		})

	var metrics *serverMetrics
	if cfg.EnableMetrics {
		metrics = registerMetrics(breaker)
	}

	var source fetch.EventSource = fetch.NewGuardedSource(fetch.NewSuiEventSource(cfg), breaker)
	if metrics != nil {
		source = &instrumentedSource{source: source, errors: metrics.fetchErrors}
	}

	service := yield.NewService(fetch.NewCollector(source, pools), aggregate.NewEngine(pools), pools)

	server := NewServer(cfg, service, breaker, metrics)
	server.poolCount = len(pools.PoolNames())

	if cfg.SigningKey != "" {
		signer, err := security.NewSigner(cfg.SigningKey)
		if err != nil {
			logrus.Fatalf("Failed to initialize result signing: %v", err)
		}
		server.signer = signer
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := export.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logrus.Fatalf("Failed to initialize Kafka export: %v", err)
		}
		defer publisher.Close()
		server.publisher = publisher
	}

	logrus.WithFields(logrus.Fields{
		"port":     cfg.Port,
		"network":  cfg.Network,
		"rpc":      cfg.SuiRPCURL,
		"pools":    server.poolCount,
		"metrics":  cfg.EnableMetrics,
		"signing":  server.signer != nil,
		"kafka":    server.publisher != nil,
		"lookback": cfg.Lookback,
	}).Info("Server initialized")

	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// NewServer creates a server answering requests with service. metrics may be nil.
func NewServer(cfg config.Config, service AprService, breaker *circuitbreaker.CircuitBreaker, metrics *serverMetrics) *Server {
	s := &Server{
		config:  cfg,
		service: service,
		breaker: breaker,
		metrics: metrics,
		now:     time.Now,
	}
	if cfg.RateLimitRPS > 0 {
		s.rateLimit = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	return s
}

// Handler returns the adapter's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)             // Main Chainlink EA endpoint
	mux.HandleFunc("/health", s.handleHealth)         // Health check endpoint
	mux.HandleFunc("/metrics", s.handleMetrics)       // Prometheus metrics endpoint
	mux.HandleFunc("/status", s.handleStatus)         // Service status endpoint
	mux.HandleFunc("/circuit", s.handleCircuitStatus) // Circuit breaker status/control
	return mux
}

// Start begins the HTTP server and blocks until SIGINT or SIGTERM, then shuts down gracefully
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.config.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	s.exports.Wait()

	logrus.Info("Server stopped")
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"pools":   s.poolCount,
		"configuration": map[string]interface{}{
			"network":         s.config.Network,
			"lookback":        s.config.Lookback.String(),
			"request_timeout": s.config.RequestTimeout.String(),
			"metrics":         s.metrics != nil,
		},
	}

	if s.breaker != nil {
		status["circuit_state"] = s.breaker.GetState().String()
	}
	if s.signer != nil {
		status["signer"] = s.signer.Address().Hex()
	}
	if s.publisher != nil {
		status["export"] = s.publisher.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and resetting the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		http.Error(w, "Circuit breaker not enabled", http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if r.URL.Query().Get("action") != "reset" {
			http.Error(w, "Unsupported action", http.StatusBadRequest)
			return
		}
		s.breaker.Reset()
		response["message"] = "Circuit breaker reset"
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response["state"] = s.breaker.GetState().String()
	if err := s.breaker.LastError(); err != nil {
		response["last_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// ChainlinkRequest matches the standard Chainlink External Adapter request format
type ChainlinkRequest struct {
	ID       string                 `json:"id"`
	JobRunID string                 `json:"jobRunId"`
	Data     map[string]interface{} `json:"data"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// ChainlinkResponse matches the standard Chainlink External Adapter response format
type ChainlinkResponse struct {
	JobRunID   string                 `json:"jobRunId,omitempty"`
	StatusCode int                    `json:"statusCode"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data"`
	Error      string                 `json:"error,omitempty"`
}

// servedReport is the part of a success response covered by the signature. Consumers verify
// by decoding the response data into this type and hashing it again.
type servedReport struct {
	Result        model.AprResult `json:"result"`
	EventCount    int             `json:"eventCount"`
	InvestorCount int             `json:"investorCount"`
	StartTime     int64           `json:"startTime"`
	EndTime       int64           `json:"endTime"`
	ComputedAt    int64           `json:"computedAt"`
}

func newServedReport(report yield.Report) servedReport {
	return servedReport{
		Result:        report.Pools,
		EventCount:    report.EventCount,
		InvestorCount: report.InvestorCount,
		StartTime:     report.StartTime,
		EndTime:       report.EndTime,
		ComputedAt:    report.ComputedAt.Unix(),
	}
}

// handleRequest processes the Chainlink External Adapter request
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.rateLimit != nil && !s.rateLimit.Allow() {
		s.errorResponse(w, "", http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var request ChainlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.errorResponse(w, "", http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := buildRequest(request.Data, s.now(), s.config.Lookback)
	if err != nil {
		s.errorResponse(w, request.JobRunID, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	report, err := s.service.PoolAPR(ctx, req)
	if err != nil {
		s.errorResponse(w, request.JobRunID, statusFor(err), err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.observeResult(report.Pools, report.EventCount)
	}

	served := newServedReport(report)
	data := map[string]interface{}{
		"result":        served.Result,
		"eventCount":    served.EventCount,
		"investorCount": served.InvestorCount,
		"startTime":     served.StartTime,
		"endTime":       served.EndTime,
		"computedAt":    served.ComputedAt,
	}
	if request.ID != "" {
		data["id"] = request.ID
	}

	if s.signer != nil {
		sig, err := s.signer.Sign(served)
		if err != nil {
			logrus.Warnf("Failed to sign report: %v", err)
		} else {
			data["signature"] = sig
		}
	}

	if request.Meta == nil {
		request.Meta = make(map[string]interface{})
	}
	request.Meta["latencyMs"] = time.Since(start).Milliseconds()
	request.Meta["poolCount"] = len(report.Pools)
	data["meta"] = request.Meta

	s.publish(report)

	if s.metrics != nil {
		s.metrics.requestDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		s.metrics.requestCounter.WithLabelValues("success").Inc()
	}

	logrus.WithFields(logrus.Fields{
		"job_run_id": request.JobRunID,
		"pools":      len(report.Pools),
		"events":     report.EventCount,
		"latency":    time.Since(start),
	}).Info("Served APR request")

	writeJSON(w, http.StatusOK, ChainlinkResponse{
		JobRunID:   request.JobRunID,
		StatusCode: http.StatusOK,
		Status:     "success",
		Data:       data,
	})
}

// publish exports report in the background. Failures are logged only.
func (s *Server) publish(report yield.Report) {
	if s.publisher == nil {
		return
	}
	s.exports.Add(1)
	go func() {
		defer s.exports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.publisher.Publish(ctx, report); err != nil {
			logrus.Warnf("Failed to export report: %v", err)
		}
	}()
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, validation.ErrInvalidRequest), errors.Is(err, fetch.ErrUnknownPool):
		return http.StatusBadRequest
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse returns a formatted error response for Chainlink nodes
func (s *Server) errorResponse(w http.ResponseWriter, jobRunID string, statusCode int, errorMsg string) {
	logrus.WithField("status", statusCode).Warn(errorMsg)

	if s.metrics != nil {
		s.metrics.requestCounter.WithLabelValues("error").Inc()
	}

	writeJSON(w, statusCode, ChainlinkResponse{
		JobRunID:   jobRunID,
		StatusCode: statusCode,
		Status:     "error",
		Error:      errorMsg,
		Data:       map[string]interface{}{"error": errorMsg},
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(append(body, '\n')); err != nil {
		logrus.Warnf("Failed to write response: %v", err)
	}
}
