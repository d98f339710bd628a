package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/anomalies/anomaly"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/app"
	"github.com/liamcoop/anomalies/internal/config"
	"github.com/liamcoop/anomalies/internal/logger"
	"github.com/liamcoop/anomalies/internal/telemetry"
	"github.com/liamcoop/anomalies/rules"
	"github.com/liamcoop/anomalies/ruleset"
	"github.com/liamcoop/anomalies/scan"
)

// maxDocumentSize bounds uploaded ruleset documents
const maxDocumentSize = 1 << 20

type Server struct {
	app    *app.App
	router *chi.Mux
}

func NewServer(a *app.App) *Server {
	s := &Server{app: a}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)
	r.Get("/api/v1/catalogue", s.handleCatalogue)

	// Ruleset publication
	r.Route("/api/v1/ruleset", func(r chi.Router) {
		r.Get("/", s.handleGetRuleset)
		r.Post("/", s.handlePublishRuleset)
		r.Post("/validate", s.handleValidateRuleset)
		r.Get("/export", s.handleExportRuleset)
		r.Get("/versions", s.handleListVersions)
		r.Post("/versions/{version}/activate", s.handleActivateVersion)
	})

	// Evaluation
	r.Post("/api/v1/punches/evaluate", s.handleEvaluatePunch)
	r.Post("/api/v1/scans", s.handleBatchScan)

	// Schedule edits made in the attendance system
	r.Post("/api/v1/schedules/{scheduleId}/invalidate", s.handleInvalidateSchedule)

	// Anomalies
	r.Route("/api/v1/anomalies", func(r chi.Router) {
		r.Get("/", s.handleListAnomalies)
		r.Get("/{anomalyId}", s.handleGetAnomaly)
		r.Patch("/{anomalyId}", s.handleUpdateAnomalyStatus)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs every request through the structured logger and feeds the HTTP error counters
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx()
		}
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.app.DB != nil {
		if err := s.app.DB.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	resp := HealthResponse{Status: "healthy"}
	if rs := s.app.Rulesets.Current(); rs != nil {
		resp.RulesetVersion = rs.Version
		resp.RulesetDigest = rs.Digest
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, logger.Snapshot())
}

func (s *Server) handleCatalogue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, CatalogueResponse{
		Conditions: rules.Conditions(),
		Actions:    rules.Actions(),
		Defaults:   rules.DefaultMargins(),
	})
}

func (s *Server) handleGetRuleset(w http.ResponseWriter, r *http.Request) {
	rs := s.app.Rulesets.Current()
	if rs == nil {
		respondError(w, http.StatusNotFound, "no ruleset loaded", nil)
		return
	}
	respondJSON(w, http.StatusOK, rs)
}

func (s *Server) handlePublishRuleset(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs, err := s.app.Rulesets.Publish(r.Context(), data)
	if err != nil {
		if errors.Is(err, ruleset.ErrRejected) {
			respondRejected(w, err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to publish ruleset", err)
		return
	}

	respondJSON(w, http.StatusCreated, rs)
}

func (s *Server) handleValidateRuleset(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	doc, err := s.app.Rulesets.Validate(data)
	if err != nil {
		respondRejected(w, err)
		return
	}

	digest, err := rules.Digest(doc)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to digest document", err)
		return
	}
	nodes, depth := rules.CountNodes(doc.Tree)
	respondJSON(w, http.StatusOK, ValidateResponse{
		Valid:  true,
		Digest: digest,
		Nodes:  nodes,
		Depth:  depth,
	})
}

func (s *Server) handleExportRuleset(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid version", err)
			return
		}
		version = n
	}

	data, err := s.app.Rulesets.Export(r.Context(), version)
	if err != nil {
		if errors.Is(err, rules.ErrVersionNotFound) || errors.Is(err, rules.ErrNoRuleset) {
			respondError(w, http.StatusNotFound, "ruleset not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to export ruleset", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="decision-tree.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.app.Rulesets.Versions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list versions", err)
		return
	}

	summaries := make([]VersionSummary, 0, len(versions))
	for _, rs := range versions {
		summaries = append(summaries, VersionSummary{
			Version:     rs.Version,
			Digest:      rs.Digest,
			Active:      rs.Active,
			PublishedAt: rs.PublishedAt,
		})
	}
	respondJSON(w, http.StatusOK, VersionsListResponse{Versions: summaries})
}

func (s *Server) handleActivateVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version <= 0 {
		respondError(w, http.StatusBadRequest, "invalid version", err)
		return
	}

	rs, err := s.app.Rulesets.Activate(r.Context(), version)
	if err != nil {
		switch {
		case errors.Is(err, rules.ErrVersionNotFound):
			respondError(w, http.StatusNotFound, "ruleset version not found", err)
		case errors.Is(err, ruleset.ErrRejected):
			respondRejected(w, err)
		default:
			respondError(w, http.StatusInternalServerError, "failed to activate ruleset", err)
		}
		return
	}

	respondJSON(w, http.StatusOK, rs)
}

func (s *Server) handleInvalidateSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleId")
	s.app.Resolver.Invalidate(scheduleID)
	logger.Info("schedule cache invalidated", "schedule_id", scheduleID)
	w.WriteHeader(http.StatusNoContent)
}

// Real-time evaluation of the unit a recorded punch belongs to
func (s *Server) handleEvaluatePunch(w http.ResponseWriter, r *http.Request) {
	var punch attendance.Punch
	if err := json.NewDecoder(r.Body).Decode(&punch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if punch.EmployeeID == "" || punch.SiteID == "" {
		respondError(w, http.StatusBadRequest, "employeeId and siteId are required", nil)
		return
	}
	if punch.Timestamp.IsZero() {
		respondError(w, http.StatusBadRequest, "timestamp is required", nil)
		return
	}
	if !punch.EntryType.Valid() {
		respondError(w, http.StatusBadRequest, "entryType must be ARRIVAL or DEPARTURE", nil)
		return
	}

	report := s.app.Scanner.Realtime(r.Context(), punch)
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleBatchScan(w http.ResponseWriter, r *http.Request) {
	var req BatchScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	batch, err := req.toBatchRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid date", err)
		return
	}

	report, err := s.app.Scanner.Batch(r.Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrInvalidRange):
			respondError(w, http.StatusBadRequest, "invalid range", err)
		case errors.Is(err, scan.ErrBatchInProgress):
			respondError(w, http.StatusConflict, "batch already running for this range", err)
		case errors.Is(err, attendance.ErrNotFound):
			respondError(w, http.StatusNotFound, "site not found", err)
		default:
			respondError(w, http.StatusInternalServerError, "batch scan failed", err)
		}
		return
	}

	if req.RetryFailures && len(report.Failed()) > 0 {
		retried, err := s.app.Scanner.Retry(r.Context(), report)
		if err == nil {
			report.Merge(retried)
		}
	}

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := anomaly.Filter{
		EmployeeID: q.Get("employeeId"),
		SiteID:     q.Get("siteId"),
		From:       q.Get("from"),
		To:         q.Get("to"),
	}
	for _, d := range []string{filter.From, filter.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(attendance.DateLayout, d); err != nil {
			respondError(w, http.StatusBadRequest, "invalid date", err)
			return
		}
	}
	if v := q.Get("type"); v != "" {
		kind, err := anomaly.ParseKind(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid type", err)
			return
		}
		filter.Kind = kind
	}
	if v := q.Get("status"); v != "" {
		status, err := anomaly.ParseStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid status", err)
			return
		}
		filter.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		filter.Limit = n
	}

	list, err := s.app.Anomalies.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list anomalies", err)
		return
	}
	if list == nil {
		list = []*anomaly.Anomaly{}
	}
	respondJSON(w, http.StatusOK, AnomaliesListResponse{Anomalies: list, Count: len(list)})
}

func (s *Server) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := s.app.Anomalies.Get(r.Context(), chi.URLParam(r, "anomalyId"))
	if err != nil {
		if errors.Is(err, anomaly.ErrNotFound) {
			respondError(w, http.StatusNotFound, "anomaly not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get anomaly", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// Reviewer action: close an OPEN anomaly
func (s *Server) handleUpdateAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	status, err := anomaly.ParseStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid status", err)
		return
	}

	a, err := s.app.Anomalies.SetStatus(r.Context(), chi.URLParam(r, "anomalyId"), status)
	if err != nil {
		switch {
		case errors.Is(err, anomaly.ErrNotFound):
			respondError(w, http.StatusNotFound, "anomaly not found", err)
		case errors.Is(err, anomaly.ErrInvalidTransition):
			respondError(w, http.StatusConflict, "invalid status transition", err)
		default:
			respondError(w, http.StatusInternalServerError, "failed to update anomaly", err)
		}
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondRejected reports a refused document with its structural issues
func respondRejected(w http.ResponseWriter, err error) {
	resp := RejectedResponse{
		Error:   "ruleset rejected",
		Details: err.Error(),
	}
	var ve *rules.ValidationError
	if errors.As(err, &ve) {
		resp.Issues = ve.Issues
	}
	respondJSON(w, http.StatusUnprocessableEntity, resp)
}

func main() {
	cfg := config.Load()

	if level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}

	ctx := context.Background()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		SampleRate:     cfg.OTelSampleRate,
		ExportInterval: cfg.OTelExportPeriod,
	})
	if err != nil {
		logger.Fatal("failed to set up telemetry", "error", err)
	}

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to start", "error", err)
	}
	defer a.Close()

	server := NewServer(a)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // batch scans answer synchronously
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", cfg.Port, "timezone", cfg.Timezone)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
