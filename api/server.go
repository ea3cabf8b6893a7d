package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"retail-sales-forecaster/dashboard"
	"retail-sales-forecaster/forecast"
	"retail-sales-forecaster/prep"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Defaults for the row limits of the table views
const (
	DefaultHistoryLimit = 10
	DefaultForecastTail = 10
)

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	handler   http.Handler
	service   *dashboard.Service
	metrics   *Metrics
	logger    logrus.FieldLogger
	limiter   *RateLimiter
	auth      *Authenticator
	startTime time.Time
}

// Option customizes a Server
type Option func(*Server)

// WithLogger sets the access and error logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics replaces the default metrics set
func WithMetrics(metrics *Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithRateLimit limits every client to requestsPerSecond with the given burst
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(s *Server) { s.limiter = NewRateLimiter(requestsPerSecond, burst) }
}

// WithAuth requires HS256 bearer tokens on /api/v1
func WithAuth(secret, issuer string) Option {
	return func(s *Server) { s.auth = NewAuthenticator(secret, issuer) }
}

// NewServer creates a new API server
func NewServer(service *dashboard.Service, opts ...Option) *Server {
	server := &Server{
		router:    mux.NewRouter(),
		service:   service,
		logger:    logrus.StandardLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.metrics == nil {
		server.metrics = NewMetrics("retailcast")
	}
	if server.limiter != nil {
		server.limiter.rejected = server.metrics.RateLimited.Inc
	}

	server.setupRoutes()
	server.handler = withRequestLogging(server.logger, server.router)
	return server
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	s.handler.ServeHTTP(w, r)
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.metrics.instrument)
	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware)
	}

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.auth != nil {
		api.Use(s.auth.Middleware)
	}

	// Selection endpoints
	api.HandleFunc("/stores", s.listStores).Methods("GET")
	api.HandleFunc("/products", s.listProducts).Methods("GET")
	api.HandleFunc("/options", s.getOptions).Methods("GET")

	// Series and forecast endpoints
	api.HandleFunc("/history", s.getHistory).Methods("GET")
	api.HandleFunc("/forecast", s.getForecast).Methods("GET")
	api.HandleFunc("/forecast/export", s.exportForecast).Methods("GET")

	// Health check and metrics
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	// Root endpoint
	s.router.HandleFunc("/", s.rootHandler).Methods("GET")
}

// IdentifierListResponse lists store or product identifiers
type IdentifierListResponse struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// HistoryRow is one prepared observation
type HistoryRow struct {
	Date       string             `json:"dt"`
	SaleAmount float64            `json:"sale_amount"`
	Features   map[string]float64 `json:"features,omitempty"`
}

// HistoryResponse represents the prepared series of a selection
type HistoryResponse struct {
	StoreID   string       `json:"store_id"`
	ProductID string       `json:"product_id"`
	Features  []string     `json:"features"`
	Rows      []HistoryRow `json:"rows"`
	Count     int          `json:"count"`
	Total     int          `json:"total"`
}

// PredictionRow is one forecast row with a calendar date
type PredictionRow struct {
	DS        string  `json:"ds"`
	YHat      float64 `json:"yhat"`
	YHatLower float64 `json:"yhat_lower"`
	YHatUpper float64 `json:"yhat_upper"`
}

// ForecastResponse represents a forecast or the insufficient data warning
type ForecastResponse struct {
	StoreID     string               `json:"store_id"`
	ProductID   string               `json:"product_id"`
	Horizon     int                  `json:"horizon"`
	Rows        int                  `json:"rows"`
	Warning     string               `json:"warning,omitempty"`
	Engine      string               `json:"engine,omitempty"`
	HistoryDays int                  `json:"history_days,omitempty"`
	Regressors  map[string]float64   `json:"regressors,omitempty"`
	Predictions []PredictionRow      `json:"predictions"`
	Total       int                  `json:"total"`
	Evaluation  *forecast.Evaluation `json:"evaluation,omitempty"`
	Exportable  bool                 `json:"exportable"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps pipeline failures onto status codes
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var dataErr *prep.DataError
	var fitErr *forecast.ModelFitError

	switch {
	case errors.Is(err, forecast.ErrInvalidHorizon):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dataErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &fitErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, dashboard.ErrNothingToExport):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.WithError(err).WithField("request_id", RequestID(r.Context())).Error("Dataset unavailable")
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("dataset unavailable: %v", err))
	}
}

// recordOutcome counts a pipeline run
func (s *Server) recordOutcome(report *dashboard.Report, err error) {
	var dataErr *prep.DataError
	var fitErr *forecast.ModelFitError

	outcome := OutcomeForecast
	switch {
	case errors.Is(err, forecast.ErrInvalidHorizon):
		return
	case errors.As(err, &dataErr):
		outcome = OutcomeDataError
	case errors.As(err, &fitErr):
		outcome = OutcomeFitError
	case errors.Is(err, dashboard.ErrNothingToExport):
		outcome = OutcomeInsufficient
	case err != nil:
		outcome = OutcomeLoadError
	case report != nil && report.Forecast == nil:
		outcome = OutcomeInsufficient
	case report != nil:
		s.metrics.FitDuration.WithLabelValues(report.Forecast.Engine).Observe(report.Forecast.FitDuration.Seconds())
	}
	s.metrics.PipelineOutcomes.WithLabelValues(outcome).Inc()
}

// parseSelection reads store, product and the optional horizon
func parseSelection(r *http.Request) (dashboard.Selection, error) {
	query := r.URL.Query()
	sel := dashboard.Selection{
		StoreID:   query.Get("store"),
		ProductID: query.Get("product"),
	}
	if sel.StoreID == "" {
		return sel, fmt.Errorf("missing 'store' parameter")
	}
	if sel.ProductID == "" {
		return sel, fmt.Errorf("missing 'product' parameter")
	}
	if raw := query.Get("horizon"); raw != "" {
		horizon, err := strconv.Atoi(raw)
		if err != nil || horizon <= 0 {
			return sel, fmt.Errorf("invalid horizon: %q", raw)
		}
		sel.Horizon = horizon
	}
	return sel, nil
}

// parseCount reads a non-negative integer parameter
func parseCount(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}

// listStores returns the selectable store identifiers
func (s *Server) listStores(w http.ResponseWriter, r *http.Request) {
	opts, err := s.service.Options(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IdentifierListResponse{IDs: opts.Stores, Count: len(opts.Stores)})
}

// listProducts returns the selectable product identifiers
func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	opts, err := s.service.Options(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IdentifierListResponse{IDs: opts.Products, Count: len(opts.Products)})
}

// getOptions returns identifiers and horizon bounds in one call
func (s *Server) getOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.service.Options(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// getHistory returns the leading rows of the prepared series
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	sel, err := parseSelection(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseCount(r, "limit", DefaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	series, err := s.service.History(r.Context(), sel)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	points := series.Points
	if limit > 0 {
		points = series.Head(limit)
	}
	rows := make([]HistoryRow, len(points))
	for i, p := range points {
		rows[i] = HistoryRow{Date: p.Date.Format("2006-01-02"), SaleAmount: p.SaleAmount}
		if len(series.Features) > 0 {
			rows[i].Features = make(map[string]float64, len(series.Features))
			for j, name := range series.Features {
				rows[i].Features[name] = p.Features[j]
			}
		}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		StoreID:   sel.StoreID,
		ProductID: sel.ProductID,
		Features:  series.Features,
		Rows:      rows,
		Count:     len(rows),
		Total:     series.Len(),
	})
}

// getForecast runs the pipeline and returns the tail of the predictions
func (s *Server) getForecast(w http.ResponseWriter, r *http.Request) {
	sel, err := parseSelection(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tail, err := parseCount(r, "tail", DefaultForecastTail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.service.Run(r.Context(), sel)
	s.recordOutcome(report, err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	response := ForecastResponse{
		StoreID:     report.StoreID,
		ProductID:   report.ProductID,
		Horizon:     report.Horizon,
		Rows:        report.Rows,
		Warning:     report.Warning,
		Predictions: []PredictionRow{},
		Evaluation:  report.Evaluation,
		Exportable:  report.Exportable,
	}
	if result := report.Forecast; result != nil {
		predictions := result.Predictions
		if tail > 0 {
			predictions = result.Tail(tail)
		}
		response.Engine = result.Engine
		response.HistoryDays = result.HistoryDays
		response.Regressors = result.Regressors
		response.Total = len(result.Predictions)
		response.Predictions = make([]PredictionRow, len(predictions))
		for i, p := range predictions {
			response.Predictions[i] = PredictionRow{
				DS:        p.DS.Format("2006-01-02"),
				YHat:      p.YHat,
				YHatLower: p.YHatLower,
				YHatUpper: p.YHatUpper,
			}
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// exportForecast streams the full forecast as a CSV attachment
func (s *Server) exportForecast(w http.ResponseWriter, r *http.Request) {
	sel, err := parseSelection(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	download, err := s.service.Export(r.Context(), sel)
	if err != nil {
		s.recordOutcome(nil, err)
		s.writeServiceError(w, r, err)
		return
	}
	s.recordOutcome(download.Report, nil)
	filename, body := download.FileName, download.Body

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// healthCheck returns health status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	dataset := "not_loaded"
	if s.service.Loaded() {
		dataset = "loaded"
	}
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"services": map[string]string{
			"dataset": dataset,
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// rootHandler provides API information
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":        "Retail Sales Forecaster",
		"version":     "0.1.0",
		"description": "Per store and product daily sales forecasts with exogenous regressors",
		"endpoints": map[string]string{
			"GET /api/v1/stores":          "List store identifiers",
			"GET /api/v1/products":        "List product identifiers",
			"GET /api/v1/options":         "Selectable identifiers and horizon bounds",
			"GET /api/v1/history":         "Prepared sales history (store, product, limit)",
			"GET /api/v1/forecast":        "Forecast a selection (store, product, horizon, tail)",
			"GET /api/v1/forecast/export": "Download the forecast as CSV",
			"GET /health":                 "Health check",
			"GET /metrics":                "Prometheus metrics",
		},
	}

	writeJSON(w, http.StatusOK, info)
}
