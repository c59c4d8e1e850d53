// Package api serves forecasts and model metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/evaluate"
	"weather_forecaster/internal/forecast"
	"weather_forecaster/internal/logging"
	"weather_forecaster/internal/model"
)

// Forecaster runs a forecast for a base model or the ensemble.
type Forecaster interface {
	Run(ctx context.Context, city, modelName string, horizon int, opts forecast.Options) (*model.Forecast, error)
}

// MetricsSource serves stored metric records and the lazily computed
// ensemble record.
type MetricsSource interface {
	Store() evaluate.Store
	EnsembleMetrics(ctx context.Context, city string) (evaluate.Record, error)
}

// Server routes HTTP requests to the forecast engine and the metrics store.
type Server struct {
	cfg       config.Config
	engine    Forecaster
	metrics   MetricsSource
	collector *Collector
	limiter   *rate.Limiter
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New builds the server and its routes.
func New(cfg config.Config, engine Forecaster, metrics MetricsSource, collector *Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		metrics:   metrics,
		collector: collector,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	if cfg.Server.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), max(cfg.Server.RateBurst, 1))
	}

	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", handleHealth)
	s.mux.Handle("GET /predict", s.limit(http.HandlerFunc(s.handlePredict)))
	s.mux.Handle("GET /model-metrics", s.limit(http.HandlerFunc(s.handleModelMetrics)))
	if collector != nil {
		s.mux.Handle("GET /metrics", collector.Handler())
	}
	return s
}

// Mount registers an extra rate-limited route, such as the WebSocket endpoint.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.limit(h))
}

// Handler returns the root handler with CORS and instrumentation applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.cors(s.mux)
	if s.collector != nil {
		h = s.collector.InstrumentHandler(h)
	}
	return h
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the Weather Forecast API!"})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	q, err := ParseForecastQuery(r.URL.Query())
	if err == nil {
		err = q.Validate(s.cfg)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("forecast requested", "city", q.City, "model", q.Model, "forecast_type", q.ForecastType,
		"day_of_week", q.DayOfWeek, "extended", q.Extended, "include_bounds", q.IncludeBounds)

	f, err := s.engine.Run(r.Context(), q.City, q.Model, q.Hours(), q.Options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if f.Len() == 0 {
		writeDetail(w, http.StatusInternalServerError, "Prediction generation failed or returned empty results.")
		return
	}

	rows := NewRows(f, q.Keep)
	if len(rows) == 0 {
		s.logger.Warn("no forecast rows for requested day", "city", q.City, "day_of_week", *q.DayOfWeek)
	}
	if s.collector != nil {
		s.collector.ObserveForecast(q.Model, len(rows))
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleModelMetrics(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	modelName := r.URL.Query().Get("model_name")
	if city != "" {
		if err := s.cfg.CheckCity(city); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if modelName != "" {
		if err := s.cfg.CheckModel(modelName); err != nil {
			s.writeError(w, err)
			return
		}
	}
	ctx := r.Context()

	if city != "" && modelName == config.EnsembleModel {
		rec, err := s.metrics.EnsembleMetrics(ctx, city)
		if err != nil {
			s.writeError(w, fmt.Errorf("retrieving model metrics: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if city != "" && modelName != "" {
		rec, err := s.metrics.Store().Load(ctx, city, modelName)
		if err != nil {
			s.writeError(w, fmt.Errorf("retrieving model metrics: %w", err))
			return
		}
		if rec == nil {
			writeDetail(w, http.StatusNotFound, fmt.Sprintf("No metrics found for %s in %s", modelName, city))
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	all, err := s.metrics.Store().All(ctx)
	if err != nil {
		s.writeError(w, fmt.Errorf("retrieving model metrics: %w", err))
		return
	}
	switch {
	case city != "":
		out := map[string]map[string]evaluate.Record{}
		if byModel, ok := all[city]; ok {
			out[city] = byModel
		}
		writeJSON(w, http.StatusOK, out)
	case modelName != "":
		out := map[string]map[string]evaluate.Record{}
		for c, byModel := range all {
			if rec, ok := byModel[modelName]; ok {
				out[c] = map[string]evaluate.Record{modelName: rec}
			}
		}
		writeJSON(w, http.StatusOK, out)
	default:
		writeJSON(w, http.StatusOK, all)
	}
}

// limit rejects requests beyond the configured rate with 429.
func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(s.limiter.Limit()))))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			if s.collector != nil {
				s.collector.rateLimited.Inc()
			}
			w.Header().Set("Retry-After", retryAfter)
			writeDetail(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors allows credentialed cross-origin requests from the configured origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.Server.AllowedOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
					h.Set("Access-Control-Allow-Headers", req)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// StatusFor maps an engine or validation error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, artifact.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, config.ErrUnknownCity),
		errors.Is(err, config.ErrUnknownModel),
		errors.Is(err, forecast.ErrInvalidOptions),
		errors.Is(err, forecast.ErrNoHistoricalData):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeDetail(w, status, DetailMessage(err))
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// DetailMessage trims the sentinel prefix some errors carry for clients that
// only want the human-readable part.
func DetailMessage(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, ErrBadRequest.Error()+": "); ok {
		return rest
	}
	return msg
}
