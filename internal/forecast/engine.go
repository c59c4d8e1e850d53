// Package forecast produces hourly forecasts from trained predictors: the
// recursive loop for tabular models, a single range call for native
// multi-horizon models, and the equal-weight ensemble across base models.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"weather_forecaster/internal/config"
	"weather_forecaster/internal/features"
	"weather_forecaster/internal/logging"
	"weather_forecaster/internal/model"
	"weather_forecaster/internal/predictor"
)

// Step is the spacing between forecast rows.
const Step = time.Hour

// HistorySource provides the chronologically ordered observations of a city.
type HistorySource interface {
	History(city string) ([]model.Observation, error)
}

// ArtifactSource loads the trained predictor for a city and model.
type ArtifactSource interface {
	Load(city, modelName string) (predictor.Predictor, error)
}

// Engine runs forecasts. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	history    HistorySource
	artifacts  ArtifactSource
	baseModels []string
	minMembers int
	logger     *slog.Logger
}

// NewEngine wires an engine to its history and artifact sources.
func NewEngine(cfg config.Config, history HistorySource, artifacts ArtifactSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		history:    history,
		artifacts:  artifacts,
		baseModels: cfg.BaseModels,
		minMembers: max(cfg.EnsembleMinMembers, 1),
		logger:     logger,
	}
}

// BaseModels lists the models the ensemble draws from.
func (e *Engine) BaseModels() []string {
	return e.baseModels
}

// Forecast produces horizon hourly rows for one base model, starting one hour
// after the last observation. opts.Extended, when set, replaces horizon.
//
// A recursive forecast whose feature row cannot be built stops early and
// returns the rows produced so far.
func (e *Engine) Forecast(ctx context.Context, city, modelName string, horizon int, opts Options) (*model.Forecast, error) {
	if h := opts.Extended.Hours(); h > 0 {
		horizon = h
	}
	if horizon < 1 || horizon > MaxHorizonHours {
		return nil, fmt.Errorf("%w: horizon %d outside 1..%d", ErrInvalidOptions, horizon, MaxHorizonHours)
	}

	p, err := e.artifacts.Load(city, modelName)
	if err != nil {
		return nil, err
	}
	if err := ValidateOptions(p.Kind(), opts); err != nil {
		return nil, err
	}

	history, err := e.history.History(city)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoHistoricalData, city)
	}

	out := &model.Forecast{City: city, Model: modelName}
	switch p := p.(type) {
	case predictor.Tabular:
		out.Rows, err = e.recursive(ctx, p, history, horizon, opts)
	case predictor.MultiHorizon:
		out.Rows, err = multiHorizon(p, history, horizon, opts)
	default:
		return nil, fmt.Errorf("%s for %s: unsupported predictor %s (%s)", modelName, city, p.Learner(), p.Kind())
	}
	if err != nil {
		return nil, fmt.Errorf("forecasting %s for %s: %w", modelName, city, err)
	}
	return out, nil
}

// recursive predicts one hour at a time, feeding every prediction back as the
// most recent observation for the next step.
func (e *Engine) recursive(ctx context.Context, p predictor.Tabular, history []model.Observation, horizon int, opts Options) ([]model.ForecastRow, error) {
	lags := p.LagCount()
	start := max(len(history)-lags, 0)

	// Private buffer; the shared history slice is never appended to.
	buf := make([]model.Observation, 0, len(history)-start+horizon)
	buf = append(buf, history[start:]...)
	last := history[len(history)-1].Timestamp

	rows := make([]model.ForecastRow, 0, horizon)
	for i := 1; i <= horizon; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		at := last.Add(time.Duration(i) * Step)

		row, err := features.Next(buf, lags, at)
		if errors.Is(err, features.ErrInsufficientHistory) {
			e.logger.Warn("stopping recursive forecast early",
				"step", i, "horizon", horizon, "history_rows", len(history), "lag_count", lags)
			break
		}
		if err != nil {
			return nil, err
		}

		values, err := p.PredictOne(row.Values)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		fr := clipRow(model.ForecastRow{Timestamp: at, Values: values})
		buf = append(buf, model.Observation{Timestamp: at, Values: fr.Values})
		rows = append(rows, fr)
		if opts.Observer != nil {
			opts.Observer(fr)
		}
	}
	return rows, nil
}

func multiHorizon(p predictor.MultiHorizon, history []model.Observation, horizon int, opts Options) ([]model.ForecastRow, error) {
	last := history[len(history)-1].Timestamp
	ts := make([]time.Time, horizon)
	for i := range ts {
		ts[i] = last.Add(time.Duration(i+1) * Step)
	}

	rows, err := p.PredictRange(ts, opts.IncludeBounds)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i] = clipRow(rows[i])
		if opts.Observer != nil {
			opts.Observer(rows[i])
		}
	}
	return rows, nil
}

// Run dispatches to ForecastEnsemble for the ensemble name and to Forecast
// otherwise. The ensemble ignores IncludeBounds and Extended; its rows reach
// the observer once averaging is complete.
func (e *Engine) Run(ctx context.Context, city, modelName string, horizon int, opts Options) (*model.Forecast, error) {
	if modelName != config.EnsembleModel {
		return e.Forecast(ctx, city, modelName, horizon, opts)
	}
	f, err := e.ForecastEnsemble(ctx, city, horizon)
	if err != nil {
		return nil, err
	}
	if opts.Observer != nil {
		for _, r := range f.Rows {
			opts.Observer(r)
		}
	}
	return f, nil
}
