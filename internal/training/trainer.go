// Package training fits the configured base models for each city, persists
// their artifacts and refreshes their held-out metrics.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"weather_forecaster/internal/config"
	"weather_forecaster/internal/evaluate"
	"weather_forecaster/internal/features"
	"weather_forecaster/internal/forecast"
	"weather_forecaster/internal/logging"
	"weather_forecaster/internal/predictor"
)

// Artifacts is the artifact store as seen by the trainer.
type Artifacts interface {
	Exists(city, modelName string) bool
	Save(city, modelName string, p predictor.Predictor, trainedAt time.Time) error
}

// Outcome is what happened to one model during a training run.
type Outcome string

const (
	OutcomeTrained     Outcome = "trained"
	OutcomeReevaluated Outcome = "reevaluated"
	OutcomeFailed      Outcome = "failed"
)

// ModelResult reports a single base model.
type ModelResult struct {
	Model    string
	Outcome  Outcome
	Metrics  evaluate.Record
	Duration time.Duration
	Err      error
}

// CityReport summarises a city's run. Err is set when the city could not be
// processed at all; per-model failures are in Models.
type CityReport struct {
	City     string
	Rows     int
	Models   []ModelResult
	Ensemble evaluate.Record
	Err      error
}

// Succeeded counts the models that have a usable artifact after the run.
func (r CityReport) Succeeded() int {
	n := 0
	for _, m := range r.Models {
		if m.Outcome != OutcomeFailed {
			n++
		}
	}
	return n
}

type Trainer struct {
	cfg       config.Config
	history   forecast.HistorySource
	artifacts Artifacts
	evaluator *evaluate.Evaluator
	logger    *slog.Logger

	lookup func(name string) (predictor.Recipe, error)
	now    func() time.Time
}

func NewTrainer(cfg config.Config, history forecast.HistorySource, artifacts Artifacts, evaluator *evaluate.Evaluator, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Trainer{
		cfg:       cfg,
		history:   history,
		artifacts: artifacts,
		evaluator: evaluator,
		logger:    logger,
		lookup:    predictor.LookupRecipe,
		now:       time.Now,
	}
}

// TrainCity fits every base model without an artifact and re-evaluates the
// ones that already have one. A failing model is logged and skipped. Once at
// least one model is usable the ensemble metrics are refreshed too, so the
// lazily computed record never outlives the members it was built from.
func (t *Trainer) TrainCity(ctx context.Context, city string) CityReport {
	report := CityReport{City: city}
	log := t.logger.With("city", city)

	history, err := t.history.History(city)
	if err != nil {
		report.Err = err
		return report
	}
	if len(history) == 0 {
		report.Err = fmt.Errorf("%w for %s", forecast.ErrNoHistoricalData, city)
		return report
	}

	var table features.Table
	tableReady := false
	buildTable := func() (features.Table, error) {
		if tableReady {
			return table, nil
		}
		tbl, err := features.Build(history, t.cfg.LagCount)
		if err != nil {
			return features.Table{}, err
		}
		if tbl.Len() == 0 {
			return features.Table{}, fmt.Errorf("%w: no training rows for %s", features.ErrInsufficientHistory, city)
		}
		table, tableReady = tbl, true
		report.Rows = tbl.Len()
		return table, nil
	}

	for _, name := range t.cfg.BaseModels {
		if err := ctx.Err(); err != nil {
			report.Err = err
			return report
		}
		res := t.trainModel(ctx, city, name, buildTable)
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				report.Err = res.Err
				return report
			}
			log.Error("model failed", "model", name, "error", res.Err)
		} else {
			log.Info("model ready", "model", name, "outcome", res.Outcome,
				"duration", res.Duration.Round(time.Millisecond), "r2", res.Metrics.Overall().R2)
		}
		report.Models = append(report.Models, res)
	}

	if report.Succeeded() == 0 {
		report.Err = fmt.Errorf("%w for %s", forecast.ErrNoUsableModels, city)
		return report
	}
	ens, err := t.evaluator.EvaluateEnsemble(ctx, city)
	if err != nil {
		log.Error("ensemble evaluation failed", "error", err)
	}
	report.Ensemble = ens
	return report
}

func (t *Trainer) trainModel(ctx context.Context, city, name string, buildTable func() (features.Table, error)) ModelResult {
	start := t.now()
	res := ModelResult{Model: name, Outcome: OutcomeFailed}
	defer func() { res.Duration = t.now().Sub(start) }()

	if t.artifacts.Exists(city, name) {
		rec, err := t.evaluator.EvaluateModel(ctx, city, name)
		if err != nil {
			res.Err = fmt.Errorf("re-evaluating existing artifact: %w", err)
			return res
		}
		res.Outcome, res.Metrics = OutcomeReevaluated, rec
		return res
	}

	recipe, err := t.lookup(name)
	if err != nil {
		res.Err = err
		return res
	}
	table, err := buildTable()
	if err != nil {
		res.Err = err
		return res
	}
	p, err := recipe.Fit(ctx, table, t.cfg.Seed)
	if err != nil {
		res.Err = fmt.Errorf("fitting %s: %w", name, err)
		return res
	}
	if err := t.artifacts.Save(city, name, p, t.now()); err != nil {
		res.Err = err
		return res
	}
	// The artifact is kept even if scoring fails.
	res.Outcome = OutcomeTrained
	rec, err := t.evaluator.EvaluateModel(ctx, city, name)
	if err != nil {
		res.Err = fmt.Errorf("evaluating %s: %w", name, err)
		return res
	}
	res.Metrics = rec
	return res
}

// TrainAll runs TrainCity for every configured city concurrently. Cities write
// disjoint artifact and metric keys. Only cancellation is returned as an error;
// per-city failures are reported.
func (t *Trainer) TrainAll(ctx context.Context) ([]CityReport, error) {
	reports := make([]CityReport, len(t.cfg.Cities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(len(t.cfg.Cities), runtime.GOMAXPROCS(0))))
	for i, city := range t.cfg.Cities {
		g.Go(func() error {
			reports[i] = t.TrainCity(gctx, city)
			if err := gctx.Err(); err != nil {
				return err
			}
			if reports[i].Err != nil {
				t.logger.Warn("city skipped", "city", city, "error", reports[i].Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}
