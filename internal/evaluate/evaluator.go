package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/features"
	"weather_forecaster/internal/forecast"
	"weather_forecaster/internal/logging"
	"weather_forecaster/internal/model"
	"weather_forecaster/internal/predictor"
)

// Evaluator scores predictors on the held-out share of a city's training
// table. The split is fixed by cfg.Seed and cfg.TestFraction, so repeated
// evaluations of the same artifacts give the same record.
type Evaluator struct {
	cfg       config.Config
	history   forecast.HistorySource
	artifacts forecast.ArtifactSource
	store     Store
	logger    *slog.Logger
}

func NewEvaluator(cfg config.Config, history forecast.HistorySource, artifacts forecast.ArtifactSource, store Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Evaluator{cfg: cfg, history: history, artifacts: artifacts, store: store, logger: logger}
}

// Store returns the record store the evaluator writes to.
func (e *Evaluator) Store() Store {
	return e.store
}

// heldOut lazily builds the test split of the training table, one per lag
// count, so predictors trained with different lags can share an evaluation.
type heldOut struct {
	e       *Evaluator
	history []model.Observation
	tables  map[int]features.Table
}

func (e *Evaluator) heldOut(city string) (*heldOut, error) {
	history, err := e.history.History(city)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w for %s", forecast.ErrNoHistoricalData, city)
	}
	return &heldOut{e: e, history: history, tables: make(map[int]features.Table)}, nil
}

func (h *heldOut) table(lagCount int) (features.Table, error) {
	if t, ok := h.tables[lagCount]; ok {
		return t, nil
	}
	full, err := features.Build(h.history, lagCount)
	if err != nil {
		return features.Table{}, err
	}
	_, test := predictor.Split(full.Len(), h.e.cfg.TestFraction, h.e.cfg.Seed)
	t := full.Subset(test)
	h.tables[lagCount] = t
	return t, nil
}

// predict returns p's non-recursive predictions for the held-out rows along
// with their true values.
func (h *heldOut) predict(p predictor.Predictor) (truth, predicted []model.Values, err error) {
	switch p := p.(type) {
	case predictor.Tabular:
		t, err := h.table(p.LagCount())
		if err != nil {
			return nil, nil, err
		}
		predicted = make([]model.Values, t.Len())
		for i, row := range t.Rows {
			if predicted[i], err = p.PredictOne(row.Values); err != nil {
				return nil, nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		return t.Targets, predicted, nil

	case predictor.MultiHorizon:
		t, err := h.table(h.e.cfg.LagCount)
		if err != nil {
			return nil, nil, err
		}
		rows, err := p.PredictRange(t.Timestamps(), false)
		if err != nil {
			return nil, nil, err
		}
		predicted = make([]model.Values, len(rows))
		for i, r := range rows {
			predicted[i] = r.Values
		}
		return t.Targets, predicted, nil

	default:
		return nil, nil, fmt.Errorf("unsupported predictor %s (%s)", p.Learner(), p.Kind())
	}
}

// EvaluateModel scores the stored artifact of one base model and saves the
// record.
func (e *Evaluator) EvaluateModel(ctx context.Context, city, modelName string) (Record, error) {
	if modelName == config.EnsembleModel {
		return e.EvaluateEnsemble(ctx, city)
	}
	p, err := e.artifacts.Load(city, modelName)
	if err != nil {
		return nil, err
	}
	h, err := e.heldOut(city)
	if err != nil {
		return nil, err
	}
	truth, predicted, err := h.predict(p)
	if err != nil {
		return nil, fmt.Errorf("evaluating %s for %s: %w", modelName, city, err)
	}
	rec, err := Compute(truth, predicted)
	if err != nil {
		return nil, fmt.Errorf("evaluating %s for %s: %w", modelName, city, err)
	}
	if err := e.store.Save(ctx, city, modelName, rec); err != nil {
		return nil, err
	}
	e.logger.Info("model evaluated", "city", city, "model", modelName, "rows", len(truth),
		"mae", rec.Overall().MAE, "r2", rec.Overall().R2)
	return rec, nil
}

// EvaluateEnsemble averages the held-out predictions of every available base
// model, scores the mean and saves it under the ensemble name. Missing or
// failing members are skipped.
func (e *Evaluator) EvaluateEnsemble(ctx context.Context, city string) (Record, error) {
	h, err := e.heldOut(city)
	if err != nil {
		return nil, err
	}

	var truth, sum []model.Values
	members := 0
	for _, name := range e.cfg.BaseModels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := e.artifacts.Load(city, name)
		if errors.Is(err, artifact.ErrModelNotFound) {
			e.logger.Warn("ensemble member missing", "city", city, "model", name)
			continue
		}
		if err != nil {
			e.logger.Error("loading ensemble member", "city", city, "model", name, "error", err)
			continue
		}
		y, pred, err := h.predict(p)
		if err != nil {
			e.logger.Error("ensemble member failed", "city", city, "model", name, "error", err)
			continue
		}
		if sum == nil {
			truth = y
			sum = make([]model.Values, len(pred))
		}
		if len(pred) != len(sum) {
			e.logger.Error("ensemble member row count mismatch", "city", city, "model", name,
				"rows", len(pred), "want", len(sum))
			continue
		}
		for i, v := range pred {
			for t := range v {
				sum[i][t] += v[t]
			}
		}
		members++
	}
	if members == 0 || members < e.cfg.EnsembleMinMembers {
		return nil, fmt.Errorf("%w for %s: %d base models evaluated", forecast.ErrNoUsableModels, city, members)
	}

	for i := range sum {
		for t := range sum[i] {
			sum[i][t] /= float64(members)
		}
	}
	rec, err := Compute(truth, sum)
	if err != nil {
		return nil, fmt.Errorf("evaluating ensemble for %s: %w", city, err)
	}
	if err := e.store.Save(ctx, city, config.EnsembleModel, rec); err != nil {
		return nil, err
	}
	e.logger.Info("ensemble evaluated", "city", city, "members", members, "rows", len(truth),
		"mae", rec.Overall().MAE, "r2", rec.Overall().R2)
	return rec, nil
}

// EnsembleMetrics returns the stored ensemble record, computing it on a miss.
func (e *Evaluator) EnsembleMetrics(ctx context.Context, city string) (Record, error) {
	rec, err := e.store.Load(ctx, city, config.EnsembleModel)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	return e.EvaluateEnsemble(ctx, city)
}
