// Package predictor defines the trained-model contract used by the forecast
// engine, the JSON artifact envelope predictors are persisted in, and the
// native learners that produce them.
package predictor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"weather_forecaster/internal/features"
	"weather_forecaster/internal/model"
)

// Kind tells the forecast engine how to drive a predictor.
type Kind string

const (
	// KindRecursiveTabular predictors map one feature row to the next hour.
	KindRecursiveTabular Kind = "recursive_tabular"
	// KindNativeMultiHorizon predictors forecast a whole range from timestamps.
	KindNativeMultiHorizon Kind = "native_multi_horizon"
)

var (
	ErrUnknownLearner = errors.New("unknown learner")
	ErrRowWidth       = errors.New("feature row width mismatch")
)

// Predictor is a trained model. Implementations are immutable once built and
// safe for concurrent use.
type Predictor interface {
	Kind() Kind
	Learner() string
}

// Tabular predicts the next hour of every target from a lagged feature row.
type Tabular interface {
	Predictor
	LagCount() int
	PredictOne(row []float64) (model.Values, error)
}

// MultiHorizon predicts every target for arbitrary timestamps in one call.
// Lower and Upper are filled only when withBounds is set.
type MultiHorizon interface {
	Predictor
	PredictRange(ts []time.Time, withBounds bool) ([]model.ForecastRow, error)
}

// Meta describes a persisted predictor.
type Meta struct {
	Kind      Kind      `json:"kind"`
	Learner   string    `json:"learner"`
	City      string    `json:"city"`
	Model     string    `json:"model"`
	LagCount  int       `json:"lag_count,omitempty"`
	TrainedAt time.Time `json:"trained_at"`
}

type envelope struct {
	Meta
	Payload json.RawMessage `json:"payload"`
}

type decodeFunc func(payload json.RawMessage) (Predictor, error)

var decoders = map[string]decodeFunc{
	learnerBoosted:    decodeBoosted,
	learnerExtraTrees: decodeExtraTrees,
	learnerMLP:        decodeMLP,
	learnerSeasonal:   decodeSeasonal,
}

// Encode wraps p in an artifact envelope.
func Encode(p Predictor, city, modelName string, trainedAt time.Time) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Learner(), err)
	}

	meta := Meta{
		Kind:      p.Kind(),
		Learner:   p.Learner(),
		City:      city,
		Model:     modelName,
		TrainedAt: trainedAt.UTC(),
	}
	if t, ok := p.(Tabular); ok {
		meta.LagCount = t.LagCount()
	}
	return json.Marshal(envelope{Meta: meta, Payload: payload})
}

// Decode restores a predictor from its artifact envelope.
func Decode(data []byte) (Predictor, Meta, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Meta{}, fmt.Errorf("decoding artifact envelope: %w", err)
	}

	decode, ok := decoders[env.Learner]
	if !ok {
		return nil, env.Meta, fmt.Errorf("%w: %q", ErrUnknownLearner, env.Learner)
	}
	p, err := decode(env.Payload)
	if err != nil {
		return nil, env.Meta, fmt.Errorf("decoding %s payload: %w", env.Learner, err)
	}

	if p.Kind() != env.Kind {
		return nil, env.Meta, fmt.Errorf("artifact kind %q does not match learner %s (%q)", env.Kind, env.Learner, p.Kind())
	}
	if t, ok := p.(Tabular); ok && t.LagCount() != env.LagCount {
		return nil, env.Meta, fmt.Errorf("artifact lag count %d does not match payload (%d)", env.LagCount, t.LagCount())
	}
	return p, env.Meta, nil
}

// tabularShape is embedded by tabular predictors to carry the row layout.
type tabularShape struct {
	Lags  int `json:"lag_count"`
	Width int `json:"width"`
}

func newShape(schema features.Schema) tabularShape {
	return tabularShape{Lags: schema.LagCount, Width: schema.Width()}
}

func (s tabularShape) LagCount() int { return s.Lags }

func (s tabularShape) checkRow(row []float64) error {
	if len(row) != s.Width {
		return fmt.Errorf("%w: got %d values, want %d", ErrRowWidth, len(row), s.Width)
	}
	return nil
}

func (s tabularShape) validate() error {
	if s.Lags < 1 || s.Width != features.NewSchema(s.Lags).Width() {
		return fmt.Errorf("invalid row shape: lag_count=%d width=%d", s.Lags, s.Width)
	}
	return nil
}
