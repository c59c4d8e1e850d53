// Package evaluate scores predictors on a held-out split of the training
// table and persists the resulting metric records.
package evaluate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"weather_forecaster/internal/model"
)

// OverallKey is the record entry averaging every target.
const OverallKey = "overall"

var ErrNoRows = errors.New("no rows to score")

// TargetMetrics are the error scores of a single target. MAPE is nil when no
// true value is non-zero.
type TargetMetrics struct {
	MAE  float64  `json:"mae"`
	RMSE float64  `json:"rmse"`
	R2   float64  `json:"r2"`
	MAPE *float64 `json:"mape"`
}

// Record maps every target column name, plus OverallKey, to its scores.
type Record map[string]TargetMetrics

// Overall returns the averaged scores.
func (r Record) Overall() TargetMetrics {
	return r[OverallKey]
}

// MarshalJSON writes the targets in canonical order followed by the overall
// entry and then any other keys, sorted.
func (r Record) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(r))
	for _, t := range model.Targets {
		if _, ok := r[t.Column()]; ok {
			keys = append(keys, t.Column())
		}
	}
	if _, ok := r[OverallKey]; ok {
		keys = append(keys, OverallKey)
	}
	known := len(keys)
	for k := range r {
		if !slices.Contains(keys[:known], k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys[known:])

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Compute scores predicted against truth, target by target.
func Compute(truth, predicted []model.Values) (Record, error) {
	if len(truth) != len(predicted) {
		return nil, fmt.Errorf("got %d true rows and %d predictions", len(truth), len(predicted))
	}
	if len(truth) == 0 {
		return nil, ErrNoRows
	}

	rec := make(Record, model.NumTargets+1)
	y := make([]float64, len(truth))
	p := make([]float64, len(truth))
	var overall TargetMetrics
	var mapes []float64
	for _, t := range model.Targets {
		for i := range truth {
			y[i] = truth[i][t]
			p[i] = predicted[i][t]
		}
		m := score(y, p)
		rec[t.Column()] = m

		overall.MAE += m.MAE
		overall.RMSE += m.RMSE
		overall.R2 += m.R2
		if m.MAPE != nil {
			mapes = append(mapes, *m.MAPE)
		}
	}

	overall.MAE /= model.NumTargets
	overall.RMSE /= model.NumTargets
	overall.R2 /= model.NumTargets
	if len(mapes) > 0 {
		mape := stat.Mean(mapes, nil)
		overall.MAPE = &mape
	}
	rec[OverallKey] = overall
	return rec, nil
}

func score(y, p []float64) TargetMetrics {
	n := float64(len(y))
	m := TargetMetrics{
		MAE:  floats.Distance(y, p, 1) / n,
		RMSE: floats.Distance(y, p, 2) / math.Sqrt(n),
		R2:   r2(y, p),
	}

	var sum float64
	var count int
	for i, v := range y {
		if v == 0 {
			continue
		}
		sum += math.Abs((v - p[i]) / v)
		count++
	}
	if count > 0 {
		mape := sum / float64(count) * 100
		m.MAPE = &mape
	}
	return m
}

// r2 is the coefficient of determination. A constant truth scores 1 when
// matched exactly and 0 otherwise.
func r2(y, p []float64) float64 {
	mean := stat.Mean(y, nil)
	constant := true
	for _, v := range y {
		if v != mean {
			constant = false
			break
		}
	}
	if !constant {
		return stat.RSquaredFrom(p, y, nil)
	}
	if floats.Equal(y, p) {
		return 1
	}
	return 0
}
