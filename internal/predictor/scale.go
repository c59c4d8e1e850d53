package predictor

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler holds per-column z-score parameters.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes column means and standard deviations of X. Columns with
// (near) zero spread get a unit std so they pass through centred.
func FitScaler(X [][]float64) Scaler {
	if len(X) == 0 {
		return Scaler{}
	}
	cols := len(X[0])
	s := Scaler{Mean: make([]float64, cols), Std: make([]float64, cols)}

	col := make([]float64, len(X))
	for j := 0; j < cols; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < 1e-10 {
			std = 1
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return s
}

// Transform returns the standardized copy of x.
func (s Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformAll standardizes every row of X.
func (s Scaler) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.Transform(row)
	}
	return out
}

// Inverse maps standardized values back to the original scale.
func (s Scaler) Inverse(z []float64) []float64 {
	out := make([]float64, len(z))
	for j, v := range z {
		out[j] = v*s.Std[j] + s.Mean[j]
	}
	return out
}

func (s Scaler) validate(width int) error {
	if len(s.Mean) != width || len(s.Std) != width {
		return fmt.Errorf("scaler has %d/%d columns, want %d", len(s.Mean), len(s.Std), width)
	}
	return nil
}
