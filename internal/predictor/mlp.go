package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"weather_forecaster/internal/features"
	"weather_forecaster/internal/model"
)

const learnerMLP = "mlp"

// MLPConfig holds the network shape and optimizer settings.
type MLPConfig struct {
	Hidden      []int
	Train       TrainConfig
	ValFraction float64
}

// MLP is a feedforward network over standardized features predicting
// standardized targets.
type MLP struct {
	tabularShape
	Network *Network `json:"network"`
	XScale  Scaler   `json:"x_scale"`
	YScale  Scaler   `json:"y_scale"`
	// Losses holds the per-epoch validation MSE of the training run.
	Losses []float64 `json:"losses,omitempty"`
}

func (m *MLP) Kind() Kind      { return KindRecursiveTabular }
func (m *MLP) Learner() string { return learnerMLP }

func (m *MLP) PredictOne(row []float64) (model.Values, error) {
	if err := m.checkRow(row); err != nil {
		return model.Values{}, err
	}
	z := m.Network.Predict(m.XScale.Transform(row))
	var out model.Values
	copy(out[:], m.YScale.Inverse(z))
	return out, nil
}

func decodeMLP(payload json.RawMessage) (Predictor, error) {
	var m MLP
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.Network == nil || m.Network.InputSize() != m.Width || m.Network.OutputSize() != model.NumTargets {
		return nil, fmt.Errorf("network shape does not match %d inputs and %d outputs", m.Width, model.NumTargets)
	}
	if err := m.XScale.validate(m.Width); err != nil {
		return nil, err
	}
	if err := m.YScale.validate(model.NumTargets); err != nil {
		return nil, err
	}
	return &m, nil
}

// FitMLP trains the network with Adam on a seeded train/validation split.
func FitMLP(ctx context.Context, table features.Table, cfg MLPConfig, seed uint64) (*MLP, error) {
	if table.Len() < 2 {
		return nil, fmt.Errorf("need at least 2 rows, got %d", table.Len())
	}
	rng := rand.New(rand.NewPCG(seed, 0))

	rawX := table.X()
	rawY := make([][]float64, table.Len())
	for i, v := range table.Targets {
		rawY[i] = v[:]
	}

	m := &MLP{
		tabularShape: newShape(table.Schema),
		XScale:       FitScaler(rawX),
		YScale:       FitScaler(rawY),
	}
	X := m.XScale.TransformAll(rawX)
	Y := m.YScale.TransformAll(rawY)

	sizes := append([]int{m.Width}, cfg.Hidden...)
	sizes = append(sizes, model.NumTargets)

	trainX, trainY, valX, valY := ShuffleAndSplit(X, Y, cfg.ValFraction, rng)
	m.Network = NewNetwork(sizes, rng)
	losses, err := m.Network.Train(ctx, trainX, trainY, valX, valY, cfg.Train, rng)
	if err != nil {
		return nil, err
	}
	m.Losses = losses
	return m, nil
}
