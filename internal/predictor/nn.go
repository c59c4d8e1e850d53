package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
)

// Layer represents a fully-connected neural network layer.
type Layer struct {
	Weights [][]float64 `json:"weights"` // [out][in]
	Biases  []float64   `json:"biases"`

	// Adam optimizer state (not serialized).
	mW, vW [][]float64
	mB, vB []float64

	// Cached activations for backprop (not serialized).
	input  []float64
	output []float64
	dW     [][]float64
	dB     []float64
}

// Network is a feedforward neural network with ReLU hidden layers and linear output.
//
// Forward, Backward and Train mutate per-layer scratch state; a trained network
// is only safe for concurrent use through Predict.
type Network struct {
	Layers []Layer `json:"layers"`
}

// TrainConfig holds hyperparameters for training.
type TrainConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	BatchSize    int
	Epochs       int
}

// DefaultTrainConfig returns sensible defaults for training.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		BatchSize:    64,
		Epochs:       200,
	}
}

// NewNetwork creates a network with He initialization.
// sizes specifies the number of neurons in each layer, e.g. [100, 64, 32, 4].
func NewNetwork(sizes []int, rng *rand.Rand) *Network {
	n := &Network{
		Layers: make([]Layer, len(sizes)-1),
	}
	for i := 0; i < len(sizes)-1; i++ {
		in, out := sizes[i], sizes[i+1]
		stddev := math.Sqrt(2.0 / float64(in)) // He init
		layer := Layer{
			Weights: make([][]float64, out),
			Biases:  make([]float64, out),
		}
		for j := 0; j < out; j++ {
			layer.Weights[j] = make([]float64, in)
			for k := 0; k < in; k++ {
				layer.Weights[j][k] = rng.NormFloat64() * stddev
			}
		}
		n.Layers[i] = layer
	}
	n.initAdam()
	return n
}

// InputSize is the width of the first layer.
func (n *Network) InputSize() int {
	if len(n.Layers) == 0 || len(n.Layers[0].Weights) == 0 {
		return 0
	}
	return len(n.Layers[0].Weights[0])
}

// OutputSize is the width of the last layer.
func (n *Network) OutputSize() int {
	if len(n.Layers) == 0 {
		return 0
	}
	return len(n.Layers[len(n.Layers)-1].Biases)
}

func (n *Network) initAdam() {
	for i := range n.Layers {
		l := &n.Layers[i]
		out := len(l.Weights)
		in := len(l.Weights[0])
		l.mW = makeMatrix(out, in)
		l.vW = makeMatrix(out, in)
		l.mB = make([]float64, out)
		l.vB = make([]float64, out)
		l.dW = makeMatrix(out, in)
		l.dB = make([]float64, out)
	}
}

// Predict computes the network output without touching training state.
func (n *Network) Predict(input []float64) []float64 {
	x := input
	for i := range n.Layers {
		x = n.Layers[i].apply(x, i < len(n.Layers)-1)
	}
	return x
}

// Forward computes the network output, caching activations for backprop.
func (n *Network) Forward(input []float64) []float64 {
	x := input
	for i := range n.Layers {
		l := &n.Layers[i]
		l.input = make([]float64, len(x))
		copy(l.input, x)

		l.output = l.apply(x, i < len(n.Layers)-1)
		x = l.output
	}
	return x
}

// apply computes W·x + b, with ReLU for hidden layers.
func (l *Layer) apply(x []float64, relu bool) []float64 {
	y := make([]float64, len(l.Weights))
	for j := range l.Weights {
		sum := l.Biases[j]
		for k, w := range l.Weights[j] {
			sum += w * x[k]
		}
		if relu && sum < 0 {
			sum = 0
		}
		y[j] = sum
	}
	return y
}

// Backward computes gradients given the derivative of loss w.r.t. the output.
// Must be called after Forward. Gradients are accumulated in layer.dW / layer.dB.
func (n *Network) Backward(dOutput []float64) {
	dx := dOutput
	for i := len(n.Layers) - 1; i >= 0; i-- {
		l := &n.Layers[i]
		out := len(l.Weights)
		in := len(l.Weights[0])

		// Apply ReLU derivative for hidden layers.
		if i < len(n.Layers)-1 {
			for j := 0; j < out; j++ {
				if l.output[j] <= 0 {
					dx[j] = 0
				}
			}
		}

		for j := 0; j < out; j++ {
			l.dB[j] += dx[j]
			for k := 0; k < in; k++ {
				l.dW[j][k] += dx[j] * l.input[k]
			}
		}

		if i > 0 {
			dInput := make([]float64, in)
			for k := 0; k < in; k++ {
				for j := 0; j < out; j++ {
					dInput[k] += dx[j] * l.Weights[j][k]
				}
			}
			dx = dInput
		}
	}
}

// ZeroGrad resets accumulated gradients to zero.
func (n *Network) ZeroGrad() {
	for i := range n.Layers {
		l := &n.Layers[i]
		for j := range l.dW {
			clear(l.dW[j])
		}
		clear(l.dB)
	}
}

// UpdateAdam applies Adam weight updates. step is the 1-based global step count.
func (n *Network) UpdateAdam(cfg TrainConfig, step int) {
	c1 := 1 - math.Pow(cfg.Beta1, float64(step))
	c2 := 1 - math.Pow(cfg.Beta2, float64(step))
	adam := func(w, m, v *float64, g float64) {
		*m = cfg.Beta1**m + (1-cfg.Beta1)*g
		*v = cfg.Beta2**v + (1-cfg.Beta2)*g*g
		*w -= cfg.LearningRate * (*m / c1) / (math.Sqrt(*v/c2) + cfg.Epsilon)
	}

	for i := range n.Layers {
		l := &n.Layers[i]
		for j := range l.Weights {
			for k := range l.Weights[j] {
				adam(&l.Weights[j][k], &l.mW[j][k], &l.vW[j][k], l.dW[j][k])
			}
		}
		for j := range l.Biases {
			adam(&l.Biases[j], &l.mB[j], &l.vB[j], l.dB[j])
		}
	}
}

// Train runs mini-batch Adam training and returns per-epoch validation MSE
// loss. It stops early with ctx.Err() when ctx is cancelled between epochs.
func (n *Network) Train(ctx context.Context, trainX, trainY, valX, valY [][]float64, cfg TrainConfig, rng *rand.Rand) ([]float64, error) {
	nTrain := len(trainX)
	indices := make([]int, nTrain)
	for i := range indices {
		indices[i] = i
	}

	step := 0
	epochLosses := make([]float64, 0, cfg.Epochs)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return epochLosses, err
		}

		rng.Shuffle(nTrain, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		for batchStart := 0; batchStart < nTrain; batchStart += cfg.BatchSize {
			batchEnd := min(batchStart+cfg.BatchSize, nTrain)
			scale := 2 / float64((batchEnd-batchStart)*n.OutputSize())

			n.ZeroGrad()
			for b := batchStart; b < batchEnd; b++ {
				idx := indices[b]
				output := n.Forward(trainX[idx])
				// MSE gradient averaged over batch and outputs.
				dOutput := make([]float64, len(output))
				for j := range output {
					dOutput[j] = scale * (output[j] - trainY[idx][j])
				}
				n.Backward(dOutput)
			}

			step++
			n.UpdateAdam(cfg, step)
		}

		epochLosses = append(epochLosses, n.MSELoss(valX, valY))
	}

	return epochLosses, nil
}

// MSELoss computes mean squared error over a dataset, averaged over outputs.
func (n *Network) MSELoss(X, Y [][]float64) float64 {
	if len(X) == 0 {
		return 0
	}
	sum := 0.0
	for i := range X {
		output := n.Predict(X[i])
		for j := range output {
			diff := output[j] - Y[i][j]
			sum += diff * diff
		}
	}
	return sum / float64(len(X)*n.OutputSize())
}

type layerJSON struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

// MarshalJSON serializes the network weights and biases.
func (n *Network) MarshalJSON() ([]byte, error) {
	layers := make([]layerJSON, len(n.Layers))
	for i, l := range n.Layers {
		layers[i] = layerJSON{Weights: l.Weights, Biases: l.Biases}
	}
	return json.Marshal(struct {
		Layers []layerJSON `json:"layers"`
	}{Layers: layers})
}

// UnmarshalJSON deserializes network weights/biases and reinitializes Adam state.
func (n *Network) UnmarshalJSON(data []byte) error {
	var raw struct {
		Layers []layerJSON `json:"layers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Layers = make([]Layer, len(raw.Layers))
	for i, l := range raw.Layers {
		if len(l.Weights) == 0 || len(l.Weights) != len(l.Biases) {
			return fmt.Errorf("layer %d: malformed weights", i)
		}
		n.Layers[i] = Layer{Weights: l.Weights, Biases: l.Biases}
	}
	n.initAdam()
	return nil
}

func makeMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
