package predictor

import (
	"math"
	"math/rand/v2"
)

// Split returns a seeded shuffle of 0..n-1 cut into train and test index sets.
// The test set holds ceil(n*testFraction) rows, but never all of them.
func Split(n int, testFraction float64, seed uint64) (train, test []int) {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	nTest := int(math.Ceil(float64(n) * testFraction))
	if nTest >= n {
		nTest = n - 1
	}
	if nTest < 0 {
		nTest = 0
	}
	return indices[nTest:], indices[:nTest]
}

// ShuffleAndSplit shuffles paired rows and holds out valFraction of them
// (at least one) for validation.
func ShuffleAndSplit(X, Y [][]float64, valFraction float64, rng *rand.Rand) (trainX, trainY, valX, valY [][]float64) {
	n := len(X)
	nVal := int(float64(n) * valFraction)
	if nVal < 1 {
		nVal = 1
	}
	nTrain := n - nVal

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	trainX = make([][]float64, nTrain)
	trainY = make([][]float64, nTrain)
	valX = make([][]float64, nVal)
	valY = make([][]float64, nVal)
	for i := 0; i < nTrain; i++ {
		trainX[i] = X[indices[i]]
		trainY[i] = Y[indices[i]]
	}
	for i := 0; i < nVal; i++ {
		valX[i] = X[indices[nTrain+i]]
		valY[i] = Y[indices[nTrain+i]]
	}
	return
}
