package predictor

import (
	"fmt"
	"slices"
	"sort"
)

// Node is a regression tree node. Leaves have Feature == -1 and carry one value
// per output.
type Node struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t,omitempty"`
	Left      int       `json:"l,omitempty"`
	Right     int       `json:"r,omitempty"`
	Value     []float64 `json:"v,omitempty"`
}

// Tree is a binary regression tree stored as a flat node slice; the root is
// node 0. Rows with x[Feature] <= Threshold go left.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) leaf(value []float64) int {
	t.Nodes = append(t.Nodes, Node{Feature: -1, Value: value})
	return len(t.Nodes) - 1
}

// split turns leaf id into an internal node with two fresh leaves and returns
// their ids.
func (t *Tree) split(id, feature int, threshold float64) (left, right int) {
	left = t.leaf(nil)
	right = t.leaf(nil)
	t.Nodes[id] = Node{Feature: feature, Threshold: threshold, Left: left, Right: right}
	return left, right
}

// Predict returns the leaf values for x. The returned slice is shared.
func (t *Tree) Predict(x []float64) []float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Leaves returns the number of leaf nodes.
func (t *Tree) Leaves() int {
	n := 0
	for _, node := range t.Nodes {
		if node.Feature < 0 {
			n++
		}
	}
	return n
}

func (t *Tree) validate(width, outputs int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			if len(n.Value) != outputs {
				return fmt.Errorf("leaf %d has %d values, want %d", i, len(n.Value), outputs)
			}
			continue
		}
		if n.Feature >= width {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, width)
		}
		// Children always follow their parent, which also rules out cycles.
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

// binner maps raw feature values to histogram bins. Bin b of feature f holds
// values in (edges[f][b-1], edges[f][b]]; the last bin is unbounded above.
type binner struct {
	edges [][]float64
}

const maxHistogramBins = 255

func newBinner(X [][]float64, maxBins int) *binner {
	maxBins = min(max(maxBins, 2), maxHistogramBins)
	width := len(X[0])
	b := &binner{edges: make([][]float64, width)}

	col := make([]float64, len(X))
	for f := 0; f < width; f++ {
		for i, row := range X {
			col[i] = row[f]
		}
		sorted := slices.Clone(col)
		slices.Sort(sorted)
		uniq := slices.Compact(sorted)

		var edges []float64
		if len(uniq) <= maxBins {
			for i := 0; i+1 < len(uniq); i++ {
				edges = append(edges, (uniq[i]+uniq[i+1])/2)
			}
		} else {
			// Quantile edges over the full (non-unique) column.
			slices.Sort(col)
			for k := 1; k < maxBins; k++ {
				edges = append(edges, col[k*len(col)/maxBins])
			}
			edges = slices.Compact(edges)
			if edges[len(edges)-1] >= col[len(col)-1] {
				edges = edges[:len(edges)-1]
			}
		}
		b.edges[f] = edges
	}
	return b
}

func (b *binner) bin(f int, v float64) uint8 {
	return uint8(sort.SearchFloat64s(b.edges[f], v))
}

func (b *binner) numBins(f int) int {
	return len(b.edges[f]) + 1
}

// transform returns the binned matrix in column-major order: bins[f][i].
func (b *binner) transform(X [][]float64) [][]uint8 {
	bins := make([][]uint8, len(b.edges))
	for f := range bins {
		bins[f] = make([]uint8, len(X))
		for i, row := range X {
			bins[f][i] = b.bin(f, row[f])
		}
	}
	return bins
}

// partition splits idx in place by bins[f][i] <= b and returns both halves.
func partition(idx []int, bins []uint8, b uint8) (left, right []int) {
	i, j := 0, len(idx)-1
	for i <= j {
		if bins[idx[i]] <= b {
			i++
		} else {
			idx[i], idx[j] = idx[j], idx[i]
			j--
		}
	}
	return idx[:i], idx[i:]
}
