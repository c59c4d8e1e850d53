package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"weather_forecaster/internal/features"
	"weather_forecaster/internal/model"
)

const learnerExtraTrees = "extra_trees"

// ExtraTreesConfig holds extremely randomized trees hyperparameters.
type ExtraTreesConfig struct {
	Trees          int
	MaxDepth       int // 0 means unlimited
	MinSamplesLeaf int
}

// ExtraTrees is a multi-output extremely randomized trees regressor: every
// leaf predicts all targets at once and the forest averages its trees.
type ExtraTrees struct {
	tabularShape
	Forest []Tree `json:"forest"`
}

func (e *ExtraTrees) Kind() Kind      { return KindRecursiveTabular }
func (e *ExtraTrees) Learner() string { return learnerExtraTrees }

func (e *ExtraTrees) PredictOne(row []float64) (model.Values, error) {
	if err := e.checkRow(row); err != nil {
		return model.Values{}, err
	}
	var out model.Values
	for i := range e.Forest {
		leaf := e.Forest[i].Predict(row)
		for t := range out {
			out[t] += leaf[t]
		}
	}
	for t := range out {
		out[t] /= float64(len(e.Forest))
	}
	return out, nil
}

func decodeExtraTrees(payload json.RawMessage) (Predictor, error) {
	var e ExtraTrees
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	if len(e.Forest) == 0 {
		return nil, fmt.Errorf("empty forest")
	}
	for i := range e.Forest {
		if err := e.Forest[i].validate(e.Width, model.NumTargets); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return &e, nil
}

// FitExtraTrees grows the forest in parallel. Tree i is seeded with seed+i so
// the result does not depend on scheduling.
func FitExtraTrees(ctx context.Context, table features.Table, cfg ExtraTreesConfig, seed uint64) (*ExtraTrees, error) {
	if table.Len() == 0 {
		return nil, fmt.Errorf("empty training table")
	}
	if cfg.Trees < 1 {
		return nil, fmt.Errorf("invalid forest size %d", cfg.Trees)
	}
	cfg.MinSamplesLeaf = max(cfg.MinSamplesLeaf, 1)

	X := table.X()
	forest := make([]Tree, cfg.Trees)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range forest {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b := &extraBuilder{
				X:   X,
				Y:   table.Targets,
				cfg: cfg,
				rng: rand.New(rand.NewPCG(seed+uint64(i), 0)),
			}
			idx := make([]int, len(X))
			for j := range idx {
				idx[j] = j
			}
			b.build(idx, 0)
			forest[i] = b.tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ExtraTrees{tabularShape: newShape(table.Schema), Forest: forest}, nil
}

type extraBuilder struct {
	X    [][]float64
	Y    []model.Values
	cfg  ExtraTreesConfig
	rng  *rand.Rand
	tree Tree
}

// build grows the subtree for idx and returns its node id.
func (b *extraBuilder) build(idx []int, depth int) int {
	id := b.tree.leaf(nil)

	canSplit := len(idx) >= 2*b.cfg.MinSamplesLeaf &&
		(b.cfg.MaxDepth == 0 || depth < b.cfg.MaxDepth)
	if canSplit {
		if f, threshold, ok := b.randomSplit(idx); ok {
			left, right := partitionRaw(idx, b.X, f, threshold)
			leftID := b.build(left, depth+1)
			rightID := b.build(right, depth+1)
			b.tree.Nodes[id] = Node{Feature: f, Threshold: threshold, Left: leftID, Right: rightID}
			return id
		}
	}

	b.tree.Nodes[id].Value = b.mean(idx)
	return id
}

// randomSplit draws one uniform threshold per feature and keeps the one with
// the largest variance reduction summed over targets.
func (b *extraBuilder) randomSplit(idx []int) (feature int, threshold float64, ok bool) {
	var total model.Values
	for _, i := range idx {
		for t, v := range b.Y[i] {
			total[t] += v
		}
	}
	n := float64(len(idx))
	parent := 0.0
	for _, s := range total {
		parent += s * s / n
	}

	bestGain := minSplitGain
	feature = -1
	width := len(b.X[0])
	for f := 0; f < width; f++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.X[i][f]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi-lo < 1e-12 {
			continue
		}
		thr := lo + b.rng.Float64()*(hi-lo)

		var left model.Values
		nl := 0
		for _, i := range idx {
			if b.X[i][f] <= thr {
				nl++
				for t, v := range b.Y[i] {
					left[t] += v
				}
			}
		}
		nr := len(idx) - nl
		if nl < b.cfg.MinSamplesLeaf || nr < b.cfg.MinSamplesLeaf {
			continue
		}

		gain := -parent
		for t := range left {
			right := total[t] - left[t]
			gain += left[t]*left[t]/float64(nl) + right*right/float64(nr)
		}
		if gain > bestGain {
			bestGain, feature, threshold = gain, f, thr
		}
	}
	return feature, threshold, feature >= 0
}

func (b *extraBuilder) mean(idx []int) []float64 {
	out := make([]float64, model.NumTargets)
	for _, i := range idx {
		for t, v := range b.Y[i] {
			out[t] += v
		}
	}
	for t := range out {
		out[t] /= float64(len(idx))
	}
	return out
}

func partitionRaw(idx []int, X [][]float64, f int, threshold float64) (left, right []int) {
	i, j := 0, len(idx)-1
	for i <= j {
		if X[idx[i]][f] <= threshold {
			i++
		} else {
			idx[i], idx[j] = idx[j], idx[i]
			j--
		}
	}
	return idx[:i], idx[i:]
}
