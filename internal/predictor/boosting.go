package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"weather_forecaster/internal/features"
	"weather_forecaster/internal/model"
)

const learnerBoosted = "gbrt"

// Growth selects how boosted trees are grown.
type Growth string

const (
	// GrowDepthwise splits every node with positive gain down to MaxDepth.
	GrowDepthwise Growth = "depthwise"
	// GrowLeafwise always splits the leaf with the largest gain, up to MaxLeaves.
	GrowLeafwise Growth = "leafwise"
	// GrowOblivious uses one shared split per level (symmetric trees).
	GrowOblivious Growth = "oblivious"
)

// earlyStoppingMinRows is the table size above which EarlyStopping kicks in.
const earlyStoppingMinRows = 10000

const minSplitGain = 1e-12

// BoostConfig holds gradient boosting hyperparameters. Zero MaxDepth or
// MaxLeaves means unlimited.
type BoostConfig struct {
	Rounds         int
	LearningRate   float64
	Growth         Growth
	MaxDepth       int
	MaxLeaves      int
	MinSamplesLeaf int
	L2             float64
	MaxBins        int

	EarlyStopping      bool
	ValidationFraction float64
	Patience           int
}

// BoostedTrees is a squared-loss gradient boosted tree ensemble with one
// independent model per target.
type BoostedTrees struct {
	tabularShape
	Family string                   `json:"family"`
	Base   model.Values             `json:"base"`
	Trees  [model.NumTargets][]Tree `json:"trees"`
}

func (b *BoostedTrees) Kind() Kind      { return KindRecursiveTabular }
func (b *BoostedTrees) Learner() string { return learnerBoosted }

func (b *BoostedTrees) PredictOne(row []float64) (model.Values, error) {
	if err := b.checkRow(row); err != nil {
		return model.Values{}, err
	}
	out := b.Base
	for t := range b.Trees {
		for i := range b.Trees[t] {
			out[t] += b.Trees[t][i].Predict(row)[0]
		}
	}
	return out, nil
}

func decodeBoosted(payload json.RawMessage) (Predictor, error) {
	var b BoostedTrees
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	for t := range b.Trees {
		for i := range b.Trees[t] {
			if err := b.Trees[t][i].validate(b.Width, 1); err != nil {
				return nil, fmt.Errorf("%s tree %d: %w", model.Target(t), i, err)
			}
		}
	}
	return &b, nil
}

// FitBoosted trains one boosted ensemble per target on the table.
func FitBoosted(ctx context.Context, table features.Table, family string, cfg BoostConfig, seed uint64) (*BoostedTrees, error) {
	if table.Len() == 0 {
		return nil, fmt.Errorf("empty training table")
	}
	if cfg.Rounds < 1 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("invalid boosting config: rounds=%d learning_rate=%v", cfg.Rounds, cfg.LearningRate)
	}
	cfg.MinSamplesLeaf = max(cfg.MinSamplesLeaf, 1)

	X := table.X()
	bn := newBinner(X, cfg.MaxBins)
	g := &grower{X: X, bins: bn.transform(X), binner: bn, cfg: cfg}

	out := &BoostedTrees{
		tabularShape: newShape(table.Schema),
		Family:       family,
	}
	y := make([]float64, table.Len())
	for _, t := range model.Targets {
		for i, v := range table.Targets {
			y[i] = v[t]
		}
		base, trees, err := g.boost(ctx, y, seed)
		if err != nil {
			return nil, fmt.Errorf("boosting %s: %w", t, err)
		}
		out.Base[t] = base
		out.Trees[t] = trees
	}
	return out, nil
}

type grower struct {
	X      [][]float64
	bins   [][]uint8
	binner *binner
	cfg    BoostConfig

	grad []float64
}

func (g *grower) boost(ctx context.Context, y []float64, seed uint64) (float64, []Tree, error) {
	n := len(y)
	trainIdx := make([]int, n)
	for i := range trainIdx {
		trainIdx[i] = i
	}
	var valIdx []int
	if g.cfg.EarlyStopping && n > earlyStoppingMinRows {
		trainIdx, valIdx = Split(n, g.cfg.ValidationFraction, seed)
	}

	base := 0.0
	for _, i := range trainIdx {
		base += y[i]
	}
	base /= float64(len(trainIdx))

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = base
	}
	g.grad = make([]float64, n)

	var trees []Tree
	bestLoss, bestRound := math.Inf(1), 0
	for r := 0; r < g.cfg.Rounds; r++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		for _, i := range trainIdx {
			g.grad[i] = y[i] - pred[i]
		}
		tree := g.grow(slices.Clone(trainIdx))
		for i := range pred {
			pred[i] += tree.Predict(g.X[i])[0]
		}
		trees = append(trees, tree)

		if valIdx == nil {
			continue
		}
		loss := 0.0
		for _, i := range valIdx {
			d := y[i] - pred[i]
			loss += d * d
		}
		if loss < bestLoss {
			bestLoss, bestRound = loss, r+1
		} else if r+1-bestRound >= g.cfg.Patience {
			break
		}
	}
	if valIdx != nil {
		trees = trees[:bestRound]
	}
	return base, trees, nil
}

func (g *grower) grow(idx []int) Tree {
	if g.cfg.Growth == GrowOblivious {
		return g.growOblivious(idx)
	}
	maxLeaves := g.cfg.MaxLeaves
	if g.cfg.Growth == GrowDepthwise {
		maxLeaves = 0
	}
	return g.growLeafwise(idx, maxLeaves)
}

type openLeaf struct {
	id    int
	idx   []int
	depth int
	cand  splitCandidate
}

type splitCandidate struct {
	gain    float64
	feature int
	bin     uint8
}

func (g *grower) growLeafwise(idx []int, maxLeaves int) Tree {
	var tree Tree
	leaves := []openLeaf{{id: tree.leaf(nil), idx: idx}}
	leaves[0].cand = g.candidate(leaves[0])

	for maxLeaves == 0 || len(leaves) < maxLeaves {
		best := -1
		for i, l := range leaves {
			if l.cand.feature >= 0 && (best < 0 || l.cand.gain > leaves[best].cand.gain) {
				best = i
			}
		}
		if best < 0 {
			break
		}

		l := leaves[best]
		f, b := l.cand.feature, l.cand.bin
		leftID, rightID := tree.split(l.id, f, g.binner.edges[f][b])
		leftIdx, rightIdx := partition(l.idx, g.bins[f], b)

		left := openLeaf{id: leftID, idx: leftIdx, depth: l.depth + 1}
		right := openLeaf{id: rightID, idx: rightIdx, depth: l.depth + 1}
		left.cand = g.candidate(left)
		right.cand = g.candidate(right)
		leaves[best] = left
		leaves = append(leaves, right)
	}

	for _, l := range leaves {
		tree.Nodes[l.id].Value = []float64{g.leafValue(l.idx)}
	}
	return tree
}

func (g *grower) candidate(l openLeaf) splitCandidate {
	if g.cfg.MaxDepth > 0 && l.depth >= g.cfg.MaxDepth {
		return splitCandidate{feature: -1}
	}
	return g.bestSplit(l.idx)
}

func (g *grower) bestSplit(idx []int) splitCandidate {
	best := splitCandidate{gain: minSplitGain, feature: -1}
	n := len(idx)
	if n < 2*g.cfg.MinSamplesLeaf {
		return best
	}

	total := 0.0
	for _, i := range idx {
		total += g.grad[i]
	}
	parent := g.score(total, n)

	var sums [maxHistogramBins + 1]float64
	var counts [maxHistogramBins + 1]int
	for f, col := range g.bins {
		nb := g.binner.numBins(f)
		if nb < 2 {
			continue
		}
		clear(sums[:nb])
		clear(counts[:nb])
		for _, i := range idx {
			sums[col[i]] += g.grad[i]
			counts[col[i]]++
		}

		sl, nl := 0.0, 0
		for b := 0; b < nb-1; b++ {
			sl += sums[b]
			nl += counts[b]
			if nl < g.cfg.MinSamplesLeaf {
				continue
			}
			if n-nl < g.cfg.MinSamplesLeaf {
				break
			}
			gain := g.score(sl, nl) + g.score(total-sl, n-nl) - parent
			if gain > best.gain {
				best = splitCandidate{gain: gain, feature: f, bin: uint8(b)}
			}
		}
	}
	return best
}

// growOblivious grows a symmetric tree: every node of a level shares the split
// that maximizes the summed gain of the level.
func (g *grower) growOblivious(idx []int) Tree {
	var tree Tree
	level := []openLeaf{{id: tree.leaf(nil), idx: idx}}

	gains := make([]float64, maxHistogramBins)
	var sums [maxHistogramBins + 1]float64
	var counts [maxHistogramBins + 1]int

	for depth := 0; depth < g.cfg.MaxDepth; depth++ {
		best := splitCandidate{gain: minSplitGain, feature: -1}

		for f, col := range g.bins {
			nb := g.binner.numBins(f)
			if nb < 2 {
				continue
			}
			clear(gains[:nb-1])

			for _, l := range level {
				clear(sums[:nb])
				clear(counts[:nb])
				total := 0.0
				for _, i := range l.idx {
					sums[col[i]] += g.grad[i]
					counts[col[i]]++
					total += g.grad[i]
				}
				parent := g.score(total, len(l.idx))

				sl, nl := 0.0, 0
				for b := 0; b < nb-1; b++ {
					sl += sums[b]
					nl += counts[b]
					gains[b] += g.score(sl, nl) + g.score(total-sl, len(l.idx)-nl) - parent
				}
			}

			for b := 0; b < nb-1; b++ {
				if gains[b] > best.gain {
					best = splitCandidate{gain: gains[b], feature: f, bin: uint8(b)}
				}
			}
		}

		if best.feature < 0 {
			break
		}
		threshold := g.binner.edges[best.feature][best.bin]
		next := make([]openLeaf, 0, 2*len(level))
		for _, l := range level {
			leftID, rightID := tree.split(l.id, best.feature, threshold)
			leftIdx, rightIdx := partition(l.idx, g.bins[best.feature], best.bin)
			next = append(next, openLeaf{id: leftID, idx: leftIdx}, openLeaf{id: rightID, idx: rightIdx})
		}
		level = next
	}

	for _, l := range level {
		tree.Nodes[l.id].Value = []float64{g.leafValue(l.idx)}
	}
	return tree
}

// score is the regularized squared-loss structure score of a node holding
// gradient sum s over c rows.
func (g *grower) score(s float64, c int) float64 {
	if c == 0 {
		return 0
	}
	return s * s / (float64(c) + g.cfg.L2)
}

func (g *grower) leafValue(idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	s := 0.0
	for _, i := range idx {
		s += g.grad[i]
	}
	return g.cfg.LearningRate * s / (float64(len(idx)) + g.cfg.L2)
}
