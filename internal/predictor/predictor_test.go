package predictor

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather_forecaster/internal/features"
	"weather_forecaster/internal/model"
)

var trainedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// syntheticHistory generates hourly weather with a daily cycle plus noise.
func syntheticHistory(hours int, seed uint64) []model.Observation {
	rng := rand.New(rand.NewPCG(seed, 0))
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	obs := make([]model.Observation, hours)
	for i := range obs {
		ts := start.Add(time.Duration(i) * time.Hour)
		phase := 2 * math.Pi * float64(ts.Hour()) / 24
		obs[i] = model.Observation{
			Timestamp: ts,
			Values: model.Values{
				28 + 6*math.Sin(phase) + rng.NormFloat64()*0.3,
				60 - 15*math.Sin(phase) + rng.NormFloat64(),
				12 + 4*math.Cos(phase) + rng.NormFloat64()*0.5,
				180 + 40*math.Sin(phase) + rng.NormFloat64()*5,
			},
		}
	}
	return obs
}

func syntheticTable(t *testing.T, hours, lags int) features.Table {
	t.Helper()
	table, err := features.Build(syntheticHistory(hours, 42), lags)
	require.NoError(t, err)
	return table
}

func meanAbsError(t *testing.T, p Tabular, table features.Table, target model.Target) float64 {
	t.Helper()
	sum := 0.0
	for i, row := range table.Rows {
		v, err := p.PredictOne(row.Values)
		require.NoError(t, err)
		sum += math.Abs(v[target] - table.Targets[i][target])
	}
	return sum / float64(table.Len())
}

func roundTrip(t *testing.T, p Predictor) Predictor {
	t.Helper()
	data, err := Encode(p, "delhi", "Test", trainedAt)
	require.NoError(t, err)

	loaded, meta, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "delhi", meta.City)
	assert.Equal(t, "Test", meta.Model)
	assert.Equal(t, p.Kind(), meta.Kind)
	assert.Equal(t, p.Learner(), meta.Learner)
	assert.True(t, trainedAt.Equal(meta.TrainedAt))
	return loaded
}

func TestFitBoosted_Growths(t *testing.T) {
	table := syntheticTable(t, 24*10, 3)

	tests := []struct {
		name string
		cfg  BoostConfig
	}{
		{"depthwise", BoostConfig{Rounds: 30, LearningRate: 0.3, Growth: GrowDepthwise, MaxDepth: 3, L2: 1, MaxBins: 32}},
		{"leafwise", BoostConfig{Rounds: 30, LearningRate: 0.3, Growth: GrowLeafwise, MaxLeaves: 8, MinSamplesLeaf: 5, MaxBins: 32}},
		{"oblivious", BoostConfig{Rounds: 30, LearningRate: 0.3, Growth: GrowOblivious, MaxDepth: 3, L2: 3, MaxBins: 32}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := FitBoosted(context.Background(), table, tt.name, tt.cfg, 42)
			require.NoError(t, err)
			assert.Equal(t, 3, b.LagCount())
			assert.Equal(t, KindRecursiveTabular, b.Kind())

			for _, target := range model.Targets {
				require.Len(t, b.Trees[target], tt.cfg.Rounds)
			}

			// The daily cycle swings temperature by ±6; a fitted model should
			// be far better than the constant base prediction.
			assert.Less(t, meanAbsError(t, b, table, model.Temperature), 1.0)

			loaded := roundTrip(t, b).(Tabular)
			for _, row := range table.Rows[:10] {
				want, err := b.PredictOne(row.Values)
				require.NoError(t, err)
				got, err := loaded.PredictOne(row.Values)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestFitBoosted_LeafLimits(t *testing.T) {
	table := syntheticTable(t, 24*5, 2)

	b, err := FitBoosted(context.Background(), table, "x", BoostConfig{
		Rounds: 3, LearningRate: 0.1, Growth: GrowLeafwise, MaxLeaves: 4, MinSamplesLeaf: 1, MaxBins: 16,
	}, 1)
	require.NoError(t, err)
	for _, tree := range b.Trees[model.Temperature] {
		assert.LessOrEqual(t, tree.Leaves(), 4)
	}

	o, err := FitBoosted(context.Background(), table, "x", BoostConfig{
		Rounds: 3, LearningRate: 0.1, Growth: GrowOblivious, MaxDepth: 2, L2: 1, MaxBins: 16,
	}, 1)
	require.NoError(t, err)
	for _, tree := range o.Trees[model.Temperature] {
		root := tree.Nodes[0]
		require.GreaterOrEqual(t, root.Feature, 0)
		left, right := tree.Nodes[root.Left], tree.Nodes[root.Right]
		if left.Feature >= 0 && right.Feature >= 0 {
			assert.Equal(t, left.Feature, right.Feature, "oblivious levels share one split")
			assert.Equal(t, left.Threshold, right.Threshold)
		}
	}
}

func TestFitBoosted_EarlyStoppingOnlyForLargeTables(t *testing.T) {
	table := syntheticTable(t, 24*4, 2)
	b, err := FitBoosted(context.Background(), table, "x", BoostConfig{
		Rounds: 5, LearningRate: 0.1, Growth: GrowLeafwise, MaxLeaves: 4, MaxBins: 16,
		EarlyStopping: true, ValidationFraction: 0.1, Patience: 1,
	}, 1)
	require.NoError(t, err)
	assert.Len(t, b.Trees[model.Humidity], 5)
}

func TestFitBoosted_Errors(t *testing.T) {
	_, err := FitBoosted(context.Background(), features.Table{}, "x", BoostConfig{Rounds: 1, LearningRate: 0.1}, 1)
	assert.Error(t, err)

	table := syntheticTable(t, 48, 2)
	_, err = FitBoosted(context.Background(), table, "x", BoostConfig{Rounds: 0, LearningRate: 0.1}, 1)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = FitBoosted(ctx, table, "x", BoostConfig{Rounds: 5, LearningRate: 0.1, Growth: GrowDepthwise, MaxDepth: 2}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitExtraTrees(t *testing.T) {
	table := syntheticTable(t, 24*8, 3)
	cfg := ExtraTreesConfig{Trees: 12, MaxDepth: 8, MinSamplesLeaf: 2}

	e, err := FitExtraTrees(context.Background(), table, cfg, 42)
	require.NoError(t, err)
	require.Len(t, e.Forest, 12)
	assert.Less(t, meanAbsError(t, e, table, model.Temperature), 1.5)

	again, err := FitExtraTrees(context.Background(), table, cfg, 42)
	require.NoError(t, err)
	assert.Equal(t, e.Forest, again.Forest, "same seed, same forest")

	other, err := FitExtraTrees(context.Background(), table, cfg, 7)
	require.NoError(t, err)
	assert.NotEqual(t, e.Forest, other.Forest)

	loaded := roundTrip(t, e).(Tabular)
	want, err := e.PredictOne(table.Rows[5].Values)
	require.NoError(t, err)
	got, err := loaded.PredictOne(table.Rows[5].Values)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFitSeasonal(t *testing.T) {
	history := syntheticHistory(24*21, 42)
	ts := make([]time.Time, len(history))
	y := make([]model.Values, len(history))
	for i, o := range history {
		ts[i], y[i] = o.Timestamp, o.Values
	}

	s, err := FitSeasonal(context.Background(), ts, y, SeasonalConfig{
		Changepoints: 5, ChangepointRange: 0.8, WeeklyOrder: 3, DailyOrder: 4, Ridge: 1e-4,
	})
	require.NoError(t, err)
	assert.Equal(t, KindNativeMultiHorizon, s.Kind())

	last := ts[len(ts)-1]
	future := []time.Time{last.Add(time.Hour), last.Add(7 * time.Hour), last.Add(19 * time.Hour)}
	rows, err := s.PredictRange(future, false)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Nil(t, r.Lower)
		assert.Nil(t, r.Upper)
		phase := 2 * math.Pi * float64(r.Timestamp.Hour()) / 24
		assert.InDelta(t, 28+6*math.Sin(phase), r.Values[model.Temperature], 1.0, "at %s", r.Timestamp)
	}

	bounded, err := s.PredictRange(future, true)
	require.NoError(t, err)
	for i, r := range bounded {
		require.NotNil(t, r.Lower)
		require.NotNil(t, r.Upper)
		assert.Equal(t, rows[i].Values, r.Values)
		for _, target := range model.Targets {
			assert.Less(t, r.Lower[target], r.Values[target])
			assert.Greater(t, r.Upper[target], r.Values[target])
			assert.InDelta(t, r.Values[target]-r.Lower[target], r.Upper[target]-r.Values[target], 1e-9)
		}
	}

	loaded := roundTrip(t, s).(MultiHorizon)
	again, err := loaded.PredictRange(future, true)
	require.NoError(t, err)
	assert.Equal(t, bounded, again)
}

func TestFitSeasonal_Errors(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := FitSeasonal(context.Background(), []time.Time{at}, []model.Values{{}}, SeasonalConfig{})
	assert.Error(t, err)

	_, err = FitSeasonal(context.Background(), []time.Time{at, at}, []model.Values{{}, {}}, SeasonalConfig{})
	assert.Error(t, err)

	_, err = FitSeasonal(context.Background(), []time.Time{at}, nil, SeasonalConfig{})
	assert.Error(t, err)
}

func TestFitMLP(t *testing.T) {
	table := syntheticTable(t, 24*6, 2)
	train := DefaultTrainConfig()
	train.Epochs = 40
	train.LearningRate = 0.005

	m, err := FitMLP(context.Background(), table, MLPConfig{Hidden: []int{16}, Train: train, ValFraction: 0.1}, 42)
	require.NoError(t, err)
	require.Len(t, m.Losses, 40)
	assert.Less(t, m.Losses[len(m.Losses)-1], m.Losses[0])

	loaded := roundTrip(t, m).(Tabular)
	want, err := m.PredictOne(table.Rows[0].Values)
	require.NoError(t, err)
	got, err := loaded.PredictOne(table.Rows[0].Values)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPredictOne_RowWidth(t *testing.T) {
	table := syntheticTable(t, 48, 2)
	b, err := FitBoosted(context.Background(), table, "x", BoostConfig{Rounds: 1, LearningRate: 0.1, Growth: GrowDepthwise, MaxDepth: 1}, 1)
	require.NoError(t, err)

	_, err = b.PredictOne([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrRowWidth)
}

func TestDecode_Errors(t *testing.T) {
	table := syntheticTable(t, 48, 2)
	b, err := FitBoosted(context.Background(), table, "x", BoostConfig{Rounds: 1, LearningRate: 0.1, Growth: GrowDepthwise, MaxDepth: 1}, 1)
	require.NoError(t, err)
	data, err := Encode(b, "delhi", "XGBoost", trainedAt)
	require.NoError(t, err)

	mutate := func(fn func(env map[string]any)) []byte {
		var env map[string]any
		require.NoError(t, json.Unmarshal(data, &env))
		fn(env)
		out, err := json.Marshal(env)
		require.NoError(t, err)
		return out
	}

	t.Run("garbage", func(t *testing.T) {
		_, _, err := Decode([]byte("{"))
		assert.Error(t, err)
	})
	t.Run("unknown learner", func(t *testing.T) {
		_, _, err := Decode(mutate(func(env map[string]any) { env["learner"] = "svm" }))
		assert.ErrorIs(t, err, ErrUnknownLearner)
	})
	t.Run("kind mismatch", func(t *testing.T) {
		_, _, err := Decode(mutate(func(env map[string]any) { env["kind"] = string(KindNativeMultiHorizon) }))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match")
	})
	t.Run("lag mismatch", func(t *testing.T) {
		_, _, err := Decode(mutate(func(env map[string]any) { env["lag_count"] = 5 }))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lag count")
	})
	t.Run("broken tree", func(t *testing.T) {
		_, _, err := Decode(mutate(func(env map[string]any) {
			env["payload"].(map[string]any)["trees"].([]any)[0] = []any{map[string]any{"nodes": []any{}}}
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty tree")
	})
}

func TestSplit(t *testing.T) {
	train, test := Split(10, 0.2, 42)
	assert.Len(t, train, 8)
	assert.Len(t, test, 2)

	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, train...), test...) {
		assert.False(t, seen[i], "index %d repeated", i)
		seen[i] = true
	}
	assert.Len(t, seen, 10)

	train2, test2 := Split(10, 0.2, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)

	// ceil(7*0.2) = 2
	_, test = Split(7, 0.2, 1)
	assert.Len(t, test, 2)

	train, test = Split(1, 0.2, 1)
	assert.Len(t, train, 1)
	assert.Empty(t, test)
}

func TestShuffleAndSplit(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	X := make([][]float64, 100)
	Y := make([][]float64, 100)
	for i := range X {
		X[i] = []float64{float64(i)}
		Y[i] = []float64{float64(i * 2)}
	}

	trainX, trainY, valX, valY := ShuffleAndSplit(X, Y, 0.1, rng)
	assert.Len(t, trainX, 90)
	assert.Len(t, valX, 10)
	for i := range trainX {
		assert.Equal(t, trainX[i][0]*2, trainY[i][0], "X/Y pairs stay aligned")
	}
	for i := range valX {
		assert.Equal(t, valX[i][0]*2, valY[i][0])
	}
}

func TestScaler(t *testing.T) {
	X := [][]float64{{1, 5}, {3, 5}, {5, 5}}
	s := FitScaler(X)

	assert.InDelta(t, 3.0, s.Mean[0], 1e-12)
	assert.InDelta(t, math.Sqrt(8.0/3.0), s.Std[0], 1e-12)
	assert.Equal(t, 1.0, s.Std[1], "constant column gets unit std")

	z := s.Transform([]float64{3, 7})
	assert.InDelta(t, 0.0, z[0], 1e-12)
	assert.InDelta(t, 2.0, z[1], 1e-12)
	assert.InDeltaSlice(t, []float64{3, 7}, s.Inverse(z), 1e-12)
}

func TestRecipes(t *testing.T) {
	names := RecipeNames()
	for _, name := range []string{"LightGBM", "CatBoost", "ExtraTrees", "XGBoost", "HistGradientBoosting", "Prophet", "NeuralNet"} {
		assert.Contains(t, names, name)
		r, err := LookupRecipe(name)
		require.NoError(t, err)
		assert.Equal(t, name, r.Name)
	}

	r, err := LookupRecipe("Prophet")
	require.NoError(t, err)
	assert.Equal(t, KindNativeMultiHorizon, r.Kind)

	_, err = LookupRecipe("ARIMA")
	assert.ErrorIs(t, err, ErrUnknownRecipe)

	assert.NoError(t, CheckRecipes([]string{"LightGBM", "Prophet"}))
	assert.ErrorIs(t, CheckRecipes([]string{"LightGBM", "SVR"}), ErrUnknownRecipe)
}

func TestRecipes_FitSmallTable(t *testing.T) {
	if testing.Short() {
		t.Skip("fits every recipe")
	}
	table := syntheticTable(t, 24*3, 2)

	for _, name := range RecipeNames() {
		t.Run(name, func(t *testing.T) {
			r, err := LookupRecipe(name)
			require.NoError(t, err)
			p, err := r.Fit(context.Background(), table, 42)
			require.NoError(t, err)
			assert.Equal(t, r.Kind, p.Kind())
			roundTrip(t, p)
		})
	}
}
