package predictor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"weather_forecaster/internal/features"
)

var ErrUnknownRecipe = errors.New("unknown model recipe")

// Recipe is a fixed, named training configuration.
type Recipe struct {
	Name string
	Kind Kind
	Fit  func(ctx context.Context, table features.Table, seed uint64) (Predictor, error)
}

func boostedRecipe(name string, cfg BoostConfig) Recipe {
	return Recipe{
		Name: name,
		Kind: KindRecursiveTabular,
		Fit: func(ctx context.Context, table features.Table, seed uint64) (Predictor, error) {
			return FitBoosted(ctx, table, name, cfg, seed)
		},
	}
}

var recipes = map[string]Recipe{
	"LightGBM": boostedRecipe("LightGBM", BoostConfig{
		Rounds:         100,
		LearningRate:   0.1,
		Growth:         GrowLeafwise,
		MaxLeaves:      31,
		MinSamplesLeaf: 20,
		MaxBins:        255,
	}),
	"CatBoost": boostedRecipe("CatBoost", BoostConfig{
		Rounds:       200,
		LearningRate: 0.1,
		Growth:       GrowOblivious,
		MaxDepth:     6,
		L2:           3,
		MaxBins:      254,
	}),
	"XGBoost": boostedRecipe("XGBoost", BoostConfig{
		Rounds:         100,
		LearningRate:   0.3,
		Growth:         GrowDepthwise,
		MaxDepth:       6,
		MinSamplesLeaf: 1,
		L2:             1,
		MaxBins:        255,
	}),
	"HistGradientBoosting": boostedRecipe("HistGradientBoosting", BoostConfig{
		Rounds:             100,
		LearningRate:       0.1,
		Growth:             GrowLeafwise,
		MaxLeaves:          31,
		MinSamplesLeaf:     20,
		MaxBins:            255,
		EarlyStopping:      true,
		ValidationFraction: 0.1,
		Patience:           10,
	}),
	"ExtraTrees": {
		Name: "ExtraTrees",
		Kind: KindRecursiveTabular,
		Fit: func(ctx context.Context, table features.Table, seed uint64) (Predictor, error) {
			return FitExtraTrees(ctx, table, ExtraTreesConfig{Trees: 100, MaxDepth: 14, MinSamplesLeaf: 5}, seed)
		},
	},
	"Prophet": {
		Name: "Prophet",
		Kind: KindNativeMultiHorizon,
		Fit: func(ctx context.Context, table features.Table, _ uint64) (Predictor, error) {
			return FitSeasonal(ctx, table.Timestamps(), table.Targets, SeasonalConfig{
				Changepoints:     25,
				ChangepointRange: 0.8,
				YearlyOrder:      10,
				WeeklyOrder:      3,
				DailyOrder:       4,
				Ridge:            1e-3,
			})
		},
	},
	"NeuralNet": {
		Name: "NeuralNet",
		Kind: KindRecursiveTabular,
		Fit: func(ctx context.Context, table features.Table, seed uint64) (Predictor, error) {
			cfg := DefaultTrainConfig()
			cfg.Epochs = 30
			return FitMLP(ctx, table, MLPConfig{Hidden: []int{64, 32}, Train: cfg, ValFraction: 0.1}, seed)
		},
	},
}

// LookupRecipe returns the recipe registered under name.
func LookupRecipe(name string) (Recipe, error) {
	r, ok := recipes[name]
	if !ok {
		return Recipe{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownRecipe, name, strings.Join(RecipeNames(), ", "))
	}
	return r, nil
}

// RecipeNames lists every registered recipe, sorted.
func RecipeNames() []string {
	names := make([]string, 0, len(recipes))
	for name := range recipes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CheckRecipes fails on the first name without a recipe.
func CheckRecipes(names []string) error {
	for _, name := range names {
		if _, err := LookupRecipe(name); err != nil {
			return err
		}
	}
	return nil
}
