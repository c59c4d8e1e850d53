package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/evaluate"
	"weather_forecaster/internal/logging"
	"weather_forecaster/internal/predictor"
	"weather_forecaster/internal/store"
	"weather_forecaster/internal/training"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "train-models",
		Short: "Train, evaluate and inspect the per-city forecasting models",
		Long: `Fits every configured base model for each city, saves the artifacts,
evaluates them on the held-out split and stores the metrics the API serves.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")

	rootCmd.AddCommand(trainCmd(&configFile))
	rootCmd.AddCommand(evaluateCmd(&configFile))
	rootCmd.AddCommand(metricsCmd(&configFile))
	return rootCmd
}

// app holds the stores one command works on.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	history   *store.Store
	artifacts *artifact.Store
	metrics   evaluate.Store
	evaluator *evaluate.Evaluator
}

func openApp(configFile string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	if err := predictor.CheckRecipes(cfg.BaseModels); err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewStore(cfg.Paths.ModelsDir, cfg.ArtifactCacheSize)
	if err != nil {
		return nil, err
	}
	metrics, err := evaluate.Open(cfg)
	if err != nil {
		return nil, err
	}
	history := store.New(cfg.Paths.DataDir)
	return &app{
		cfg:       cfg,
		logger:    logger,
		history:   history,
		artifacts: artifacts,
		metrics:   metrics,
		evaluator: evaluate.NewEvaluator(cfg, history, artifacts, metrics, logger),
	}, nil
}

func (a *app) Close() error {
	return evaluate.Close(a.metrics)
}

func trainCmd(configFile *string) *cobra.Command {
	var city string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train missing models and re-evaluate existing ones",
		Long: `For every base model of a city: fit and save it when no artifact exists,
otherwise re-evaluate the saved artifact. The ensemble metrics are refreshed
afterwards. Without --city every configured city is processed concurrently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			trainer := training.NewTrainer(a.cfg, a.history, a.artifacts, a.evaluator, a.logger)
			start := time.Now()

			var reports []training.CityReport
			if city != "" {
				if err := a.cfg.CheckCity(city); err != nil {
					return err
				}
				reports = []training.CityReport{trainer.TrainCity(cmd.Context(), city)}
			} else {
				reports, err = trainer.TrainAll(cmd.Context())
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, r := range reports {
				printReport(out, r)
				if r.Err != nil {
					failed++
				}
			}
			fmt.Fprintf(out, "\nDone in %v: %d cities, %d failed\n", time.Since(start).Round(time.Millisecond), len(reports), failed)
			if failed == len(reports) {
				return fmt.Errorf("no city could be trained")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&city, "city", "", "train a single city")
	return cmd
}

func printReport(w io.Writer, r training.CityReport) {
	fmt.Fprintf(w, "=== %s ===\n", r.City)
	if r.Rows > 0 {
		fmt.Fprintf(w, "Training rows: %d\n", r.Rows)
	}
	for _, m := range r.Models {
		if m.Err != nil {
			fmt.Fprintf(w, "  %-22s %-12s %v\n", m.Model, m.Outcome, m.Err)
			continue
		}
		overall := m.Metrics.Overall()
		fmt.Fprintf(w, "  %-22s %-12s MAE=%.3f RMSE=%.3f R2=%.3f (%v)\n",
			m.Model, m.Outcome, overall.MAE, overall.RMSE, overall.R2, m.Duration.Round(time.Millisecond))
	}
	if r.Ensemble != nil {
		overall := r.Ensemble.Overall()
		fmt.Fprintf(w, "  %-22s %-12s MAE=%.3f RMSE=%.3f R2=%.3f\n",
			config.EnsembleModel, "evaluated", overall.MAE, overall.RMSE, overall.R2)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", r.Err)
	}
}

func evaluateCmd(configFile *string) *cobra.Command {
	var city, modelName string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one saved model (or the Ensemble) and store its metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.cfg.CheckCity(city); err != nil {
				return err
			}
			if err := a.cfg.CheckModel(modelName); err != nil {
				return err
			}
			rec, err := a.evaluator.EvaluateModel(cmd.Context(), city, modelName)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVar(&city, "city", "", "city to evaluate")
	cmd.Flags().StringVar(&modelName, "model", "", "model to evaluate, or Ensemble")
	cmd.MarkFlagRequired("city")
	cmd.MarkFlagRequired("model")
	return cmd
}

func metricsCmd(configFile *string) *cobra.Command {
	var city, modelName string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print stored metrics, optionally filtered by city and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.metrics.All(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]map[string]evaluate.Record{}
			for c, byModel := range all {
				if city != "" && c != city {
					continue
				}
				for m, rec := range byModel {
					if modelName != "" && m != modelName {
						continue
					}
					if out[c] == nil {
						out[c] = map[string]evaluate.Record{}
					}
					out[c][m] = rec
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&city, "city", "", "only this city")
	cmd.Flags().StringVar(&modelName, "model", "", "only this model")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}
