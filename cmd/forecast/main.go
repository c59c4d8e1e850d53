// forecast runs a single forecast from the saved artifacts and prints it,
// without starting the HTTP server.
//
// Usage:
//
//	forecast -city mumbai -model ExtraTrees
//	forecast -city delhi -model Prophet -extended 1month -bounds
//	forecast -city delhi -model Ensemble -hours 168 -csv
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/forecast"
	"weather_forecaster/internal/ingest"
	"weather_forecaster/internal/logging"
	"weather_forecaster/internal/model"
	"weather_forecaster/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	city := flag.String("city", "", "city to forecast")
	modelName := flag.String("model", "", "base model or Ensemble")
	hours := flag.Int("hours", 48, "number of hourly steps")
	extended := flag.String("extended", "", "long-range horizon for native models: 1month, 3months, 6months, 1year")
	bounds := flag.Bool("bounds", false, "include uncertainty bounds (native models only)")
	csvOut := flag.Bool("csv", false, "output as CSV")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.CheckCity(*city); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.CheckModel(*modelName); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ext, err := forecast.ParseExtended(*extended)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewWithWriter(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	artifacts, err := artifact.NewStore(cfg.Paths.ModelsDir, cfg.ArtifactCacheSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening artifacts: %v\n", err)
		os.Exit(1)
	}
	engine := forecast.NewEngine(cfg, store.New(cfg.Paths.DataDir), artifacts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	f, err := engine.Run(ctx, *city, *modelName, *hours, forecast.Options{IncludeBounds: *bounds, Extended: ext})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error forecasting: %v\n", err)
		os.Exit(1)
	}

	if *csvOut {
		err = writeCSV(os.Stdout, f)
	} else {
		err = writeTable(os.Stdout, f)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
}

func writeTable(w io.Writer, f *model.Forecast) error {
	fmt.Fprintf(w, "%s forecast for %s: %d hours", f.Model, f.City, f.Len())
	if f.Len() > 0 {
		fmt.Fprintf(w, " from %s", f.Rows[0].Timestamp.Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-16s  %9s  %9s  %9s  %9s\n", "Time", "Temp (°C)", "Hum (%)", "Wind km/h", "Dir (°)")
	fmt.Fprintf(w, "%-16s  %9s  %9s  %9s  %9s\n", "----------------", "---------", "---------", "---------", "---------")
	for _, r := range f.Rows {
		v := r.Values
		_, err := fmt.Fprintf(w, "%-16s  %9.1f  %9.1f  %9.1f  %9.0f\n",
			r.Timestamp.Format("2006-01-02 15:04"), v[model.Temperature], v[model.Humidity], v[model.WindSpeed], v[model.WindDirection])
		if err != nil {
			return err
		}
	}
	return nil
}

// writeCSV writes the rows in the history file layout, with each column's
// bounds next to it when present.
func writeCSV(w io.Writer, f *model.Forecast) error {
	withBounds := f.Len() > 0 && f.Rows[0].Lower != nil

	header := []string{model.TimestampColumn}
	for _, t := range model.Targets {
		header = append(header, t.Column())
		if withBounds {
			header = append(header, t.Column()+"_lower", t.Column()+"_upper")
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, 0, len(header))
	for _, r := range f.Rows {
		record = append(record[:0], r.Timestamp.UTC().Format(ingest.TimestampLayout))
		for _, t := range model.Targets {
			record = append(record, formatValue(r.Values[t]))
			if withBounds {
				record = append(record, formatValue(r.Lower[t]), formatValue(r.Upper[t]))
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
