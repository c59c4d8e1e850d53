package api

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"weather_forecaster/internal/config"
	"weather_forecaster/internal/forecast"
	"weather_forecaster/internal/predictor"
)

var ErrBadRequest = errors.New("bad request")

// forecastTypes maps the accepted forecast_type values to horizons in hours.
var forecastTypes = map[string]int{
	"48h":    48,
	"1week":  168,
	"2weeks": 336,
}

// ForecastQuery is a validated forecast request. The JSON tags match the
// query parameters so WebSocket requests can carry the same fields.
type ForecastQuery struct {
	City          string `json:"city"`
	Model         string `json:"model_name"`
	ForecastType  string `json:"forecast_type"`
	DayOfWeek     *int   `json:"day_of_week,omitempty"`
	Extended      string `json:"prophet_extended,omitempty"`
	IncludeBounds bool   `json:"include_bounds,omitempty"`
}

// ParseForecastQuery reads the /predict parameters. It does not validate
// them; call Validate.
func ParseForecastQuery(v url.Values) (ForecastQuery, error) {
	q := ForecastQuery{
		City:         v.Get("city"),
		Model:        v.Get("model_name"),
		ForecastType: v.Get("forecast_type"),
		Extended:     v.Get("prophet_extended"),
	}
	if raw := v.Get("day_of_week"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: day_of_week must be an integer", ErrBadRequest)
		}
		q.DayOfWeek = &d
	}
	if raw := v.Get("include_bounds"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("%w: include_bounds must be a boolean", ErrBadRequest)
		}
		q.IncludeBounds = b
	}
	return q, nil
}

// Validate checks q against the configured cities and models and the option
// rules, in the order the checks are reported to clients.
func (q ForecastQuery) Validate(cfg config.Config) error {
	for _, p := range []struct{ name, value string }{
		{"city", q.City}, {"model_name", q.Model}, {"forecast_type", q.ForecastType},
	} {
		if p.value == "" {
			return fmt.Errorf("%w: missing required parameter %s", ErrBadRequest, p.name)
		}
	}
	if err := cfg.CheckCity(q.City); err != nil {
		return err
	}
	if err := cfg.CheckModel(q.Model); err != nil {
		return err
	}
	if _, ok := forecastTypes[q.ForecastType]; !ok {
		return fmt.Errorf("%w: invalid forecast type, allowed: 48h, 1week, 2weeks", ErrBadRequest)
	}
	if q.DayOfWeek != nil {
		if q.ForecastType == "48h" {
			return fmt.Errorf("%w: day of week selection is only valid for '1week' or '2weeks' forecast type", ErrBadRequest)
		}
		if *q.DayOfWeek < 0 || *q.DayOfWeek > 6 {
			return fmt.Errorf("%w: invalid day_of_week, must be between 0 (Monday) and 6 (Sunday)", ErrBadRequest)
		}
	}
	if _, err := forecast.ParseExtended(q.Extended); err != nil {
		return err
	}
	native := nativeHorizon(q.Model)
	if q.Extended != "" && !native {
		return fmt.Errorf("%w: extended forecasting is only available with native multi-horizon models (%s)",
			forecast.ErrInvalidOptions, strings.Join(nativeModels(cfg), ", "))
	}
	if q.IncludeBounds && !native {
		return fmt.Errorf("%w: uncertainty bounds are only available with native multi-horizon models (%s)",
			forecast.ErrInvalidOptions, strings.Join(nativeModels(cfg), ", "))
	}
	return nil
}

// Hours returns the horizon for the forecast type.
func (q ForecastQuery) Hours() int {
	return forecastTypes[q.ForecastType]
}

// Options converts q into engine options.
func (q ForecastQuery) Options() forecast.Options {
	return forecast.Options{IncludeBounds: q.IncludeBounds, Extended: forecast.Extended(q.Extended)}
}

// Keep reports whether a row survives the day_of_week filter.
func (q ForecastQuery) Keep(r Row) bool {
	return q.DayOfWeek == nil || weekdayMondayFirst(r.Timestamp.Weekday()) == *q.DayOfWeek
}

func nativeHorizon(modelName string) bool {
	r, err := predictor.LookupRecipe(modelName)
	return err == nil && r.Kind == predictor.KindNativeMultiHorizon
}

func nativeModels(cfg config.Config) []string {
	var names []string
	for _, m := range cfg.BaseModels {
		if nativeHorizon(m) {
			names = append(names, m)
		}
	}
	return names
}
