package forecast

import (
	"errors"
	"fmt"

	"weather_forecaster/internal/model"
	"weather_forecaster/internal/predictor"
)

var (
	ErrNoHistoricalData = errors.New("no historical data")
	ErrNoUsableModels   = errors.New("no usable models")
	ErrInvalidOptions   = errors.New("invalid forecast options")
)

// MaxHorizonHours bounds a single forecast to one year of hourly steps.
const MaxHorizonHours = 24 * 365

// Extended is a long-range horizon override for native multi-horizon models.
type Extended string

const (
	ExtendedNone    Extended = ""
	Extended1Month  Extended = "1month"
	Extended3Months Extended = "3months"
	Extended6Months Extended = "6months"
	Extended1Year   Extended = "1year"
)

var extendedHours = map[Extended]int{
	Extended1Month:  24 * 30,
	Extended3Months: 24 * 90,
	Extended6Months: 24 * 180,
	Extended1Year:   24 * 365,
}

// ParseExtended validates a horizon override name. The empty string means no
// override.
func ParseExtended(s string) (Extended, error) {
	e := Extended(s)
	if e == ExtendedNone {
		return e, nil
	}
	if _, ok := extendedHours[e]; !ok {
		return ExtendedNone, fmt.Errorf("%w: unknown extended horizon %q (allowed: 1month, 3months, 6months, 1year)", ErrInvalidOptions, s)
	}
	return e, nil
}

// Hours returns the horizon the override stands for, or 0 for none.
func (e Extended) Hours() int {
	return extendedHours[e]
}

// Options tunes a single-model forecast.
type Options struct {
	// IncludeBounds requests lower/upper bounds. Native multi-horizon only.
	IncludeBounds bool
	// Extended replaces the requested horizon. Native multi-horizon only.
	Extended Extended
	// Observer, if set, receives every row as soon as it is produced.
	Observer func(model.ForecastRow)
}

// ValidateOptions rejects option combinations the predictor kind cannot honour.
func ValidateOptions(kind predictor.Kind, opts Options) error {
	if _, err := ParseExtended(string(opts.Extended)); err != nil {
		return err
	}
	if kind == predictor.KindNativeMultiHorizon {
		return nil
	}
	if opts.IncludeBounds {
		return fmt.Errorf("%w: uncertainty bounds are only available for native multi-horizon models", ErrInvalidOptions)
	}
	if opts.Extended != ExtendedNone {
		return fmt.Errorf("%w: extended horizons are only available for native multi-horizon models", ErrInvalidOptions)
	}
	return nil
}
