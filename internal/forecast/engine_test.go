package forecast

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/features"
	"weather_forecaster/internal/model"
	"weather_forecaster/internal/predictor"
)

var lastObserved = time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)

type memHistory map[string][]model.Observation

func (m memHistory) History(city string) ([]model.Observation, error) {
	return m[city], nil
}

type memArtifacts map[string]predictor.Predictor

func (m memArtifacts) Load(city, name string) (predictor.Predictor, error) {
	p, ok := m[city+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s for %s", artifact.ErrModelNotFound, name, city)
	}
	return p, nil
}

type fakeTabular struct {
	lags int
	fn   func(row []float64) (model.Values, error)
}

func (f *fakeTabular) Kind() predictor.Kind { return predictor.KindRecursiveTabular }
func (f *fakeTabular) Learner() string      { return "fake" }
func (f *fakeTabular) LagCount() int        { return f.lags }
func (f *fakeTabular) PredictOne(row []float64) (model.Values, error) {
	return f.fn(row)
}

func constant(v model.Values) *fakeTabular {
	return &fakeTabular{lags: 3, fn: func([]float64) (model.Values, error) { return v, nil }}
}

type fakeRange struct {
	values model.Values
	spread float64
}

func (f *fakeRange) Kind() predictor.Kind { return predictor.KindNativeMultiHorizon }
func (f *fakeRange) Learner() string      { return "fake_range" }
func (f *fakeRange) PredictRange(ts []time.Time, withBounds bool) ([]model.ForecastRow, error) {
	rows := make([]model.ForecastRow, len(ts))
	for i, at := range ts {
		rows[i] = model.ForecastRow{Timestamp: at, Values: f.values}
		if withBounds {
			lower, upper := f.values, f.values
			for t := range lower {
				lower[t] -= f.spread
				upper[t] += f.spread
			}
			rows[i].Lower, rows[i].Upper = &lower, &upper
		}
	}
	return rows, nil
}

func hourlyHistory(n int) []model.Observation {
	obs := make([]model.Observation, n)
	for i := range obs {
		obs[i] = model.Observation{
			Timestamp: lastObserved.Add(time.Duration(i-n+1) * time.Hour),
			Values:    model.Values{float64(i), 60, 3, 90},
		}
	}
	return obs
}

func newEngine(artifacts memArtifacts, history memHistory, baseModels ...string) *Engine {
	cfg := config.Default()
	if len(baseModels) > 0 {
		cfg.BaseModels = baseModels
	}
	return NewEngine(cfg, history, artifacts, nil)
}

func TestForecast_RecursiveLengthAndTimestamps(t *testing.T) {
	e := newEngine(
		memArtifacts{"berlin/LightGBM": constant(model.Values{20, 50, 4, 180})},
		memHistory{"berlin": hourlyHistory(30)},
	)

	for _, horizon := range []int{1, 48, 168} {
		t.Run(fmt.Sprintf("h=%d", horizon), func(t *testing.T) {
			f, err := e.Forecast(context.Background(), "berlin", "LightGBM", horizon, Options{})
			require.NoError(t, err)
			require.Equal(t, horizon, f.Len())
			assert.Equal(t, "berlin", f.City)
			assert.Equal(t, "LightGBM", f.Model)
			for i, r := range f.Rows {
				assert.Equal(t, lastObserved.Add(time.Duration(i+1)*time.Hour), r.Timestamp)
				assert.Nil(t, r.Lower)
			}
		})
	}
}

func TestForecast_RecursiveFeedsPredictionsBack(t *testing.T) {
	const lags = 3
	schema := features.NewSchema(lags)
	var calendarHours []float64
	p := &fakeTabular{lags: lags, fn: func(row []float64) (model.Values, error) {
		calendarHours = append(calendarHours, row[schema.CalendarIndex()])
		return model.Values{row[schema.LagIndex(model.Temperature, 1)] + 1, 50, 1, 10}, nil
	}}
	hist := hourlyHistory(10) // last temperature is 9
	e := newEngine(memArtifacts{"paris/XGBoost": p}, memHistory{"paris": hist})

	f, err := e.Forecast(context.Background(), "paris", "XGBoost", 5, Options{})
	require.NoError(t, err)
	require.Equal(t, 5, f.Len())
	for i, r := range f.Rows {
		assert.InDelta(t, 10+float64(i), r.Values[model.Temperature], 1e-9)
	}
	// Forecast starts at midnight.
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, calendarHours)
	// The shared history is untouched.
	assert.Len(t, hist, 10)
	assert.Equal(t, 9.0, hist[9].Values[model.Temperature])
}

func TestForecast_Clipping(t *testing.T) {
	tests := []struct {
		name   string
		values model.Values
		want   model.Values
	}{
		{"in range", model.Values{25, 55, 3, 200}, model.Values{25, 55, 3, 200}},
		{"humidity high", model.Values{25, 130, 3, 200}, model.Values{25, 100, 3, 200}},
		{"humidity low", model.Values{25, -4, 3, 200}, model.Values{25, 0, 3, 200}},
		{"direction negative", model.Values{-40, 55, -1, -30}, model.Values{-40, 55, -1, 0}},
		{"direction at 360", model.Values{25, 55, 3, 360}, model.Values{25, 55, 3, MaxDegrees}},
		{"direction above 360", model.Values{25, 55, 3, 725}, model.Values{25, 55, 3, MaxDegrees}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(
				memArtifacts{
					"rome/CatBoost": constant(tt.values),
					"rome/Prophet":  &fakeRange{values: tt.values},
				},
				memHistory{"rome": hourlyHistory(24)},
			)

			f, err := e.Forecast(context.Background(), "rome", "CatBoost", 6, Options{})
			require.NoError(t, err)
			for _, r := range f.Rows {
				assert.InDeltaSlice(t, tt.want[:], r.Values[:], 1e-9)
			}

			f, err = e.Forecast(context.Background(), "rome", "Prophet", 6, Options{})
			require.NoError(t, err)
			for _, r := range f.Rows {
				assert.InDeltaSlice(t, tt.want[:], r.Values[:], 1e-9)
			}
		})
	}
}

func TestForecast_NativeBoundsAreClipped(t *testing.T) {
	e := newEngine(
		memArtifacts{"delhi/Prophet": &fakeRange{values: model.Values{30, 95, 2, 355}, spread: 10}},
		memHistory{"delhi": hourlyHistory(5)},
	)

	f, err := e.Forecast(context.Background(), "delhi", "Prophet", 48, Options{IncludeBounds: true})
	require.NoError(t, err)
	require.Equal(t, 48, f.Len())
	for i, r := range f.Rows {
		require.NotNil(t, r.Lower)
		require.NotNil(t, r.Upper)
		assert.Equal(t, lastObserved.Add(time.Duration(i+1)*time.Hour), r.Timestamp)
		assert.Equal(t, 85.0, r.Lower[model.Humidity])
		assert.Equal(t, 100.0, r.Upper[model.Humidity])
		assert.Equal(t, 20.0, r.Lower[model.Temperature])
		assert.Equal(t, 40.0, r.Upper[model.Temperature])
		for _, v := range []model.Values{r.Values, *r.Lower, *r.Upper} {
			assert.GreaterOrEqual(t, v[model.WindDirection], 0.0)
			assert.Less(t, v[model.WindDirection], 360.0)
		}
		assert.Equal(t, 345.0, r.Lower[model.WindDirection])
		assert.Equal(t, MaxDegrees, r.Upper[model.WindDirection])
		assertOrdered(t, r)
	}
}

func TestForecast_DirectionBoundsNearNorth(t *testing.T) {
	tests := []struct {
		name                string
		direction           float64
		lower, value, upper float64
	}{
		{"straddles zero", 5, 0, 5, 15},
		{"below zero", -3, 0, 0, 7},
		{"straddles 360", 355, 345, 355, MaxDegrees},
		{"above 360", 365, 355, MaxDegrees, MaxDegrees},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(
				memArtifacts{"delhi/Prophet": &fakeRange{values: model.Values{30, 60, 2, tt.direction}, spread: 10}},
				memHistory{"delhi": hourlyHistory(5)},
			)

			f, err := e.Forecast(context.Background(), "delhi", "Prophet", 3, Options{IncludeBounds: true})
			require.NoError(t, err)
			for _, r := range f.Rows {
				assert.Equal(t, tt.lower, r.Lower[model.WindDirection])
				assert.Equal(t, tt.value, r.Values[model.WindDirection])
				assert.Equal(t, tt.upper, r.Upper[model.WindDirection])
				assertOrdered(t, r)
			}
		})
	}
}

// assertOrdered checks lower <= value <= upper for every target.
func assertOrdered(t *testing.T, r model.ForecastRow) {
	t.Helper()
	require.NotNil(t, r.Lower)
	require.NotNil(t, r.Upper)
	for _, tg := range model.Targets {
		assert.LessOrEqual(t, r.Lower[tg], r.Values[tg], "%s lower", tg)
		assert.LessOrEqual(t, r.Values[tg], r.Upper[tg], "%s upper", tg)
	}
}

func TestForecast_Extended(t *testing.T) {
	e := newEngine(
		memArtifacts{
			"rome/Prophet":  &fakeRange{values: model.Values{1, 2, 3, 4}},
			"rome/LightGBM": constant(model.Values{1, 2, 3, 4}),
		},
		memHistory{"rome": hourlyHistory(24)},
	)

	f, err := e.Forecast(context.Background(), "rome", "Prophet", 48, Options{Extended: Extended1Month})
	require.NoError(t, err)
	assert.Equal(t, 720, f.Len())

	_, err = e.Forecast(context.Background(), "rome", "LightGBM", 48, Options{Extended: Extended1Month})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = e.Forecast(context.Background(), "rome", "LightGBM", 48, Options{IncludeBounds: true})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestForecast_Errors(t *testing.T) {
	e := newEngine(
		memArtifacts{
			"rome/LightGBM":  constant(model.Values{1, 2, 3, 4}),
			"empty/LightGBM": constant(model.Values{1, 2, 3, 4}),
			"rome/Broken": &fakeTabular{lags: 3, fn: func([]float64) (model.Values, error) {
				return model.Values{}, errors.New("boom")
			}},
		},
		memHistory{"rome": hourlyHistory(24)},
	)
	ctx := context.Background()

	_, err := e.Forecast(ctx, "rome", "XGBoost", 48, Options{})
	assert.ErrorIs(t, err, artifact.ErrModelNotFound)

	_, err = e.Forecast(ctx, "empty", "LightGBM", 48, Options{})
	assert.ErrorIs(t, err, ErrNoHistoricalData)

	_, err = e.Forecast(ctx, "rome", "LightGBM", 0, Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = e.Forecast(ctx, "rome", "Broken", 48, Options{})
	assert.ErrorContains(t, err, "boom")
}

func TestForecast_ShortHistoryIsNotAnError(t *testing.T) {
	e := newEngine(
		memArtifacts{"rome/LightGBM": constant(model.Values{1, 2, 3, 4})},
		memHistory{"rome": hourlyHistory(2)},
	)

	f, err := e.Forecast(context.Background(), "rome", "LightGBM", 48, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, f.Len())
}

func TestForecast_Cancelled(t *testing.T) {
	e := newEngine(
		memArtifacts{"rome/LightGBM": constant(model.Values{1, 2, 3, 4})},
		memHistory{"rome": hourlyHistory(24)},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Forecast(ctx, "rome", "LightGBM", 48, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForecast_Observer(t *testing.T) {
	e := newEngine(
		memArtifacts{
			"rome/LightGBM": constant(model.Values{1, 2, 3, 4}),
			"rome/Prophet":  &fakeRange{values: model.Values{1, 2, 3, 4}},
		},
		memHistory{"rome": hourlyHistory(24)},
	)

	for _, name := range []string{"LightGBM", "Prophet", config.EnsembleModel} {
		t.Run(name, func(t *testing.T) {
			var seen []time.Time
			f, err := e.Run(context.Background(), "rome", name, 12, Options{
				Observer: func(r model.ForecastRow) { seen = append(seen, r.Timestamp) },
			})
			require.NoError(t, err)
			require.Len(t, seen, 12)
			for i, r := range f.Rows {
				assert.Equal(t, r.Timestamp, seen[i])
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		kind    predictor.Kind
		opts    Options
		wantErr bool
	}{
		{"tabular defaults", predictor.KindRecursiveTabular, Options{}, false},
		{"tabular bounds", predictor.KindRecursiveTabular, Options{IncludeBounds: true}, true},
		{"tabular extended", predictor.KindRecursiveTabular, Options{Extended: Extended1Year}, true},
		{"native bounds and extended", predictor.KindNativeMultiHorizon, Options{IncludeBounds: true, Extended: Extended6Months}, false},
		{"native unknown extended", predictor.KindNativeMultiHorizon, Options{Extended: "2years"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOptions(tt.kind, tt.opts)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtendedHours(t *testing.T) {
	tests := map[string]int{"": 0, "1month": 720, "3months": 2160, "6months": 4320, "1year": 8760}
	for raw, want := range tests {
		e, err := ParseExtended(raw)
		require.NoError(t, err)
		assert.Equal(t, want, e.Hours())
	}
	_, err := ParseExtended("1week")
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestClampDegrees(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0}, {359.5, 359.5}, {360, MaxDegrees}, {370, MaxDegrees}, {-10, 0}, {-1e-15, 0},
	}
	for _, tt := range tests {
		got := ClampDegrees(tt.in)
		assert.Equal(t, tt.want, got, "ClampDegrees(%v)", tt.in)
		assert.Less(t, got, 360.0)
	}
	assert.Equal(t, model.Values{20, 50, 3, 0}, Clip(model.Values{20, 50, 3, -10}))
	assert.Equal(t, model.Values{20, 50, 3, MaxDegrees}, Clip(model.Values{20, 50, 3, 370}))
}
