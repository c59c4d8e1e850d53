// Package features turns an hourly weather history into the lagged feature
// rows consumed by the tabular predictors.
//
// A row holds, for every target in canonical order, lags 1..K of that target
// followed by four calendar fields taken from the row's own timestamp:
//
//	temperature_lag_1 .. temperature_lag_K, humidity_lag_1 .. wind_direction_lag_K,
//	hour, dayofweek, month, dayofyear
package features

import (
	"errors"
	"fmt"
	"time"

	"weather_forecaster/internal/model"
)

// ErrInsufficientHistory is returned when the history is too short to fill
// every lag of a row.
var ErrInsufficientHistory = errors.New("insufficient history")

// Calendar field names, in row order.
var CalendarFields = [...]string{"hour", "dayofweek", "month", "dayofyear"}

// Schema describes the layout of a feature row for a given lag count.
type Schema struct {
	LagCount int
	Names    []string
}

// NewSchema returns the schema for lagCount lags per target.
func NewSchema(lagCount int) Schema {
	names := make([]string, 0, model.NumTargets*lagCount+len(CalendarFields))
	for _, t := range model.Targets {
		for k := 1; k <= lagCount; k++ {
			names = append(names, fmt.Sprintf("%s_lag_%d", t, k))
		}
	}
	names = append(names, CalendarFields[:]...)
	return Schema{LagCount: lagCount, Names: names}
}

// Width is the number of values in a row.
func (s Schema) Width() int {
	return len(s.Names)
}

// LagIndex returns the position of lag k (1-based) of target t.
func (s Schema) LagIndex(t model.Target, k int) int {
	return int(t)*s.LagCount + k - 1
}

// CalendarIndex returns the position of the first calendar field.
func (s Schema) CalendarIndex() int {
	return model.NumTargets * s.LagCount
}

// Row is a single feature row.
type Row struct {
	Timestamp time.Time
	Values    []float64
}

// Map renders the row as a name to value mapping.
func (r Row) Map(s Schema) map[string]float64 {
	m := make(map[string]float64, len(r.Values))
	for i, v := range r.Values {
		m[s.Names[i]] = v
	}
	return m
}

// Table is a training table: feature rows with the true target values of the
// hour each row describes.
type Table struct {
	Schema  Schema
	Rows    []Row
	Targets []model.Values
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// X returns the feature matrix, one slice per row. Slices are shared with the
// table.
func (t Table) X() [][]float64 {
	x := make([][]float64, len(t.Rows))
	for i, r := range t.Rows {
		x[i] = r.Values
	}
	return x
}

// Timestamps returns the timestamp of every row.
func (t Table) Timestamps() []time.Time {
	ts := make([]time.Time, len(t.Rows))
	for i, r := range t.Rows {
		ts[i] = r.Timestamp
	}
	return ts
}

// Subset returns a table with the rows at idx, in that order.
func (t Table) Subset(idx []int) Table {
	out := Table{
		Schema:  t.Schema,
		Rows:    make([]Row, len(idx)),
		Targets: make([]model.Values, len(idx)),
	}
	for i, j := range idx {
		out.Rows[i] = t.Rows[j]
		out.Targets[i] = t.Targets[j]
	}
	return out
}

// Build produces the training table for history. Row i of the history yields
// a feature row only when all lagCount previous rows exist; earlier rows are
// dropped.
func Build(history []model.Observation, lagCount int) (Table, error) {
	if lagCount < 1 {
		return Table{}, fmt.Errorf("lag count must be positive, got %d", lagCount)
	}
	if len(history) <= lagCount {
		return Table{}, fmt.Errorf("%w: %d rows, need more than %d", ErrInsufficientHistory, len(history), lagCount)
	}

	schema := NewSchema(lagCount)
	n := len(history) - lagCount
	table := Table{
		Schema:  schema,
		Rows:    make([]Row, n),
		Targets: make([]model.Values, n),
	}

	for i := lagCount; i < len(history); i++ {
		ts := history[i].Timestamp
		table.Rows[i-lagCount] = Row{
			Timestamp: ts,
			Values:    fill(lagCount, history[:i], ts),
		}
		table.Targets[i-lagCount] = history[i].Values
	}
	return table, nil
}

// Next produces the feature row for the hour at, given the history leading up
// to it: lag 1 is the last history row, lag K is K rows back.
func Next(history []model.Observation, lagCount int, at time.Time) (Row, error) {
	if lagCount < 1 {
		return Row{}, fmt.Errorf("lag count must be positive, got %d", lagCount)
	}
	if len(history) < lagCount {
		return Row{}, fmt.Errorf("%w: %d rows, need %d", ErrInsufficientHistory, len(history), lagCount)
	}
	return Row{Timestamp: at, Values: fill(lagCount, history, at)}, nil
}

// fill builds a row whose lags are the trailing rows of prior.
func fill(lagCount int, prior []model.Observation, at time.Time) []float64 {
	lagWidth := model.NumTargets * lagCount
	values := make([]float64, lagWidth+len(CalendarFields))
	n := len(prior)
	for _, t := range model.Targets {
		base := int(t) * lagCount
		for k := 1; k <= lagCount; k++ {
			values[base+k-1] = prior[n-k].Values[t]
		}
	}
	cal := Calendar(at)
	copy(values[lagWidth:], cal[:])
	return values
}

// Calendar returns hour (0-23), day of week (Monday=0), month (1-12) and day
// of year (1-366) for ts.
func Calendar(ts time.Time) [len(CalendarFields)]float64 {
	return [len(CalendarFields)]float64{
		float64(ts.Hour()),
		float64((int(ts.Weekday()) + 6) % 7),
		float64(ts.Month()),
		float64(ts.YearDay()),
	}
}
