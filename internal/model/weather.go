package model

import (
	"fmt"
	"time"
)

// Target identifies one of the forecast variables.
type Target int

const (
	Temperature Target = iota
	Humidity
	WindSpeed
	WindDirection
)

// NumTargets is the number of forecast variables.
const NumTargets = 4

// Targets lists every target in canonical column order.
var Targets = [NumTargets]Target{Temperature, Humidity, WindSpeed, WindDirection}

// TargetInfo holds the identifiers and unit for a target.
type TargetInfo struct {
	Key    string // short machine name, used in feature and metrics keys
	Column string // CSV / API column header
	Unit   string
}

// TargetCatalog maps every Target to its key, column header and unit.
var TargetCatalog = map[Target]TargetInfo{
	Temperature:   {Key: "temperature", Column: "Temperature (°C)", Unit: "°C"},
	Humidity:      {Key: "humidity", Column: "Humidity (%)", Unit: "%"},
	WindSpeed:     {Key: "wind_speed", Column: "Wind Speed (km/h)", Unit: "km/h"},
	WindDirection: {Key: "wind_direction", Column: "Wind Direction (°)", Unit: "°"},
}

// TimestampColumn is the header of the timestamp column.
const TimestampColumn = "Timestamp"

func (t Target) String() string {
	if info, ok := TargetCatalog[t]; ok {
		return info.Key
	}
	return fmt.Sprintf("target(%d)", int(t))
}

// Column returns the column header used in CSV files and API rows.
func (t Target) Column() string {
	return TargetCatalog[t].Column
}

// Values holds one value per target, indexed by Target.
type Values [NumTargets]float64

// Get returns the value for target t.
func (v Values) Get(t Target) float64 {
	return v[t]
}

// Observation is a single hourly row of the historical series.
type Observation struct {
	Timestamp time.Time
	Values    Values
}

// ForecastRow is a single synthesized hourly row. Lower and Upper are set only
// when uncertainty bounds were requested from a model that provides them.
type ForecastRow struct {
	Timestamp time.Time
	Values    Values
	Lower     *Values
	Upper     *Values
}

// Forecast is an ordered sequence of hourly forecast rows for a city.
type Forecast struct {
	City  string
	Model string
	Rows  []ForecastRow
}

// Len returns the number of rows.
func (f *Forecast) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// TimeRange is the span of a city's history, both ends inclusive.
type TimeRange struct {
	Start time.Time
	End   time.Time
}
