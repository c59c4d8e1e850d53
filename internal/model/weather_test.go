package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTargetOrder(t *testing.T) {
	assert.Equal(t, Temperature, Targets[0])
	assert.Equal(t, Humidity, Targets[1])
	assert.Equal(t, WindSpeed, Targets[2])
	assert.Equal(t, WindDirection, Targets[3])
}

func TestTargetCatalog(t *testing.T) {
	tests := []struct {
		target Target
		key    string
		column string
	}{
		{Temperature, "temperature", "Temperature (°C)"},
		{Humidity, "humidity", "Humidity (%)"},
		{WindSpeed, "wind_speed", "Wind Speed (km/h)"},
		{WindDirection, "wind_direction", "Wind Direction (°)"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.target.String())
			assert.Equal(t, tt.column, tt.target.Column())
		})
	}

	assert.Equal(t, "target(9)", Target(9).String())
}

func TestValues_Get(t *testing.T) {
	v := Values{21.5, 60, 12, 270}
	assert.Equal(t, 21.5, v.Get(Temperature))
	assert.Equal(t, 270.0, v.Get(WindDirection))
}

func TestForecast_Len(t *testing.T) {
	var nilForecast *Forecast
	assert.Equal(t, 0, nilForecast.Len())

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f := &Forecast{City: "delhi", Model: "XGBoost", Rows: []ForecastRow{{Timestamp: ts}}}
	assert.Equal(t, 1, f.Len())
}
