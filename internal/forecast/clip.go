package forecast

import (
	"math"

	"weather_forecaster/internal/model"
)

// MaxDegrees is the largest wind direction a forecast may carry.
var MaxDegrees = math.Nextafter(360, 0)

// Clip constrains values to their physical range: humidity to [0,100] and wind
// direction to [0,360). Other targets pass through.
func Clip(v model.Values) model.Values {
	v[model.Humidity] = math.Min(math.Max(v[model.Humidity], 0), 100)
	v[model.WindDirection] = ClampDegrees(v[model.WindDirection])
	return v
}

// ClampDegrees clamps a direction to [0, MaxDegrees]. Bounds are clipped the
// same way, so lower <= value <= upper survives clipping.
func ClampDegrees(d float64) float64 {
	return math.Min(math.Max(d, 0), MaxDegrees)
}

func clipRow(r model.ForecastRow) model.ForecastRow {
	r.Values = Clip(r.Values)
	if r.Lower != nil {
		lower := Clip(*r.Lower)
		r.Lower = &lower
	}
	if r.Upper != nil {
		upper := Clip(*r.Upper)
		r.Upper = &upper
	}
	return r
}
