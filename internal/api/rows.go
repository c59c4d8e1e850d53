package api

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"weather_forecaster/internal/ingest"
	"weather_forecaster/internal/model"
)

// Row is a forecast row as served to clients: values rounded to two decimals
// and keys in a fixed order, each target column followed by its bounds.
type Row struct {
	Timestamp time.Time
	Values    model.Values
	Lower     *model.Values
	Upper     *model.Values
}

// NewRow rounds r for output.
func NewRow(r model.ForecastRow) Row {
	out := Row{Timestamp: r.Timestamp, Values: round(r.Values)}
	if r.Lower != nil && r.Upper != nil {
		lower, upper := round(*r.Lower), round(*r.Upper)
		out.Lower, out.Upper = &lower, &upper
	}
	return out
}

// NewRows converts a forecast, keeping only rows accepted by keep.
func NewRows(f *model.Forecast, keep func(Row) bool) []Row {
	rows := make([]Row, 0, f.Len())
	for _, r := range f.Rows {
		row := NewRow(r)
		if keep == nil || keep(row) {
			rows = append(rows, row)
		}
	}
	return rows
}

// maxServedDegrees is the largest two-decimal direction below 360.
const maxServedDegrees = 359.99

func round(v model.Values) model.Values {
	for t := range v {
		v[t] = math.Round(v[t]*100) / 100
	}
	// 359.996 rounds up to 360.
	v[model.WindDirection] = math.Min(v[model.WindDirection], maxServedDegrees)
	return v
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKey(&buf, model.TimestampColumn)
	writeString(&buf, r.Timestamp.Format(ingest.TimestampLayout))
	for _, t := range model.Targets {
		col := t.Column()
		buf.WriteByte(',')
		writeKey(&buf, col)
		writeFloat(&buf, r.Values[t])
		if r.Lower == nil {
			continue
		}
		buf.WriteByte(',')
		writeKey(&buf, col+"_lower")
		writeFloat(&buf, r.Lower[t])
		buf.WriteByte(',')
		writeKey(&buf, col+"_upper")
		writeFloat(&buf, r.Upper[t])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, k string) {
	writeString(buf, k)
	buf.WriteByte(':')
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeFloat(buf *bytes.Buffer, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return
	}
	buf.Write(strconv.AppendFloat(nil, f, 'f', -1, 64))
}

func weekdayMondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}
