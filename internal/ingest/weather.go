package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"weather_forecaster/internal/model"
)

// TimestampLayout is the timestamp format of history files.
const TimestampLayout = "2006-01-02 15:04:05"

// WeatherParser parses hourly weather history CSV files.
//
// Expected format (column order is free, extra columns are ignored):
//
//	Timestamp,Temperature (°C),Humidity (%),Wind Speed (km/h),Wind Direction (°)
//	2024-01-01 00:00:00,14.2,81,6.5,250
//
// Rows with an unparseable timestamp or value are skipped. The result is sorted
// by timestamp; for duplicate timestamps the last row wins.
type WeatherParser struct {
	// Location is used for timestamps without a zone. Defaults to UTC.
	Location *time.Location
}

func (p *WeatherParser) Parse(r io.Reader) ([]model.Observation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols, err := resolveWeatherHeader(header)
	if err != nil {
		return nil, err
	}

	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	var obs []model.Observation
	lineNum := 1

	for {
		lineNum++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", lineNum, err)
		}

		o, err := parseWeatherRecord(record, cols, loc, lineNum)
		if err != nil {
			continue
		}
		obs = append(obs, o)
	}

	return Normalize(obs), nil
}

// weatherColumns holds the record index of the timestamp and of every target.
type weatherColumns struct {
	timestamp int
	targets   [model.NumTargets]int
}

func resolveWeatherHeader(header []string) (weatherColumns, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		index[h] = i
	}

	var cols weatherColumns
	i, ok := index[model.TimestampColumn]
	if !ok {
		return cols, fmt.Errorf("missing column %q", model.TimestampColumn)
	}
	cols.timestamp = i

	for _, t := range model.Targets {
		i, ok := index[t.Column()]
		if !ok {
			return cols, fmt.Errorf("missing column %q", t.Column())
		}
		cols.targets[t] = i
	}
	return cols, nil
}

func parseWeatherRecord(record []string, cols weatherColumns, loc *time.Location, lineNum int) (model.Observation, error) {
	field := func(i int) (string, error) {
		if i >= len(record) {
			return "", fmt.Errorf("line %d: expected at least %d fields, got %d", lineNum, i+1, len(record))
		}
		return strings.TrimSpace(record[i]), nil
	}

	raw, err := field(cols.timestamp)
	if err != nil {
		return model.Observation{}, err
	}
	ts, err := ParseTimestamp(raw, loc)
	if err != nil {
		return model.Observation{}, fmt.Errorf("line %d: parsing timestamp: %w", lineNum, err)
	}

	o := model.Observation{Timestamp: ts}
	for _, t := range model.Targets {
		raw, err := field(cols.targets[t])
		if err != nil {
			return model.Observation{}, err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.Observation{}, fmt.Errorf("line %d: parsing %s: %w", lineNum, t, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.Observation{}, fmt.Errorf("line %d: %s is not finite", lineNum, t)
		}
		o.Values[t] = v
	}
	return o, nil
}

// ParseTimestamp accepts TimestampLayout (interpreted in loc) and RFC 3339.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if ts, err := time.ParseInLocation(TimestampLayout, raw, loc); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// Normalize sorts observations by timestamp and drops duplicate timestamps,
// keeping the last occurrence. The input slice is reordered in place.
func Normalize(obs []model.Observation) []model.Observation {
	if len(obs) == 0 {
		return obs
	}
	slices.SortStableFunc(obs, func(a, b model.Observation) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	out := obs[:0]
	for _, o := range obs {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(o.Timestamp) {
			out[n-1] = o
			continue
		}
		out = append(out, o)
	}
	return out
}

// Write serializes observations in the format read by WeatherParser.
func Write(w io.Writer, obs []model.Observation) error {
	cw := csv.NewWriter(w)

	header := []string{model.TimestampColumn}
	for _, t := range model.Targets {
		header = append(header, t.Column())
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	record := make([]string, len(header))
	for _, o := range obs {
		record[0] = o.Timestamp.UTC().Format(TimestampLayout)
		for _, t := range model.Targets {
			record[int(t)+1] = strconv.FormatFloat(o.Values[t], 'f', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
