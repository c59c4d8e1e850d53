package ingest

import (
	"fmt"
	"io"
	"os"

	"weather_forecaster/internal/model"
)

// Parser reads a weather history from a source and returns its observations.
type Parser interface {
	Parse(r io.Reader) ([]model.Observation, error)
}

// ParseFile opens path and parses it with p.
func ParseFile(path string, p Parser) ([]model.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	obs, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return obs, nil
}
