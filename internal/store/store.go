package store

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"weather_forecaster/internal/ingest"
	"weather_forecaster/internal/model"
)

// Store holds per-city hourly weather histories in memory. Histories are read
// from {dir}/{city}.csv on first access and shared read-only afterwards.
type Store struct {
	mu        sync.RWMutex
	dir       string
	parser    ingest.Parser
	histories map[string][]model.Observation // keyed by city, sorted by timestamp
}

// New returns a store backed by CSV files in dir. An empty dir disables
// loading from disk; histories must then be added with Add.
func New(dir string) *Store {
	return &Store{
		dir:       dir,
		parser:    &ingest.WeatherParser{},
		histories: make(map[string][]model.Observation),
	}
}

// Path returns the history file location for city.
func (s *Store) Path(city string) string {
	return filepath.Join(s.dir, city+".csv")
}

// Add merges observations into a city's history. Existing rows with the same
// timestamp are replaced.
func (s *Store) Add(city string, obs []model.Observation) {
	if len(obs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]model.Observation, 0, len(s.histories[city])+len(obs))
	merged = append(merged, s.histories[city]...)
	merged = append(merged, obs...)
	s.histories[city] = ingest.Normalize(merged)
}

// History returns the full history for city, loading it on first use. A city
// without a history file yields an empty history and no error. The returned
// slice is shared: callers must not modify its elements.
func (s *Store) History(city string) ([]model.Observation, error) {
	s.mu.RLock()
	h, ok := s.histories[city]
	s.mu.RUnlock()
	if ok {
		return h[:len(h):len(h)], nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.histories[city]; ok {
		return h[:len(h):len(h)], nil
	}
	if s.dir == "" {
		return nil, nil
	}

	h, err := ingest.ParseFile(s.Path(city), s.parser)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", city, err)
	}
	if len(h) > 0 {
		s.histories[city] = h
	}
	return h[:len(h):len(h)], nil
}

// Count returns the number of observations for city.
func (s *Store) Count(city string) int {
	h, err := s.History(city)
	if err != nil {
		return 0
	}
	return len(h)
}

// TimeRange returns the time range covered by a city's history.
func (s *Store) TimeRange(city string) (model.TimeRange, bool) {
	h, err := s.History(city)
	if err != nil || len(h) == 0 {
		return model.TimeRange{}, false
	}
	return model.TimeRange{
		Start: h[0].Timestamp,
		End:   h[len(h)-1].Timestamp,
	}, true
}

// InRange returns observations between start (inclusive) and end (exclusive).
func (s *Store) InRange(city string, start, end time.Time) ([]model.Observation, error) {
	all, err := s.History(city)
	if err != nil || len(all) == 0 {
		return nil, err
	}

	startIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(start)
	})
	endIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(end)
	})

	if startIdx >= endIdx {
		return nil, nil
	}

	result := make([]model.Observation, endIdx-startIdx)
	copy(result, all[startIdx:endIdx])
	return result, nil
}

// Tail returns the last n observations of a city's history (fewer if the
// history is shorter) as a fresh copy.
func (s *Store) Tail(city string, n int) ([]model.Observation, error) {
	all, err := s.History(city)
	if err != nil {
		return nil, err
	}
	if n > len(all) {
		n = len(all)
	}
	result := make([]model.Observation, n)
	copy(result, all[len(all)-n:])
	return result, nil
}

// Cities returns the cities currently held in memory, in no particular order.
func (s *Store) Cities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cities := make([]string, 0, len(s.histories))
	for c := range s.histories {
		cities = append(cities, c)
	}
	return cities
}
