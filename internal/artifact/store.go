// Package artifact persists trained predictors as JSON envelopes under
// {dir}/{city}_{model}.json and serves them through an LRU cache.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"weather_forecaster/internal/predictor"
)

// ErrModelNotFound is returned when no artifact exists for a city and model.
var ErrModelNotFound = errors.New("model not found")

const artifactExt = ".json"

// Store is a directory of predictor artifacts.
type Store struct {
	dir   string
	cache *Cache
}

// NewStore returns a store rooted at dir with a cache of cacheSize entries.
func NewStore(dir string, cacheSize int) (*Store, error) {
	cache, err := NewCache(max(cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("creating artifact cache: %w", err)
	}
	return &Store{dir: dir, cache: cache}, nil
}

// Path returns the artifact file location.
func (s *Store) Path(city, model string) string {
	return filepath.Join(s.dir, city+"_"+model+artifactExt)
}

// Cache exposes the predictor cache.
func (s *Store) Cache() *Cache {
	return s.cache
}

// Exists reports whether an artifact is present, without decoding it.
func (s *Store) Exists(city, model string) bool {
	info, err := os.Stat(s.Path(city, model))
	return err == nil && info.Mode().IsRegular()
}

// Load returns the predictor for city and model.
func (s *Store) Load(city, model string) (predictor.Predictor, error) {
	entry, err := s.load(city, model)
	if err != nil {
		return nil, err
	}
	return entry.predictor, nil
}

// Describe returns the envelope metadata of an artifact.
func (s *Store) Describe(city, model string) (predictor.Meta, error) {
	entry, err := s.load(city, model)
	if err != nil {
		return predictor.Meta{}, err
	}
	return entry.meta, nil
}

func (s *Store) load(city, model string) (cached, error) {
	key := Key{City: city, Model: model}
	path := s.Path(city, model)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cached{}, fmt.Errorf("%w: %s for %s", ErrModelNotFound, model, city)
	}
	if err != nil {
		return cached{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if entry, ok := s.cache.get(key, info.ModTime(), info.Size()); ok {
		return entry, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cached{}, fmt.Errorf("reading %s: %w", path, err)
	}
	p, meta, err := predictor.Decode(data)
	if err != nil {
		return cached{}, fmt.Errorf("loading %s for %s: %w", model, city, err)
	}

	entry := cached{predictor: p, meta: meta, modTime: info.ModTime(), size: info.Size()}
	s.cache.add(key, entry)
	return entry, nil
}

// Save writes the artifact atomically and drops any cached copy.
func (s *Store) Save(city, model string, p predictor.Predictor, trainedAt time.Time) error {
	data, err := predictor.Encode(p, city, model, trainedAt)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating models directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+city+"_"+model+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(city, model)); err != nil {
		return fmt.Errorf("installing artifact: %w", err)
	}

	s.cache.remove(Key{City: city, Model: model})
	return nil
}

// List returns the keys of every artifact in the store, sorted. File names are
// split on the first '_' since city names never contain one.
func (s *Store) List() ([]Key, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading models directory: %w", err)
	}

	var keys []Key
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		city, model, ok := strings.Cut(strings.TrimSuffix(name, artifactExt), "_")
		if !ok || city == "" || model == "" {
			continue
		}
		keys = append(keys, Key{City: city, Model: model})
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if c := strings.Compare(a.City, b.City); c != 0 {
			return c
		}
		return strings.Compare(a.Model, b.Model)
	})
	return keys, nil
}
