package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const metricsSuffix = "_metrics.json"

// FileStore keeps one indented JSON file per record under
// {dir}/{city}_{model}_metrics.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Path(city, modelName string) string {
	return filepath.Join(s.dir, city+"_"+modelName+metricsSuffix)
}

func (s *FileStore) Save(_ context.Context, city, modelName string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding metrics for %s/%s: %w", city, modelName, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	if err := os.WriteFile(s.Path(city, modelName), data, 0o644); err != nil {
		return fmt.Errorf("writing metrics for %s/%s: %w", city, modelName, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, city, modelName string) (Record, error) {
	data, err := os.ReadFile(s.Path(city, modelName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metrics for %s/%s: %w", city, modelName, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding metrics for %s/%s: %w", city, modelName, err)
	}
	return rec, nil
}

func (s *FileStore) All(ctx context.Context) (map[string]map[string]Record, error) {
	all := make(map[string]map[string]Record)
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}

	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), metricsSuffix)
		if e.IsDir() || !ok {
			continue
		}
		city, modelName, ok := strings.Cut(stem, "_")
		if !ok || city == "" || modelName == "" {
			continue
		}
		rec, err := s.Load(ctx, city, modelName)
		if err != nil {
			return nil, err
		}
		put(all, city, modelName, rec)
	}
	return all, nil
}
