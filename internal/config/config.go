package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnsembleModel is the model identifier of the averaging ensemble.
const EnsembleModel = "Ensemble"

var (
	ErrUnknownCity  = errors.New("unknown city")
	ErrUnknownModel = errors.New("unknown model")
)

// Config is the process-wide configuration. It is built once by Load and then
// passed by value; nothing mutates it afterwards.
type Config struct {
	Cities     []string
	BaseModels []string
	LagCount   int

	// EnsembleMinMembers is the number of base forecasts that must survive
	// for an ensemble to be produced.
	EnsembleMinMembers int

	// Seed and TestFraction drive the held-out split used for evaluation.
	Seed         uint64
	TestFraction float64

	Paths        PathsConfig
	MetricsStore MetricsStoreConfig
	// ArtifactCacheSize bounds the number of loaded predictors kept in memory.
	ArtifactCacheSize int

	Server  ServerConfig
	Logging LoggingConfig
}

// PathsConfig locates the file-backed stores.
type PathsConfig struct {
	DataDir    string
	ModelsDir  string
	MetricsDir string
}

// MetricsStoreConfig selects the metrics persistence backend.
type MetricsStoreConfig struct {
	Backend       string // "file" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64 // requests per second, 0 disables limiting
	RateBurst       int
	AllowedOrigins  []string
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

const (
	defaultLagCount     = 24
	defaultSeed         = 42
	defaultTestFraction = 0.2
	defaultCacheSize    = 64

	defaultAddr            = ":8000"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
	defaultRateLimit       = 5
	defaultRateBurst       = 10

	defaultLogFormat = "text"
)

// Default returns the built-in configuration: four cities, six base models.
func Default() Config {
	return Config{
		Cities:             []string{"ahmedabad", "mumbai", "delhi", "bengaluru"},
		BaseModels:         []string{"LightGBM", "CatBoost", "ExtraTrees", "XGBoost", "HistGradientBoosting", "Prophet"},
		LagCount:           defaultLagCount,
		EnsembleMinMembers: 1,
		Seed:               defaultSeed,
		TestFraction:       defaultTestFraction,
		Paths: PathsConfig{
			DataDir:    "data",
			ModelsDir:  "models",
			MetricsDir: "metrics",
		},
		MetricsStore: MetricsStoreConfig{
			Backend:   "file",
			RedisAddr: "localhost:6379",
		},
		ArtifactCacheSize: defaultCacheSize,
		Server: ServerConfig{
			Addr:            defaultAddr,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
			RateLimit:       defaultRateLimit,
			RateBurst:       defaultRateBurst,
			AllowedOrigins: []string{
				"http://localhost",
				"http://localhost:8080",
				"http://127.0.0.1",
				"http://127.0.0.1:8080",
				"null",
			},
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file in the working directory and FORECASTER_* environment
// variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := applyYAML(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural consistency.
func (c Config) Validate() error {
	if len(c.Cities) == 0 {
		return fmt.Errorf("at least one city is required")
	}
	if len(c.BaseModels) == 0 {
		return fmt.Errorf("at least one base model is required")
	}
	if hasDuplicates(c.Cities) {
		return fmt.Errorf("duplicate city in %v", c.Cities)
	}
	if hasDuplicates(c.BaseModels) {
		return fmt.Errorf("duplicate model in %v", c.BaseModels)
	}
	if slices.Contains(c.BaseModels, EnsembleModel) {
		return fmt.Errorf("%s cannot be a base model", EnsembleModel)
	}
	for _, city := range c.Cities {
		if strings.Contains(city, "_") {
			return fmt.Errorf("city %q must not contain '_'", city)
		}
	}
	if c.LagCount < 1 {
		return fmt.Errorf("lag count must be positive, got %d", c.LagCount)
	}
	if c.EnsembleMinMembers < 1 || c.EnsembleMinMembers > len(c.BaseModels) {
		return fmt.Errorf("ensemble min members must be in [1, %d], got %d", len(c.BaseModels), c.EnsembleMinMembers)
	}
	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return fmt.Errorf("test fraction must be in (0, 1), got %v", c.TestFraction)
	}
	switch c.MetricsStore.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unsupported metrics backend: %s", c.MetricsStore.Backend)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}
	return nil
}

// HasCity reports whether city is configured.
func (c Config) HasCity(city string) bool {
	return slices.Contains(c.Cities, city)
}

// HasModel reports whether name is a base model or the ensemble.
func (c Config) HasModel(name string) bool {
	return name == EnsembleModel || slices.Contains(c.BaseModels, name)
}

// Models returns the base models followed by the ensemble.
func (c Config) Models() []string {
	return append(slices.Clone(c.BaseModels), EnsembleModel)
}

// CheckCity returns ErrUnknownCity for unconfigured cities.
func (c Config) CheckCity(city string) error {
	if !c.HasCity(city) {
		return fmt.Errorf("%w: %q (allowed: %s)", ErrUnknownCity, city, strings.Join(c.Cities, ", "))
	}
	return nil
}

// CheckModel returns ErrUnknownModel for unconfigured models.
func (c Config) CheckModel(name string) error {
	if !c.HasModel(name) {
		return fmt.Errorf("%w: %q (allowed: %s)", ErrUnknownModel, name, strings.Join(c.Models(), ", "))
	}
	return nil
}

type fileConfig struct {
	Cities             []string `yaml:"cities"`
	BaseModels         []string `yaml:"base_models"`
	LagCount           *int     `yaml:"lag_count"`
	EnsembleMinMembers *int     `yaml:"ensemble_min_members"`
	Seed               *uint64  `yaml:"seed"`
	TestFraction       *float64 `yaml:"test_fraction"`
	ArtifactCacheSize  *int     `yaml:"artifact_cache_size"`

	Paths struct {
		DataDir    string `yaml:"data_dir"`
		ModelsDir  string `yaml:"models_dir"`
		MetricsDir string `yaml:"metrics_dir"`
	} `yaml:"paths"`

	MetricsStore struct {
		Backend   string `yaml:"backend"`
		RedisAddr string `yaml:"redis_addr"`
		RedisDB   *int   `yaml:"redis_db"`
	} `yaml:"metrics_store"`

	Server struct {
		Addr            string   `yaml:"addr"`
		ReadTimeout     string   `yaml:"read_timeout"`
		WriteTimeout    string   `yaml:"write_timeout"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
		RateLimit       *float64 `yaml:"rate_limit"`
		RateBurst       *int     `yaml:"rate_burst"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func applyYAML(cfg *Config, data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if len(fc.Cities) > 0 {
		cfg.Cities = fc.Cities
	}
	if len(fc.BaseModels) > 0 {
		cfg.BaseModels = fc.BaseModels
	}
	setIfNotNil(&cfg.LagCount, fc.LagCount)
	setIfNotNil(&cfg.EnsembleMinMembers, fc.EnsembleMinMembers)
	setIfNotNil(&cfg.Seed, fc.Seed)
	setIfNotNil(&cfg.TestFraction, fc.TestFraction)
	setIfNotNil(&cfg.ArtifactCacheSize, fc.ArtifactCacheSize)

	setIfNotEmpty(&cfg.Paths.DataDir, fc.Paths.DataDir)
	setIfNotEmpty(&cfg.Paths.ModelsDir, fc.Paths.ModelsDir)
	setIfNotEmpty(&cfg.Paths.MetricsDir, fc.Paths.MetricsDir)

	setIfNotEmpty(&cfg.MetricsStore.Backend, fc.MetricsStore.Backend)
	setIfNotEmpty(&cfg.MetricsStore.RedisAddr, fc.MetricsStore.RedisAddr)
	setIfNotNil(&cfg.MetricsStore.RedisDB, fc.MetricsStore.RedisDB)

	setIfNotEmpty(&cfg.Server.Addr, fc.Server.Addr)
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Server.ReadTimeout, &cfg.Server.ReadTimeout},
		{fc.Server.WriteTimeout, &cfg.Server.WriteTimeout},
		{fc.Server.ShutdownTimeout, &cfg.Server.ShutdownTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}
	setIfNotNil(&cfg.Server.RateLimit, fc.Server.RateLimit)
	setIfNotNil(&cfg.Server.RateBurst, fc.Server.RateBurst)
	if len(fc.Server.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = fc.Server.AllowedOrigins
	}

	if fc.Logging.Level != "" {
		level, err := parseLogLevel(fc.Logging.Level)
		if err != nil {
			return err
		}
		cfg.Logging.Level = level
	}
	setIfNotEmpty(&cfg.Logging.Format, fc.Logging.Format)
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FORECASTER_CITIES"); v != "" {
		cfg.Cities = splitList(v)
	}
	if v := os.Getenv("FORECASTER_MODELS"); v != "" {
		cfg.BaseModels = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"FORECASTER_LAG_COUNT", &cfg.LagCount},
		{"FORECASTER_ENSEMBLE_MIN_MEMBERS", &cfg.EnsembleMinMembers},
		{"FORECASTER_CACHE_SIZE", &cfg.ArtifactCacheSize},
		{"FORECASTER_REDIS_DB", &cfg.MetricsStore.RedisDB},
		{"FORECASTER_RATE_BURST", &cfg.Server.RateBurst},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	if v := os.Getenv("FORECASTER_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("invalid FORECASTER_RATE_LIMIT: must be a non-negative number")
		}
		cfg.Server.RateLimit = f
	}

	setIfNotEmpty(&cfg.Paths.DataDir, os.Getenv("FORECASTER_DATA_DIR"))
	setIfNotEmpty(&cfg.Paths.ModelsDir, os.Getenv("FORECASTER_MODELS_DIR"))
	setIfNotEmpty(&cfg.Paths.MetricsDir, os.Getenv("FORECASTER_METRICS_DIR"))
	setIfNotEmpty(&cfg.MetricsStore.Backend, os.Getenv("FORECASTER_METRICS_BACKEND"))
	setIfNotEmpty(&cfg.MetricsStore.RedisAddr, os.Getenv("FORECASTER_REDIS_ADDR"))
	setIfNotEmpty(&cfg.MetricsStore.RedisPassword, os.Getenv("FORECASTER_REDIS_PASSWORD"))

	// PORT wins over FORECASTER_ADDR so the process works behind PaaS runners.
	setIfNotEmpty(&cfg.Server.Addr, os.Getenv("FORECASTER_ADDR"))
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}
	setIfNotEmpty(&cfg.Logging.Format, os.Getenv("LOG_FORMAT"))
	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %s", raw)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasDuplicates(items []string) bool {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it] {
			return true
		}
		seen[it] = true
	}
	return false
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setIfNotNil[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
