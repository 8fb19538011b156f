// Package config assembles runtime settings from a .env file, an optional
// YAML file and the process environment, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/faceguard/internal/imageprocessor"
	"github.com/example/faceguard/internal/liveness"
)

// PathEnv names the variable that points at the YAML config file.
const PathEnv = "FACEGUARD_CONFIG"

type StoreConfig struct {
	Path      string `yaml:"path"`
	AutoFlush bool   `yaml:"auto_flush"`
	// Seed fixes the identifier generator. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

type LivenessConfig struct {
	Backend        string  `yaml:"backend"`
	FlatThreshold  float64 `yaml:"flat_threshold"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	ContextMargin  float64 `yaml:"context_margin"`
	DebugPath      string  `yaml:"debug_path"`
}

type InferenceConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

type ImageConfig struct {
	MaxBytes  int `yaml:"max_bytes"`
	MaxPixels int `yaml:"max_pixels"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Audience string `yaml:"audience"`
}

// Config holds every setting of the service.
type Config struct {
	HTTPAddr        string          `yaml:"http_addr"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	LogLevel        string          `yaml:"log_level"`
	MatchThreshold  float64         `yaml:"match_threshold"`
	DatabaseDSN     string          `yaml:"database_dsn"`
	Store           StoreConfig     `yaml:"store"`
	Liveness        LivenessConfig  `yaml:"liveness"`
	Inference       InferenceConfig `yaml:"inference"`
	Image           ImageConfig     `yaml:"image"`
	Redis           RedisConfig     `yaml:"redis"`
	JWT             JWTConfig       `yaml:"jwt"`

	// Warnings lists values that were ignored while loading. They are
	// reported once a logger exists.
	Warnings []string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
		MatchThreshold:  0.2,
		Store: StoreConfig{
			Path:      "data/faces.db",
			AutoFlush: true,
		},
		Liveness: LivenessConfig{
			Backend:        liveness.BackendDepth,
			FlatThreshold:  liveness.DefaultFlatThreshold,
			ScoreThreshold: liveness.DefaultScoreThreshold,
			ContextMargin:  liveness.DefaultContextMargin,
		},
		Inference: InferenceConfig{
			Addr:    "localhost:50051",
			Timeout: 10 * time.Second,
		},
		Image: ImageConfig{
			MaxBytes:  imageprocessor.DefaultMaxBytes,
			MaxPixels: imageprocessor.DefaultMaxPixels,
		},
		Redis: RedisConfig{
			ResultTTL: 5 * time.Minute,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// FACEGUARD_CONFIG is consulted.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = c.envString("HTTP_ADDR", c.HTTPAddr)
	c.ShutdownTimeout = c.envDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.LogLevel = c.envString("LOG_LEVEL", c.LogLevel)
	c.MatchThreshold = c.envFloat("MATCH_THRESHOLD", c.MatchThreshold)
	c.DatabaseDSN = c.envString("DATABASE_DSN", c.DatabaseDSN)

	c.Store.Path = c.envString("STORE_PATH", c.Store.Path)
	c.Store.AutoFlush = c.envBool("STORE_AUTO_FLUSH", c.Store.AutoFlush)
	c.Store.Seed = c.envUint("STORE_SEED", c.Store.Seed)

	c.Liveness.Backend = c.envString("LIVENESS_BACKEND", c.Liveness.Backend)
	c.Liveness.FlatThreshold = c.envFloat("LIVENESS_FLAT_THRESHOLD", c.Liveness.FlatThreshold)
	c.Liveness.ScoreThreshold = c.envFloat("LIVENESS_SCORE_THRESHOLD", c.Liveness.ScoreThreshold)
	c.Liveness.ContextMargin = c.envFloat("CONTEXT_MARGIN", c.Liveness.ContextMargin)
	c.Liveness.DebugPath = c.envString("LIVENESS_DEBUG_PATH", c.Liveness.DebugPath)

	c.Inference.Addr = c.envString("INFERENCE_ADDR", c.Inference.Addr)
	c.Inference.Timeout = c.envDuration("INFERENCE_TIMEOUT", c.Inference.Timeout)

	c.Image.MaxBytes = c.envInt("MAX_IMAGE_BYTES", c.Image.MaxBytes)
	c.Image.MaxPixels = c.envInt("MAX_IMAGE_PIXELS", c.Image.MaxPixels)

	c.Redis.Addr = c.envString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.ResultTTL = c.envDuration("RESULT_TTL", c.Redis.ResultTTL)

	c.JWT.Secret = c.envString("JWT_SECRET", c.JWT.Secret)
	c.JWT.Audience = c.envString("JWT_AUDIENCE", c.JWT.Audience)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.HTTPAddr) == "" {
		problems = append(problems, "http_addr is empty")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		problems = append(problems, "store.path is empty")
	}
	for key, v := range map[string]float64{
		"match_threshold":          c.MatchThreshold,
		"liveness.flat_threshold":  c.Liveness.FlatThreshold,
		"liveness.score_threshold": c.Liveness.ScoreThreshold,
		"liveness.context_margin":  c.Liveness.ContextMargin,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			problems = append(problems, fmt.Sprintf("%s %v is not a finite number", key, v))
		}
	}
	if c.MatchThreshold < -1 || c.MatchThreshold > 1 {
		problems = append(problems, fmt.Sprintf("match_threshold %v outside [-1, 1]", c.MatchThreshold))
	}
	backend, err := liveness.ParseBackend(c.Liveness.Backend)
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		c.Liveness.Backend = backend
	}
	if c.Liveness.FlatThreshold < 0 {
		problems = append(problems, "liveness.flat_threshold is negative")
	}
	if c.Liveness.ScoreThreshold < 0 || c.Liveness.ScoreThreshold > 1 {
		problems = append(problems, fmt.Sprintf("liveness.score_threshold %v outside [0, 1]", c.Liveness.ScoreThreshold))
	}
	if c.Liveness.ContextMargin < 0 {
		problems = append(problems, "liveness.context_margin is negative")
	}
	if c.Inference.Timeout <= 0 {
		problems = append(problems, "inference.timeout must be positive")
	}
	if c.Image.MaxBytes <= 0 || c.Image.MaxPixels <= 0 {
		problems = append(problems, "image limits must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) warn(key, value string, err error) {
	c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s=%q: %v", key, value, err))
}

func (c *Config) envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func (c *Config) envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		c.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (c *Config) envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (c *Config) envUint(key string, fallback uint64) uint64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		c.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (c *Config) envFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (c *Config) envDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.warn(key, value, err)
		return fallback
	}
	return parsed
}
