package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	PathEnv, "HTTP_ADDR", "SHUTDOWN_TIMEOUT", "LOG_LEVEL", "MATCH_THRESHOLD", "DATABASE_DSN",
	"STORE_PATH", "STORE_AUTO_FLUSH", "STORE_SEED",
	"LIVENESS_BACKEND", "LIVENESS_FLAT_THRESHOLD", "LIVENESS_SCORE_THRESHOLD", "CONTEXT_MARGIN", "LIVENESS_DEBUG_PATH",
	"INFERENCE_ADDR", "INFERENCE_TIMEOUT", "MAX_IMAGE_BYTES", "MAX_IMAGE_PIXELS",
	"REDIS_ADDR", "RESULT_TTL", "JWT_SECRET", "JWT_AUDIENCE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "faceguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Store.Path != "data/faces.db" || !cfg.Store.AutoFlush {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MatchThreshold != 0.2 || cfg.Liveness.FlatThreshold != 0.02 || cfg.Liveness.ContextMargin != 0.25 {
		t.Fatalf("unexpected thresholds %+v", cfg)
	}
	if cfg.Liveness.Backend != "depth" || cfg.Inference.Timeout != 10*time.Second {
		t.Fatalf("unexpected liveness/inference defaults %+v", cfg)
	}
	if len(cfg.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", cfg.Warnings)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
http_addr: ":9090"
match_threshold: 0.35
store:
  path: /var/lib/faceguard/faces.db
  auto_flush: false
liveness:
  backend: classifier
  score_threshold: 0.7
inference:
  timeout: 3s
redis:
  addr: redis:6379
`)
	t.Setenv("MATCH_THRESHOLD", "0.4")
	t.Setenv("INFERENCE_ADDR", "sidecar:50051")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.Store.Path != "/var/lib/faceguard/faces.db" || cfg.Store.AutoFlush {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MatchThreshold != 0.4 || cfg.Inference.Addr != "sidecar:50051" {
		t.Fatalf("environment should override the file: %+v", cfg)
	}
	if cfg.Liveness.Backend != "classifier" || cfg.Liveness.ScoreThreshold != 0.7 {
		t.Fatalf("unexpected liveness config %+v", cfg.Liveness)
	}
	if cfg.Inference.Timeout != 3*time.Second || cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("unexpected nested values %+v", cfg)
	}
	if cfg.Liveness.FlatThreshold != 0.02 {
		t.Fatalf("unset keys should keep defaults, got %v", cfg.Liveness.FlatThreshold)
	}
}

func TestLoadUsesPathFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(PathEnv, writeFile(t, "log_level: debug\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from file, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeFile(t, "flat_treshold: 0.1\n")); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestInvalidEnvironmentValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVENESS_FLAT_THRESHOLD", "flat")
	t.Setenv("STORE_AUTO_FLUSH", "sometimes")
	t.Setenv("INFERENCE_TIMEOUT", "10")
	t.Setenv("STORE_SEED", "-1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Liveness.FlatThreshold != 0.02 || !cfg.Store.AutoFlush || cfg.Inference.Timeout != 10*time.Second || cfg.Store.Seed != 0 {
		t.Fatalf("invalid values should keep defaults: %+v", cfg)
	}
	if len(cfg.Warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %v", cfg.Warnings)
	}
	if !strings.Contains(strings.Join(cfg.Warnings, "\n"), "LIVENESS_FLAT_THRESHOLD") {
		t.Fatalf("warning should name the key: %v", cfg.Warnings)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "match threshold", mutate: func(c *Config) { c.MatchThreshold = 1.5 }, want: "match_threshold"},
		{name: "negative flat threshold", mutate: func(c *Config) { c.Liveness.FlatThreshold = -0.1 }, want: "flat_threshold"},
		{name: "score threshold", mutate: func(c *Config) { c.Liveness.ScoreThreshold = 2 }, want: "score_threshold"},
		{name: "negative margin", mutate: func(c *Config) { c.Liveness.ContextMargin = -1 }, want: "context_margin"},
		{name: "backend", mutate: func(c *Config) { c.Liveness.Backend = "stereo" }, want: "unknown liveness backend"},
		{name: "timeout", mutate: func(c *Config) { c.Inference.Timeout = 0 }, want: "inference.timeout"},
		{name: "store path", mutate: func(c *Config) { c.Store.Path = " " }, want: "store.path"},
		{name: "image limits", mutate: func(c *Config) { c.Image.MaxBytes = 0 }, want: "image limits"},
		{name: "nan match threshold", mutate: func(c *Config) { c.MatchThreshold = math.NaN() }, want: "match_threshold NaN is not a finite number"},
		{name: "nan flat threshold", mutate: func(c *Config) { c.Liveness.FlatThreshold = math.NaN() }, want: "liveness.flat_threshold NaN"},
		{name: "nan score threshold", mutate: func(c *Config) { c.Liveness.ScoreThreshold = math.NaN() }, want: "liveness.score_threshold NaN"},
		{name: "infinite margin", mutate: func(c *Config) { c.Liveness.ContextMargin = math.Inf(1) }, want: "liveness.context_margin +Inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cfg := Default()
	cfg.Liveness.Backend = "Classifier"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Liveness.Backend != "classifier" {
		t.Fatalf("backend should be normalised, got %q", cfg.Liveness.Backend)
	}
}

func TestLoadRejectsNonFiniteThresholdFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVENESS_FLAT_THRESHOLD", "NaN")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "liveness.flat_threshold") {
		t.Fatalf("expected non-finite threshold to be rejected, got %v", err)
	}
}
