package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadConfigFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
store: postgres
batch_size: 25
postgres:
  dsn: postgres://u:p@localhost:5432/stories
openai:
  model: gpt-4o
  min_call_interval: 750ms
media:
  recompress: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StorePostgres || cfg.BatchSize != 25 || cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.OpenAI.MinCallInterval != 750*time.Millisecond || cfg.Media.Recompress {
		t.Fatalf("unexpected values %+v %+v", cfg.OpenAI, cfg.Media)
	}
	if cfg.OpenAI.MaxAttempts != 6 || cfg.Media.JPEGQuality != 80 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"OPENAI_API_KEY":       "sk-test",
		"MAX_ROWS":             "10",
		"MIN_CALL_INTERVAL_MS": "200",
		"STORE_DRIVER":         "postgres",
		"PG_DSN":               "postgres://x",
		"MONGO_DB":             "",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-test" || cfg.BatchSize != 10 || cfg.OpenAI.MinCallInterval != 200*time.Millisecond {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Store != StorePostgres || cfg.Postgres.DSN != "postgres://x" || cfg.Mongo.DBName != "stories" {
		t.Fatalf("unexpected store settings %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := cfg.RequireClassifier(); err != nil {
		t.Fatalf("api key should satisfy the classifier: %v", err)
	}

	bad := Default()
	if err := bad.ApplyEnv(env(map[string]string{"MAX_ROWS": "many"})); err == nil {
		t.Fatalf("non-numeric MAX_ROWS should fail")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"batch too small": func(c *Config) { c.BatchSize = 0 },
		"batch too large": func(c *Config) { c.BatchSize = 1001 },
		"unknown store":   func(c *Config) { c.Store = "sqlite" },
		"postgres no dsn": func(c *Config) { c.Store = StorePostgres },
		"bad quality":     func(c *Config) { c.Media.JPEGQuality = 0 },
		"bad anchor":      func(c *Config) { c.Scheduler.Anchors = []int{24} },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if err := cfg.RequireClassifier(); err == nil {
		t.Fatalf("missing key should be reported")
	}
	if cfg.Location() == nil {
		t.Fatalf("location must never be nil")
	}
}
