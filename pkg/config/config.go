package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Host       string `yaml:"host"`
	DBName     string `yaml:"dbname"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	AuthSource string `yaml:"authSource"`
}

type PostgresConfig struct {
	DSN        string `yaml:"dsn"`
	MaxConns   int32  `yaml:"max_conns"`
	ViaBouncer bool   `yaml:"via_bouncer"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type OpenAIConfig struct {
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	URL             string        `yaml:"url"`
	MaxTokens       int           `yaml:"max_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MinCallInterval time.Duration `yaml:"min_call_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
}

type MediaConfig struct {
	FetchTimeout          time.Duration `yaml:"fetch_timeout"`
	MaxFetchBytes         int64         `yaml:"max_fetch_bytes"`
	MaxInlineBytes        int           `yaml:"max_inline_bytes"`
	Recompress            bool          `yaml:"recompress"`
	JPEGQuality           int           `yaml:"jpeg_quality"`
	DiscoverFromPermalink bool          `yaml:"discover_from_permalink"`
}

type SchedulerConfig struct {
	Timezone string `yaml:"timezone"`
	Anchors  []int  `yaml:"anchors"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Config struct {
	Store     string          `yaml:"store"`
	BatchSize int             `yaml:"batch_size"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Media     MediaConfig     `yaml:"media"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

func Default() Config {
	return Config{
		Store:     StoreMongo,
		BatchSize: 50,
		Mongo: MongoConfig{
			Host:   "localhost:27017",
			DBName: "stories",
		},
		Postgres: PostgresConfig{MaxConns: 2},
		Redis: RedisConfig{
			LockKey: "story_filter:run_lock",
			LockTTL: 30 * time.Minute,
		},
		OpenAI: OpenAIConfig{
			Model:           "gpt-4o-mini",
			URL:             "https://api.openai.com/v1/chat/completions",
			MaxTokens:       400,
			RequestTimeout:  60 * time.Second,
			MinCallInterval: 500 * time.Millisecond,
			MaxAttempts:     6,
			BaseBackoff:     1500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
		},
		Media: MediaConfig{
			FetchTimeout:   15 * time.Second,
			MaxFetchBytes:  20 << 20,
			MaxInlineBytes: 4 << 20,
			Recompress:     true,
			JPEGQuality:    80,
		},
		Scheduler: SchedulerConfig{
			Timezone: "Asia/Jerusalem",
			Anchors:  []int{0, 3, 6, 9, 12, 15, 18, 21},
		},
		API: APIConfig{Addr: ":8080"},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads path over the defaults, applies env overrides and validates.
// An empty path means defaults plus env.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, eris.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides file values with the deployment's environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_MODEL", &c.OpenAI.Model)
	str("OPENAI_URL", &c.OpenAI.URL)
	str("MONGO_URI", &c.Mongo.URI)
	str("MONGO_DB", &c.Mongo.DBName)
	str("PG_DSN", &c.Postgres.DSN)
	str("STORE_DRIVER", &c.Store)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("MAX_ROWS"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return eris.Wrapf(err, "MAX_ROWS=%q", v)
		}
		c.BatchSize = n
	}
	if v, ok := lookup("MIN_CALL_INTERVAL_MS"); ok && v != "" {
		ms, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return eris.Wrapf(err, "MIN_CALL_INTERVAL_MS=%q", v)
		}
		c.OpenAI.MinCallInterval = time.Duration(ms) * time.Millisecond
	}
	return nil
}

func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreMongo:
		if c.Mongo.URI == "" && c.Mongo.Host == "" {
			return eris.New("mongo.uri or mongo.host is required")
		}
		if c.Mongo.DBName == "" {
			return eris.New("mongo.dbname is required")
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return eris.New("postgres.dsn (PG_DSN) is required")
		}
	default:
		return eris.Errorf("unknown store %q", c.Store)
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		return eris.Errorf("batch_size must be within 1..1000, got %d", c.BatchSize)
	}
	if c.OpenAI.MinCallInterval < 0 {
		return eris.New("openai.min_call_interval must not be negative")
	}
	if c.Media.JPEGQuality < 1 || c.Media.JPEGQuality > 100 {
		return eris.Errorf("media.jpeg_quality must be within 1..100, got %d", c.Media.JPEGQuality)
	}
	for _, h := range c.Scheduler.Anchors {
		if h < 0 || h > 23 {
			return eris.Errorf("scheduler anchor %d is not an hour", h)
		}
	}
	return nil
}

// RequireClassifier is checked by modes that call the model.
func (c *Config) RequireClassifier() error {
	if c.OpenAI.APIKey == "" {
		return eris.New("OPENAI_API_KEY is required")
	}
	return nil
}

// Location resolves the scheduler time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
