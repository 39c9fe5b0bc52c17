// Package appconfig loads the optional config.yaml and bridges its values
// into environment variables. Environment always wins; the file only fills
// what is unset.
package appconfig

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	GitHub   GitHubConfig   `yaml:"github"`
	Streams  StreamsConfig  `yaml:"streams"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type APIConfig struct {
	Port               int         `yaml:"port"`
	GinMode            string      `yaml:"gin_mode"`
	DatabaseURL        string      `yaml:"database_url"`
	RedisURL           string      `yaml:"redis_url"`
	MinIO              MinIOConfig `yaml:"minio"`
	Limits             APILimits   `yaml:"limits"`
	Metrics            Metrics     `yaml:"metrics"`
	ShutdownTimeoutSec int         `yaml:"shutdown_timeout_sec"`
	CORSAllowedOrigins []string    `yaml:"cors_allowed_origins"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
}

type APILimits struct {
	IntakeBodyMaxBytes int64 `yaml:"intake_body_max_bytes"`
	InflightTTLSec     int   `yaml:"inflight_ttl_sec"`
}

type Metrics struct {
	ServiceName string `yaml:"service_name"`
	InstanceID  string `yaml:"instance_id"`
}

type GitHubConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	Token      string `yaml:"token"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type StreamsConfig struct {
	GradingStreamKey  string `yaml:"grading_stream_key"`
	FeedbackStreamKey string `yaml:"feedback_stream_key"`
	StreamMaxLen      int64  `yaml:"stream_maxlen"`
}

type OutboxConfig struct {
	Enabled            *bool `yaml:"enabled"`
	DispatchIntervalMs int   `yaml:"dispatch_interval_ms"`
	DispatchBatchSize  int   `yaml:"dispatch_batch_size"`
	RetryBaseMs        int   `yaml:"retry_base_ms"`
	RetryMaxMs         int   `yaml:"retry_max_ms"`
}

type RedisConfig struct {
	PoolSize       int `yaml:"pool_size"`
	MinIdleConns   int `yaml:"min_idle_conns"`
	DialTimeoutMs  int `yaml:"dial_timeout_ms"`
	ReadTimeoutMs  int `yaml:"read_timeout_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

type PostgresConfig struct {
	MaxConns           int `yaml:"max_conns"`
	MinConns           int `yaml:"min_conns"`
	MaxConnLifetimeMin int `yaml:"max_conn_lifetime_min"`
	MaxConnIdleMin     int `yaml:"max_conn_idle_min"`
}

func ResolveConfigPath() string {
	if v := os.Getenv("APP_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	if _, err := os.Stat("/app/config.yaml"); err == nil {
		return "/app/config.yaml"
	}
	return ""
}

func Load() (*Config, string, error) {
	path := ResolveConfigPath()
	if path == "" {
		return &Config{}, "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

func SetEnvIfEmpty(key, value string) {
	if value == "" {
		return
	}
	if _, ok := os.LookupEnv(key); ok {
		return
	}
	_ = os.Setenv(key, value)
}

func SetEnvIfEmptyInt(key string, value int) {
	if value <= 0 {
		return
	}
	SetEnvIfEmpty(key, strconv.Itoa(value))
}

func SetEnvIfEmptyInt64(key string, value int64) {
	if value <= 0 {
		return
	}
	SetEnvIfEmpty(key, strconv.FormatInt(value, 10))
}

func SetEnvIfEmptyBool(key string, value *bool) {
	if value == nil {
		return
	}
	SetEnvIfEmpty(key, strconv.FormatBool(*value))
}

func SetEnvIfEmptySlice(key string, values []string) {
	if len(values) == 0 {
		return
	}
	SetEnvIfEmpty(key, strings.Join(values, ","))
}
