package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Saga      SagaConfig      `yaml:"saga"`
	DLQ       DLQConfig       `yaml:"dlq"`
	Validator ValidatorConfig `yaml:"validator"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type SagaConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
}

type DLQConfig struct {
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ValidatorConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Tolerance string        `yaml:"tolerance"`
	LagWindow uint64        `yaml:"lag_window"`
	BatchSize int           `yaml:"batch_size"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Saga.StepTimeout <= 0 {
		c.Saga.StepTimeout = 10 * time.Second
	}
	if c.DLQ.BaseBackoff <= 0 {
		c.DLQ.BaseBackoff = time.Second
	}
	if c.DLQ.MaxBackoff <= 0 {
		c.DLQ.MaxBackoff = 30 * time.Second
	}
	if c.DLQ.MaxAttempts <= 0 {
		c.DLQ.MaxAttempts = 5
	}
	if c.Validator.Interval <= 0 {
		c.Validator.Interval = time.Minute
	}
	if c.Validator.Tolerance == "" {
		c.Validator.Tolerance = "0.01"
	}
	if c.Validator.BatchSize <= 0 {
		c.Validator.BatchSize = 100
	}
}
