// Package config loads settings for the binaries from the environment.
package config

import (
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/mkocikowski/libkafka/batch"

	"github.com/mkocikowski/kafkafetch/compression"
	"github.com/mkocikowski/kafkafetch/consumer"
	"github.com/mkocikowski/kafkafetch/errors"
)

type Config struct {
	Bootstrap     string        `envconfig:"KAFKA_BOOTSTRAP" default:"localhost:9092"`
	Topic         string        `envconfig:"KAFKA_TOPIC" required:"true"`
	Partitions    []int32       `envconfig:"KAFKA_PARTITIONS" default:"0"`
	ClientId      string        `envconfig:"KAFKA_CLIENT_ID"`
	MaxWaitTimeMs int32         `envconfig:"FETCH_MAX_WAIT_MS" default:"1000"`
	MinBytes      int32         `envconfig:"FETCH_MIN_BYTES" default:"1"`
	MaxBytes      int32         `envconfig:"FETCH_MAX_BYTES" default:"1048576"`
	StartLocation string        `envconfig:"START_LOCATION" default:"oldest"`
	DialTimeout   time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	Compression   string        `envconfig:"COMPRESSION" default:"none"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.ClientId == "" {
		cfg.ClientId = "kafkafetch-" + uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Topic == "" {
		return errors.New("KAFKA_TOPIC is empty")
	}
	if c.MaxWaitTimeMs < 0 {
		return errors.Format("FETCH_MAX_WAIT_MS must be >= 0, got %d", c.MaxWaitTimeMs)
	}
	if c.MinBytes <= 0 {
		return errors.Format("FETCH_MIN_BYTES must be > 0, got %d", c.MinBytes)
	}
	if c.MaxBytes <= 0 {
		return errors.Format("FETCH_MAX_BYTES must be > 0, got %d", c.MaxBytes)
	}
	if len(c.Partitions) == 0 {
		return errors.New("KAFKA_PARTITIONS is empty")
	}
	if _, err := consumer.ParseStartLocation(c.StartLocation); err != nil {
		return err
	}
	if _, err := compression.Compressor(c.Compression); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Fetch() consumer.FetchConfig {
	return consumer.FetchConfig{
		MaxWaitTimeMs:    c.MaxWaitTimeMs,
		MinBytesPerFetch: c.MinBytes,
		MaxBytesPerFetch: c.MaxBytes,
	}
}

// Start location. Valid after Validate.
func (c *Config) Start() consumer.StartLocation {
	l, _ := consumer.ParseStartLocation(c.StartLocation)
	return l
}

func (c *Config) Compressor() batch.Compressor {
	comp, _ := compression.Compressor(c.Compression)
	return comp
}

// Level filter option for the root logger.
func (c *Config) Level() (level.Option, error) {
	switch c.LogLevel {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, errors.Format("invalid LOG_LEVEL %q", c.LogLevel)
}
