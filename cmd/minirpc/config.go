package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved configuration of `minirpc serve`.
type Config struct {
	Bind         string
	Port         int
	MaxBodySize  int
	WriteTimeout time.Duration

	// Discovery; empty Etcd disables announcing.
	Etcd      []string
	Service   string
	Advertise string
	Weight    int

	// Per peer host rate limit in calls/second; 0 disables it.
	RateLimit float64
	Burst     int

	// Address for the Prometheus /metrics endpoint; empty disables it.
	Metrics string
}

func DefaultConfig() Config {
	return Config{
		Bind:         "0.0.0.0",
		Port:         9000,
		WriteTimeout: 5 * time.Second,
		Service:      "kv",
		Advertise:    "127.0.0.1",
		Weight:       1,
		Burst:        10,
	}
}

type fileConfig struct {
	Server fileServerConfig `yaml:"server"`
}

type fileServerConfig struct {
	Bind         string        `yaml:"bind"`
	Port         *int          `yaml:"port"`
	MaxBodySize  int           `yaml:"maxBodySize"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	Etcd         []string      `yaml:"etcd"`
	Service      string        `yaml:"service"`
	Advertise    string        `yaml:"advertise"`
	Weight       int           `yaml:"weight"`
	RateLimit    float64       `yaml:"rateLimit"`
	Burst        int           `yaml:"burst"`
	Metrics      string        `yaml:"metrics"`
}

// LoadConfig reads path on top of DefaultConfig. An empty path returns the
// defaults; a missing or malformed file is an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config %s not found", path)
		}
		return cfg, err
	}
	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	Merge(&cfg, parsed.Server)
	return cfg, nil
}

// Merge copies every field set in src over dst.
func Merge(dst *Config, src fileServerConfig) {
	if src.Bind != "" {
		dst.Bind = src.Bind
	}
	if src.Port != nil {
		dst.Port = *src.Port
	}
	if src.MaxBodySize != 0 {
		dst.MaxBodySize = src.MaxBodySize
	}
	if src.WriteTimeout != 0 {
		dst.WriteTimeout = src.WriteTimeout
	}
	if src.Etcd != nil {
		dst.Etcd = src.Etcd
	}
	if src.Service != "" {
		dst.Service = src.Service
	}
	if src.Advertise != "" {
		dst.Advertise = src.Advertise
	}
	if src.Weight != 0 {
		dst.Weight = src.Weight
	}
	if src.RateLimit != 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.Burst != 0 {
		dst.Burst = src.Burst
	}
	if src.Metrics != "" {
		dst.Metrics = src.Metrics
	}
}
