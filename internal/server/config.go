package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string               `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig       `json:"database" yaml:"database"`
	Auth       AuthConfig           `json:"auth" yaml:"auth"`
	Security   SecurityConfig       `json:"security" yaml:"security"`
	Keys       KeyPoolConfig        `json:"keys" yaml:"keys"`
	Probe      ProbeConfig          `json:"probe" yaml:"probe"`
	Observer   ObservabilityConfig  `json:"observability" yaml:"observability"`
	Limits     UserQuickLimitConfig `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type KeyPoolConfig struct {
	ProbeKeys []ProbeKeyConfig `json:"probe_key_pool" yaml:"probe_key_pool"`
}

// ProbeKeyConfig holds one Indodax credential pair and its issue budget.
type ProbeKeyConfig struct {
	Label             string `json:"label" yaml:"label"`
	APIKey            string `json:"api_key" yaml:"api_key"`
	SecretKey         string `json:"secret_key" yaml:"secret_key"`
	DailyRequestLimit int    `json:"daily_request_limit" yaml:"daily_request_limit"`
	RPM               int    `json:"rpm" yaml:"rpm"`
}

type ProbeConfig struct {
	DefaultEndpoint       string `json:"default_endpoint" yaml:"default_endpoint"`
	DefaultMarker         string `json:"default_marker" yaml:"default_marker"`
	DefaultTimeoutSec     int    `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxParallelRuns       int    `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	MaxChannels           int    `json:"max_channels" yaml:"max_channels"`
	MaxRequestsPerChannel int    `json:"max_requests_per_channel" yaml:"max_requests_per_channel"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type UserQuickLimitConfig struct {
	QuickProbeRPM int `json:"quick_probe_rpm" yaml:"quick_probe_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "limit_session",
		},
		Probe: ProbeConfig{
			DefaultEndpoint:       "https://indodax.com/tapi",
			DefaultTimeoutSec:     300,
			MaxParallelRuns:       2,
			MaxChannels:           8,
			MaxRequestsPerChannel: 500,
		},
		Observer: ObservabilityConfig{
			ServiceName: "limit-api",
			SampleRatio: 1,
		},
		Limits: UserQuickLimitConfig{
			QuickProbeRPM: 6,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "limit_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if strings.TrimSpace(cfg.Probe.DefaultEndpoint) == "" {
		cfg.Probe.DefaultEndpoint = "https://indodax.com/tapi"
	}
	if cfg.Probe.DefaultTimeoutSec <= 0 {
		cfg.Probe.DefaultTimeoutSec = 300
	}
	if cfg.Probe.MaxParallelRuns <= 0 {
		cfg.Probe.MaxParallelRuns = 2
	}
	if cfg.Probe.MaxChannels <= 0 {
		cfg.Probe.MaxChannels = 8
	}
	if cfg.Probe.MaxRequestsPerChannel <= 0 {
		cfg.Probe.MaxRequestsPerChannel = 500
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "limit-api"
	}
	if cfg.Limits.QuickProbeRPM <= 0 {
		cfg.Limits.QuickProbeRPM = 6
	}
}
