package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ccshim/internal/config"
)

// overrideFile is a sparse operator file layered over the main config.
// Only keys present in the file replace loaded values.
type overrideFile struct {
	ID                 string   `toml:"id"`
	PeerAddress        string   `toml:"peer_address"`
	RequestTimeout     string   `toml:"request_timeout"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	MetricsAddr        string   `toml:"metrics_addr"`
	CorsOrigins        []string `toml:"cors_origins"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`
}

type sources struct {
	configPath    string
	overridesPath string
	peerAddress   string
	chaincodeID   string
	metricsAddr   string
}

// resolveConfig layers defaults, the config file, the overrides file, the
// peer environment and finally command-line flags, then validates.
func resolveConfig(src sources, getenv func(string) string) (config.ChaincodeConfig, error) {
	cfg := config.DefaultChaincodeConfig()
	if src.configPath != "" {
		loaded, err := config.ReadChaincodeConfig(src.configPath)
		if err != nil {
			return config.ChaincodeConfig{}, err
		}
		cfg = loaded
	}
	if src.overridesPath != "" {
		var err error
		cfg, err = applyOverrides(cfg, src.overridesPath)
		if err != nil {
			return config.ChaincodeConfig{}, err
		}
	}
	cfg = config.ApplyEnv(cfg, getenv)

	if v := strings.TrimSpace(src.peerAddress); v != "" {
		cfg.PeerAddress = v
	}
	if v := strings.TrimSpace(src.chaincodeID); v != "" {
		cfg.ID = v
	}
	if v := strings.TrimSpace(src.metricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
	if err := config.ValidateChaincodeConfig(cfg); err != nil {
		return config.ChaincodeConfig{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg config.ChaincodeConfig, path string) (config.ChaincodeConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("load overrides: %w", err)
	}
	var raw overrideFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cfg, fmt.Errorf("load overrides: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("peer_address") {
		cfg.PeerAddress = strings.TrimSpace(raw.PeerAddress)
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return cfg, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = config.Duration{Duration: d}
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		cfg.Log.Level = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.Log.Format = strings.TrimSpace(raw.LogFormat)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
