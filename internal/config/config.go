package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ChaincodeConfig is the on-disk configuration of one chaincode process.
type ChaincodeConfig struct {
	ID                 string          `toml:"id"`
	PeerAddress        string          `toml:"peer_address"`
	SecurityMode       string          `toml:"security_mode"`
	RequestTimeout     Duration        `toml:"request_timeout"`
	ConnectTimeout     Duration        `toml:"connect_timeout"`
	MaxConnectAttempts int             `toml:"max_connect_attempts"`
	MaxMsgSize         int             `toml:"max_msg_size"`
	MetricsAddr        string          `toml:"metrics_addr"`
	AdminToken         string          `toml:"admin_token"`
	CorsOrigins        []string        `toml:"cors_origins"`
	TLS                TLSConfig       `toml:"tls"`
	KeepAlive          KeepAliveConfig `toml:"keepalive"`
	Log                LogConfig       `toml:"log"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type KeepAliveConfig struct {
	Time    Duration `toml:"time"`
	Timeout Duration `toml:"timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultChaincodeConfig() ChaincodeConfig {
	return ChaincodeConfig{
		SecurityMode:   "development",
		RequestTimeout: Duration{30 * time.Second},
		ConnectTimeout: Duration{5 * time.Second},
		MaxMsgSize:     100 * 1024 * 1024,
		KeepAlive: KeepAliveConfig{
			Time:    Duration{time.Minute},
			Timeout: Duration{20 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// LoadChaincodeConfig reads path over the defaults and validates the result.
func LoadChaincodeConfig(path string) (ChaincodeConfig, error) {
	cfg, err := ReadChaincodeConfig(path)
	if err != nil {
		return ChaincodeConfig{}, err
	}
	if err := ValidateChaincodeConfig(cfg); err != nil {
		return ChaincodeConfig{}, err
	}
	return cfg, nil
}

// ReadChaincodeConfig reads path over the defaults without validating, for
// callers that layer further sources on top.
func ReadChaincodeConfig(path string) (ChaincodeConfig, error) {
	cfg := DefaultChaincodeConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ChaincodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateChaincodeConfig(cfg ChaincodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("chaincode config missing id")
	}
	if strings.TrimSpace(cfg.PeerAddress) == "" {
		return fmt.Errorf("chaincode config missing peer_address")
	}
	if cfg.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("chaincode config request_timeout must be positive")
	}
	if cfg.MaxConnectAttempts < 0 {
		return fmt.Errorf("chaincode config max_connect_attempts must not be negative")
	}
	if cfg.TLS.Mutual && !cfg.TLS.Enabled {
		return fmt.Errorf("chaincode config tls.mutual requires tls.enabled")
	}
	return nil
}

// ApplyEnv overlays the conventional chaincode environment variables.
func ApplyEnv(cfg ChaincodeConfig, getenv func(string) string) ChaincodeConfig {
	if v := strings.TrimSpace(getenv("CORE_CHAINCODE_ID_NAME")); v != "" {
		cfg.ID = v
	}
	if v := strings.TrimSpace(getenv("CORE_PEER_ADDRESS")); v != "" {
		cfg.PeerAddress = v
	}
	if v := strings.TrimSpace(getenv("CORE_PEER_TLS_ENABLED")); v != "" {
		cfg.TLS.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(getenv("CORE_PEER_TLS_ROOTCERT_FILE")); v != "" {
		cfg.TLS.CAFile = v
	}
	if v := strings.TrimSpace(getenv("CCSHIM_ADMIN_TOKEN")); v != "" {
		cfg.AdminToken = v
	}
	key := strings.TrimSpace(getenv("CORE_TLS_CLIENT_KEY_PATH"))
	cert := strings.TrimSpace(getenv("CORE_TLS_CLIENT_CERT_PATH"))
	if key != "" && cert != "" {
		cfg.TLS.KeyFile = key
		cfg.TLS.CertFile = cert
		cfg.TLS.Mutual = true
	}
	return cfg
}
