package transport

import (
	"context"
	"net"
	"time"
)

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines connect retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// KeepAliveConfig maps onto gRPC client keepalive parameters.
type KeepAliveConfig struct {
	Time                time.Duration
	Timeout             time.Duration
	PermitWithoutStream bool
}

// Config describes how to reach the peer.
type Config struct {
	Address            string
	SecurityMode       SecurityMode
	TLS                TLSConfig
	KeepAlive          KeepAliveConfig
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	MaxRecvMsgSize     int
	MaxSendMsgSize     int
	Backoff            BackoffConfig

	// ContextDialer replaces the default TCP dialer, used for in-memory peers.
	ContextDialer func(ctx context.Context, addr string) (net.Conn, error)
}

const defaultMaxMsgSize = 100 * 1024 * 1024

func DefaultConfig() Config {
	return Config{
		SecurityMode:   SecurityModeDevelopment,
		ConnectTimeout: 5 * time.Second,
		MaxRecvMsgSize: defaultMaxMsgSize,
		MaxSendMsgSize: defaultMaxMsgSize,
		KeepAlive: KeepAliveConfig{
			Time:                time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		},
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SecurityMode == "" {
		c.SecurityMode = d.SecurityMode
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxRecvMsgSize <= 0 {
		c.MaxRecvMsgSize = d.MaxRecvMsgSize
	}
	if c.MaxSendMsgSize <= 0 {
		c.MaxSendMsgSize = d.MaxSendMsgSize
	}
	if c.KeepAlive.Time <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
