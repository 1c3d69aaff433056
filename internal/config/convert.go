package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/ccshim/internal/logging"
	"github.com/danmuck/ccshim/internal/transport"
)

// Transport maps the file settings onto a dialer configuration.
func (c ChaincodeConfig) Transport() transport.Config {
	tcfg := transport.DefaultConfig()
	tcfg.Address = strings.TrimSpace(c.PeerAddress)
	tcfg.SecurityMode = transport.SecurityMode(c.SecurityMode)
	tcfg.MaxConnectAttempts = c.MaxConnectAttempts
	if c.ConnectTimeout.Duration > 0 {
		tcfg.ConnectTimeout = c.ConnectTimeout.Duration
	}
	if c.MaxMsgSize > 0 {
		tcfg.MaxRecvMsgSize = c.MaxMsgSize
		tcfg.MaxSendMsgSize = c.MaxMsgSize
	}
	if c.KeepAlive.Time.Duration > 0 {
		tcfg.KeepAlive.Time = c.KeepAlive.Time.Duration
	}
	if c.KeepAlive.Timeout.Duration > 0 {
		tcfg.KeepAlive.Timeout = c.KeepAlive.Timeout.Duration
	}
	tcfg.TLS = transport.TLSConfig{
		Enabled:            c.TLS.Enabled,
		Mutual:             c.TLS.Mutual,
		CAFile:             c.TLS.CAFile,
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	return tcfg
}

// Logging maps the [log] section onto a logger configuration. Environment
// overrides still win over the file.
func (c ChaincodeConfig) Logging() (logging.Config, error) {
	out := logging.DefaultConfig(logging.ProfileRuntime)
	if strings.TrimSpace(c.Log.Level) != "" {
		level, ok := logging.ParseLevel(c.Log.Level)
		if !ok {
			return logging.Config{}, fmt.Errorf("chaincode config log.level %q not recognized", c.Log.Level)
		}
		out.Level = level
	}
	if strings.TrimSpace(c.Log.Format) != "" {
		format, ok := logging.ParseFormat(c.Log.Format)
		if !ok {
			return logging.Config{}, fmt.Errorf("chaincode config log.format %q not recognized", c.Log.Format)
		}
		out.Format = format
	}
	logging.ApplyEnvOverrides(&out)
	return out, nil
}
