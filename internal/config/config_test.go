package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/ccshim/internal/logging"
	"github.com/danmuck/ccshim/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chaincode.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadChaincodeTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaincode.toml")
	require.NoError(t, WriteTemplate(path, "chaincode", false))

	cfg, err := LoadChaincodeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "kvstore:1.0", cfg.ID)
	assert.Equal(t, "localhost:7052", cfg.PeerAddress)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.KeepAlive.Time.Duration)
	assert.Equal(t, "127.0.0.1:9443", cfg.MetricsAddr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CorsOrigins)
	assert.False(t, cfg.TLS.Enabled)
	assert.Equal(t, 100*1024*1024, cfg.MaxMsgSize)
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaincode.toml")
	require.NoError(t, WriteTemplate(path, "", false))
	assert.Error(t, WriteTemplate(path, "", false))
	assert.NoError(t, WriteTemplate(path, "production", true))

	_, err := Template("orderer")
	assert.Error(t, err)
}

func TestProductionTemplateMapsToValidTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.toml")
	require.NoError(t, WriteTemplate(path, "production", false))
	cfg, err := LoadChaincodeConfig(path)
	require.NoError(t, err)

	tcfg := cfg.Transport()
	assert.Equal(t, transport.SecurityModeProduction, tcfg.SecurityMode)
	assert.True(t, tcfg.TLS.Mutual)
	assert.Equal(t, 10, tcfg.MaxConnectAttempts)
	require.NoError(t, tcfg.Validate())
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"missing id":    `peer_address = "localhost:7052"`,
		"missing peer":  `id = "cc:1"`,
		"bad duration":  "id = \"cc:1\"\npeer_address = \"p:1\"\nrequest_timeout = \"soon\"",
		"zero timeout":  "id = \"cc:1\"\npeer_address = \"p:1\"\nrequest_timeout = \"0s\"",
		"mutual no tls": "id = \"cc:1\"\npeer_address = \"p:1\"\n[tls]\nmutual = true",
		"not toml":      "id = ",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadChaincodeConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadChaincodeConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestApplyEnvOverlaysPeerVariables(t *testing.T) {
	env := map[string]string{
		"CORE_CHAINCODE_ID_NAME":      "assets:2.0",
		"CORE_PEER_ADDRESS":           "peer0:7052",
		"CORE_PEER_TLS_ENABLED":       "TRUE",
		"CORE_PEER_TLS_ROOTCERT_FILE": "/certs/ca.crt",
		"CORE_TLS_CLIENT_KEY_PATH":    "/certs/client.key",
		"CORE_TLS_CLIENT_CERT_PATH":   "/certs/client.crt",
		"CCSHIM_ADMIN_TOKEN":          "tok",
	}
	cfg := ApplyEnv(DefaultChaincodeConfig(), func(k string) string { return env[k] })

	assert.Equal(t, "assets:2.0", cfg.ID)
	assert.Equal(t, "peer0:7052", cfg.PeerAddress)
	assert.True(t, cfg.TLS.Enabled)
	assert.True(t, cfg.TLS.Mutual)
	assert.Equal(t, "/certs/ca.crt", cfg.TLS.CAFile)
	assert.Equal(t, "/certs/client.key", cfg.TLS.KeyFile)
	assert.Equal(t, "/certs/client.crt", cfg.TLS.CertFile)
	assert.Equal(t, "tok", cfg.AdminToken)
	require.NoError(t, ValidateChaincodeConfig(cfg))
}

func TestApplyEnvNeedsBothClientPaths(t *testing.T) {
	env := map[string]string{"CORE_TLS_CLIENT_KEY_PATH": "/certs/client.key"}
	cfg := ApplyEnv(DefaultChaincodeConfig(), func(k string) string { return env[k] })
	assert.False(t, cfg.TLS.Mutual)
	assert.Empty(t, cfg.TLS.KeyFile)
}

func TestLoggingMapsLogSection(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "")
	t.Setenv(logging.EnvLogFormat, "")

	cfg := DefaultChaincodeConfig()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}
	lcfg, err := cfg.Logging()
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lcfg.Level)
	assert.Equal(t, logging.FormatJSON, lcfg.Format)

	cfg.Log.Level = "chatty"
	_, err = cfg.Logging()
	assert.Error(t, err)

	cfg.Log = LogConfig{Level: "info", Format: "xml"}
	_, err = cfg.Logging()
	assert.Error(t, err)
}

func TestLoggingEnvironmentWins(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "debug")
	cfg := DefaultChaincodeConfig()
	cfg.Log.Level = "error"
	lcfg, err := cfg.Logging()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lcfg.Level)
}
