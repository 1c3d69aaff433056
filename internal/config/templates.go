package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "chaincode", "":
		return chaincodeTemplate, nil
	case "production":
		return productionTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const chaincodeTemplate = `id = "kvstore:1.0"
peer_address = "localhost:7052"
security_mode = "development"
request_timeout = "30s"
connect_timeout = "5s"
max_connect_attempts = 0
metrics_addr = "127.0.0.1:9443"
cors_origins = ["http://localhost:3000"]

[tls]
enabled = false

[keepalive]
time = "1m"
timeout = "20s"

[log]
level = "info"
format = "console"
`

const productionTemplate = `id = "kvstore:1.0"
peer_address = "peer0.org1.example.com:7052"
security_mode = "production"
request_timeout = "30s"
connect_timeout = "5s"
max_connect_attempts = 10
metrics_addr = ":9443"

[tls]
enabled = true
mutual = true
ca_file = "/etc/hyperledger/fabric/peer.crt"
cert_file = "/etc/hyperledger/fabric/client.crt"
key_file = "/etc/hyperledger/fabric/client.key"

[keepalive]
time = "1m"
timeout = "20s"

[log]
level = "info"
format = "json"
`
