package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client", "linkctl":
		return clientTemplate, nil
	case "server", "linkd":
		return serverTemplate, nil
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

const clientTemplate = `address = "127.0.0.1:9400"
app_id = "linkctl"
app_version = "0.1.0"
lib_version = "2"
language = "en-us"
loopback = "off"
keepalive = true
reconnect = true
max_connect_attempts = 0
ping_interval = "20s"
connect_timeout = "5s"

[tls]
mode = "development"
enabled = false
`

const serverTemplate = `id = "linkd.local"
addr = ":9400"
admin_listen_addr = ":9401"
cors_origins = ["http://localhost:3000"]
echo_channel = "echo"
require_chatty_clients = true
dead_client_after = "60s"
keepalive_poll = "5s"
max_frame_bytes = 1048512
directory = "memory"
redis_addr = "127.0.0.1:6379"
redis_key = "edgelink:connections"
security_mode = "development"
tls_enabled = false
`
