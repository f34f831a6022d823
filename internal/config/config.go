package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/client"
	"github.com/danmuck/edgelink/internal/protocol/schema"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

// ClientFile is the linkctl TOML layout. Durations are Go duration strings.
type ClientFile struct {
	Address            string    `toml:"address"`
	DeviceID           string    `toml:"device_id"`
	UserID             string    `toml:"user_id"`
	AppID              string    `toml:"app_id"`
	AppVersion         string    `toml:"app_version"`
	LibVersion         string    `toml:"lib_version"`
	Language           string    `toml:"language"`
	Loopback           string    `toml:"loopback"`
	Keepalive          *bool     `toml:"keepalive"`
	Reconnect          *bool     `toml:"reconnect"`
	MaxConnectAttempts int       `toml:"max_connect_attempts"`
	PingInterval       string    `toml:"ping_interval"`
	ConnectTimeout     string    `toml:"connect_timeout"`
	WriteTimeout       string    `toml:"write_timeout"`
	FrameReadTimeout   string    `toml:"frame_read_timeout"`
	AuthToken          string    `toml:"auth_token"`
	TLS                TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Mode               string `toml:"mode"`
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// LoadClientConfig reads path and overlays it on client.DefaultConfig.
func LoadClientConfig(path string) (client.Config, error) {
	var file ClientFile
	if err := loadToml(path, &file); err != nil {
		return client.Config{}, err
	}
	cfg, err := file.ClientConfig()
	if err != nil {
		return client.Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
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

// ClientConfig converts the file into a validated client configuration.
func (f ClientFile) ClientConfig() (client.Config, error) {
	cfg := client.DefaultConfig()
	cfg.Address = strings.TrimSpace(f.Address)
	cfg.DeviceID = strings.TrimSpace(f.DeviceID)
	cfg.UserID = strings.TrimSpace(f.UserID)
	if v := strings.TrimSpace(f.AppID); v != "" {
		cfg.AppID = v
	}
	if v := strings.TrimSpace(f.AppVersion); v != "" {
		cfg.AppVersion = v
	}
	if v := strings.TrimSpace(f.LibVersion); v != "" {
		cfg.LibVersion = v
	}
	cfg.Language = strings.TrimSpace(f.Language)
	cfg.AuthToken = strings.TrimSpace(f.AuthToken)
	switch strings.ToLower(strings.TrimSpace(f.Loopback)) {
	case "", schema.LoopbackOff:
		cfg.Loopback = session.LoopbackOff
	case schema.LoopbackRawMsg:
		cfg.Loopback = session.LoopbackAll
	default:
		return client.Config{}, fmt.Errorf("unknown loopback mode %q", f.Loopback)
	}
	if f.Keepalive != nil {
		cfg.KeepaliveDisabled = !*f.Keepalive
	}
	if f.Reconnect != nil {
		cfg.Reconnect = *f.Reconnect
	}
	if f.MaxConnectAttempts < 0 {
		return client.Config{}, fmt.Errorf("max_connect_attempts must be >= 0")
	}
	cfg.MaxConnectAttempts = f.MaxConnectAttempts

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"ping_interval", f.PingInterval, &cfg.Session.PingInterval},
		{"connect_timeout", f.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"write_timeout", f.WriteTimeout, &cfg.Session.WriteTimeout},
		{"frame_read_timeout", f.FrameReadTimeout, &cfg.Session.FrameReadTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return client.Config{}, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	cfg.Security = transport.Security{
		Mode: transport.NormalizeSecurityMode(transport.SecurityMode(f.TLS.Mode)),
		TLS: transport.TLSConfig{
			Enabled:            f.TLS.Enabled,
			Mutual:             f.TLS.Mutual,
			CertFile:           strings.TrimSpace(f.TLS.CertFile),
			KeyFile:            strings.TrimSpace(f.TLS.KeyFile),
			CAFile:             strings.TrimSpace(f.TLS.CAFile),
			ServerName:         strings.TrimSpace(f.TLS.ServerName),
			InsecureSkipVerify: f.TLS.InsecureSkipVerify,
		},
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return client.Config{}, err
	}
	return cfg, nil
}

func ValidateClientConfig(cfg client.Config) error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("client config missing address")
	}
	if cfg.Session.PingInterval < 0 {
		return fmt.Errorf("ping_interval must be >= 0")
	}
	if isWebSocket(cfg.Address) {
		if cfg.Security.TLS.Enabled {
			return fmt.Errorf("tls block applies to tcp addresses; use a wss:// address")
		}
		return nil
	}
	return cfg.Security.ValidateClient()
}

func isWebSocket(addr string) bool {
	addr = strings.TrimSpace(addr)
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}
