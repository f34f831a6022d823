package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgelink/internal/directory"
	"github.com/danmuck/edgelink/internal/server"
	"github.com/danmuck/edgelink/internal/transport"
)

// linkd config.toml key mapping to server runtime settings.
type fileConfig struct {
	ID                   string   `toml:"id"`
	Addr                 string   `toml:"addr"`
	AdminListenAddr      string   `toml:"admin_listen_addr"`
	AdvertiseAddr        string   `toml:"advertise_addr"`
	CorsOrigins          []string `toml:"cors_origins"`
	EchoChannel          string   `toml:"echo_channel"`
	AuthToken            string   `toml:"auth_token"`
	RequireChattyClients bool     `toml:"require_chatty_clients"`
	DeadClientAfter      string   `toml:"dead_client_after"`
	KeepalivePoll        string   `toml:"keepalive_poll"`
	FrameReadTimeout     string   `toml:"frame_read_timeout"`
	WriteTimeout         string   `toml:"write_timeout"`
	CloseGrace           string   `toml:"close_grace"`
	MaxFrameBytes        int      `toml:"max_frame_bytes"`
	Directory            string   `toml:"directory"`
	RedisAddr            string   `toml:"redis_addr"`
	RedisPassword        string   `toml:"redis_password"`
	RedisDB              int      `toml:"redis_db"`
	RedisKey             string   `toml:"redis_key"`
	SecurityMode         string   `toml:"security_mode"`
	TLSEnabled           bool     `toml:"tls_enabled"`
	TLSMutual            bool     `toml:"tls_mutual"`
	TLSCertFile          string   `toml:"tls_cert_file"`
	TLSKeyFile           string   `toml:"tls_key_file"`
	TLSCAFile            string   `toml:"tls_ca_file"`
}

const (
	directoryMemory = "memory"
	directoryRedis  = "redis"
)

type linkdConfig struct {
	Service   server.ServiceConfig
	Directory string
	Redis     directory.RedisConfig
}

func defaultLinkdConfig() linkdConfig {
	return linkdConfig{
		Service:   server.DefaultServiceConfig(),
		Directory: directoryMemory,
		Redis:     directory.DefaultRedisConfig(),
	}
}

// linkd loader for TOML config with default overlay.
func loadServiceConfig(path string) (linkdConfig, error) {
	cfg := defaultLinkdConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return linkdConfig{}, fmt.Errorf("load linkd config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.Service.NodeID = id
		}
	}
	if meta.IsDefined("addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.Service.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.Service.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Service.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("echo_channel") {
		cfg.Service.EchoChannel = strings.TrimSpace(raw.EchoChannel)
	}
	if meta.IsDefined("auth_token") {
		cfg.Service.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("require_chatty_clients") {
		cfg.Service.Session.RequireChattyClients = raw.RequireChattyClients
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Service.Session.MaxFrameBytes = raw.MaxFrameBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dead_client_after", raw.DeadClientAfter, &cfg.Service.Session.DeadClientAfter},
		{"keepalive_poll", raw.KeepalivePoll, &cfg.Service.Session.KeepalivePoll},
		{"frame_read_timeout", raw.FrameReadTimeout, &cfg.Service.Session.FrameReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Service.Session.WriteTimeout},
		{"close_grace", raw.CloseGrace, &cfg.Service.Session.CloseGrace},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return linkdConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("directory") {
		cfg.Directory = strings.ToLower(strings.TrimSpace(raw.Directory))
	}
	switch cfg.Directory {
	case directoryMemory, directoryRedis:
	default:
		return linkdConfig{}, fmt.Errorf("load linkd config: unsupported directory %q (expected memory or redis)", cfg.Directory)
	}
	if meta.IsDefined("redis_addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_password") {
		cfg.Redis.Password = raw.RedisPassword
	}
	if meta.IsDefined("redis_db") {
		cfg.Redis.DB = raw.RedisDB
	}
	if meta.IsDefined("redis_key") {
		cfg.Redis.Key = strings.TrimSpace(raw.RedisKey)
	}

	if meta.IsDefined("security_mode") {
		cfg.Service.Security.Mode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Service.Security.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Service.Security.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Service.Security.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Service.Security.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Service.Security.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if err := cfg.Service.Security.ValidateServer(); err != nil {
		return linkdConfig{}, fmt.Errorf("load linkd config: %w", err)
	}

	cfg.Service.Session = cfg.Service.Session.WithDefaults()
	return cfg, nil
}
