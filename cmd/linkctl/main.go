package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/danmuck/edgelink/internal/client"
	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/endpoint"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type options struct {
	configPath  string
	addr        string
	device      string
	channel     string
	messageType string
	initConfig  bool
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "linkctl config path (optional)")
	flag.StringVar(&opts.addr, "addr", "", "server address host:port or ws:// URL (overrides config)")
	flag.StringVar(&opts.device, "device", "", "device id (overrides config)")
	flag.StringVar(&opts.channel, "channel", "echo", "channel for messages read from stdin")
	flag.StringVar(&opts.messageType, "type", "Text", "message type for messages read from stdin")
	flag.BoolVar(&opts.initConfig, "init", false, "write a config template to -config and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()
	observability.InitLogger("linkctl")

	if opts.initConfig {
		if opts.configPath == "" {
			log.Fatal().Msg("linkctl: -init requires -config")
		}
		if err := config.WriteTemplate(opts.configPath, "client", false); err != nil {
			log.Fatal().Err(err).Msg("linkctl: write config template")
		}
		return
	}

	cfg, err := resolveConfig(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("linkctl: config")
	}
	c, err := client.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("linkctl: client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &printer{w: os.Stdout}
	c.OnMessage(out.handle)
	if opts.channel != "" {
		c.AddChannel(opts.channel, out.handle)
	}
	c.OnRegistered(func(info session.ClientInfo) {
		log.Info().Str("connection_id", info.ConnectionID).Str("device", info.DeviceID).Msg("linkctl: registered")
	})

	go pump(ctx, c, os.Stdin, opts)
	if err := c.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("linkctl: stopped")
	}
}

func resolveConfig(opts options) (client.Config, error) {
	cfg := client.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadClientConfig(opts.configPath)
		if err != nil {
			return client.Config{}, err
		}
		cfg = loaded
	}
	if opts.addr != "" {
		cfg.Address = opts.addr
	}
	if opts.device != "" {
		cfg.DeviceID = opts.device
	}
	if strings.TrimSpace(cfg.Address) == "" {
		cfg.Address = "127.0.0.1:9400"
	}
	return cfg, config.ValidateClientConfig(cfg)
}

// pump sends one message per stdin line until EOF or ctx ends.
func pump(ctx context.Context, c *client.Client, in io.Reader, opts options) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		err := c.Send(ctx, endpoint.Message{
			MessageType: opts.messageType,
			Data:        line,
			Channel:     opts.channel,
		})
		if err != nil {
			log.Warn().Err(err).Int("code", int(endpoint.CodeOf(err))).Msg("linkctl: send failed")
		}
	}
}

// printer writes each received envelope as one JSON line.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) handle(env protocol.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintln(p.w, string(line))
	return err
}
