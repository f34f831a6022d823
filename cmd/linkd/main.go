package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/directory"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/linkd/config.toml", "linkd config path")
	initConfig := flag.Bool("init", false, "write a config template to -config and exit")
	check := flag.Bool("check", false, "validate -config and exit")
	flag.Parse()

	observability.InitLogger("linkd")

	if *initConfig {
		if err := config.WriteTemplate(*configPath, "server", false); err != nil {
			log.Fatal().Err(err).Msg("linkd: write config template")
		}
		log.Info().Str("path", *configPath).Msg("linkd: wrote config template")
		return
	}

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("linkd: load config")
	}
	log.Info().Str("path", *configPath).Str("directory", cfg.Directory).Msg("linkd: loaded config")
	if *check {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dir directory.Directory = directory.NewMemory()
	if cfg.Directory == directoryRedis {
		rdb, err := directory.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("linkd: connect redis directory")
		}
		defer rdb.Close()
		dir = rdb
	}

	svc := server.NewServiceWithConfig(cfg.Service, dir)
	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("linkd: stopped")
	}
	log.Info().Msg("linkd: shutdown complete")
}
