package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/scenecast/internal/assetstore"
	"github.com/danmuck/scenecast/internal/logging"
	"github.com/danmuck/scenecast/internal/observability"
	"github.com/danmuck/scenecast/internal/scene"
	"github.com/danmuck/scenecast/internal/server"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "cmd/scenesrv/config.toml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scenesrv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "server config path")
	scenePath := flag.String("scene", "", "scene manifest (overrides config)")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("scenesrv")

	opts, err := loadOptions(*configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && *configPath == defaultConfigPath:
		log.Warn().Str("path", *configPath).Msg("no config found, using defaults")
		opts = defaultOptions()
	case err != nil:
		return err
	}
	if *scenePath != "" {
		opts.Scene = *scenePath
	}

	sc, err := loadScene(opts.Scene)
	if err != nil {
		return err
	}

	var assets *assetstore.SQLiteStore
	if opts.AssetDB != "" {
		assets, err = assetstore.OpenSQLite(opts.AssetDB)
		if err != nil {
			return err
		}
		defer assets.Close()
	}

	rt, err := server.New(opts.Runtime, sc, assets)
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = rt.Run(ctx)
	log.Info().Err(err).Msg("scenesrv stopped")
	return err
}

func defaultOptions() options {
	cfg := server.DefaultConfig()
	cfg.DiscoveryAddr = ":10600"
	cfg.HTTPAddr = ":10580"
	return options{Runtime: cfg}
}

func loadScene(path string) (*scene.Scene, error) {
	if path == "" {
		sc := scene.Demo()
		log.Info().Int("resources", sc.Len()).Msg("serving built-in demo scene")
		return sc, nil
	}
	sc, err := scene.Load(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("resources", sc.Len()).Msg("scene loaded")
	return sc, nil
}
