package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/scenecast/internal/client"
	"github.com/danmuck/scenecast/internal/logging"
	"github.com/danmuck/scenecast/internal/observability"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const statsInterval = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sceneclient: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "cmd/sceneclient/config.toml", "client config path")
	serviceAddr := flag.String("addr", "", "connect to this service address and skip discovery")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("sceneclient")

	cfg, tickRate, err := loadSessionConfig(*configPath)
	if err != nil {
		return err
	}
	if *serviceAddr != "" {
		cfg.ServiceAddr = *serviceAddr
	}

	// headless: media streams are counted and dropped
	var video, audio mediaCounter
	cfg.Video = video.consume
	cfg.Audio = audio.consume

	s, err := client.New(cfg)
	if err != nil {
		return err
	}
	s.OnStreamClosed = func(reason string) {
		log.Info().Str("reason", reason).Msg("stream closed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last time.Time
	return s.Run(ctx, tickRate, func(s *client.Session) {
		now := time.Now()
		if now.Sub(last) < statsInterval {
			return
		}
		last = now
		log.Info().
			Str("state", s.State().String()).
			Int("visible", len(s.Visible())).
			Int("cached", s.Cache().Len()).
			Int("pending", len(s.PendingRequests())).
			Str("video", humanize.IBytes(video.bytes.Load())).
			Str("audio", humanize.IBytes(audio.bytes.Load())).
			Msg("sceneclient stats")
	})
}

type mediaCounter struct {
	bytes atomic.Uint64
}

func (m *mediaCounter) consume(payload []byte) error {
	m.bytes.Add(uint64(len(payload)))
	return nil
}
