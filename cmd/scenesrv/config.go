package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/scenecast/internal/config"
	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/server"
	"github.com/danmuck/scenecast/internal/transport"
)

// options is everything scenesrv needs beyond the runtime config.
type options struct {
	Runtime server.Config
	Scene   string
	AssetDB string
}

func loadOptions(path string) (options, error) {
	raw, err := config.LoadServerConfig(path)
	if err != nil {
		return options{}, err
	}
	return toOptions(raw)
}

// toOptions maps the validated file config onto server defaults.
func toOptions(raw config.ServerConfig) (options, error) {
	cfg := server.DefaultConfig()
	cfg.Name = strings.TrimSpace(raw.Name)
	cfg.DiscoveryAddr = ":" + strconv.Itoa(raw.DiscoveryPort)
	cfg.ServiceAddr = ":" + strconv.Itoa(raw.ServicePort)
	cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	cfg.Token = raw.Token
	cfg.CorsOrigins = raw.CorsOrigins
	cfg.CompressTextures = raw.Compress
	cfg.ExternalTextureBytes = raw.ExternalBytes
	if raw.TickRate > 0 {
		cfg.TickRate = raw.TickRate
	}
	if raw.ChunkBudget > 0 {
		cfg.ChunkBudget = raw.ChunkBudget
	}

	kind, err := transport.ParseKind(strings.ToLower(strings.TrimSpace(raw.Transport)))
	if err != nil {
		return options{}, err
	}
	cfg.Transport = kind

	if v := strings.TrimSpace(raw.RequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return options{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.Session.RequestTimeout = d
	}
	if v := strings.TrimSpace(raw.IdleTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return options{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Session.IdleTimeout = d
	}

	if raw.TLS.CertFile != "" || raw.TLS.KeyFile != "" {
		cfg.Session.TLS = session.TLSConfig{
			Enabled:  true,
			CertFile: strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:  strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:   strings.TrimSpace(raw.TLS.CAFile),
		}
	}

	cfg.Setup.ControlModel = controlModel(raw.ControlModel)
	cfg.Setup.Video = videoConfig(raw.Video)

	return options{
		Runtime: cfg,
		Scene:   strings.TrimSpace(raw.Scene),
		AssetDB: strings.TrimSpace(raw.AssetDB),
	}, nil
}

func controlModel(raw string) session.ControlModel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "client-origin-server-gravity":
		return session.ControlClientOriginServerGravity
	case "server-origin-client-local":
		return session.ControlServerOriginClientLocal
	default:
		return session.ControlNone
	}
}

func videoConfig(raw config.VideoConfig) session.VideoConfig {
	v := session.VideoConfig{
		Width:         uint32(max(raw.Width, 0)),
		Height:        uint32(max(raw.Height, 0)),
		Framerate:     uint32(max(raw.Framerate, 0)),
		BitrateKbps:   uint32(max(raw.BitrateKbs, 0)),
		Use10Bit:      raw.Use10Bit,
		Use444:        raw.Use444,
		UseAlphaLayer: raw.Alpha,
	}
	switch strings.ToLower(strings.TrimSpace(raw.Codec)) {
	case "h264":
		v.Codec = session.CodecH264
	case "hevc":
		v.Codec = session.CodecHEVC
	default:
		v.Codec = session.CodecNone
	}
	if raw.Cubemap {
		v.Projection = session.ProjectionCubemap
	}
	return v
}
