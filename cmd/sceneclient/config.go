package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/scenecast/internal/client"
	"github.com/danmuck/scenecast/internal/transport"
)

// sceneclient config.toml key mapping to client session settings.
type fileConfig struct {
	ClientID       uint32        `toml:"client_id"`
	Discovery      string        `toml:"discovery"`
	ServiceAddr    string        `toml:"service_addr"`
	Transport      string        `toml:"transport"`
	TickRate       int           `toml:"tick_rate"`
	Lifetime       string        `toml:"lifetime"`
	LifetimeFactor float64       `toml:"lifetime_factor"`
	Width          uint32        `toml:"width"`
	Height         uint32        `toml:"height"`
	Framerate      uint32        `toml:"framerate"`
	Bandwidth      uint32        `toml:"max_bandwidth_kbps"`
	Token          string        `toml:"token"`
	TLS            fileTLSConfig `toml:"tls"`
}

type fileTLSConfig struct {
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
	Insecure   bool   `toml:"insecure"`
}

// loadSessionConfig overlays the file at path on client defaults and returns
// the tick rate alongside.
func loadSessionConfig(path string) (client.Config, int, error) {
	cfg := client.DefaultConfig()
	tickRate := client.DefaultTickRate

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return client.Config{}, 0, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("client_id") {
		cfg.ClientID = raw.ClientID
	}
	if meta.IsDefined("discovery") {
		cfg.DiscoveryAddr = strings.TrimSpace(raw.Discovery)
	}
	if meta.IsDefined("service_addr") {
		cfg.ServiceAddr = strings.TrimSpace(raw.ServiceAddr)
	}
	if meta.IsDefined("transport") {
		kind, err := transport.ParseKind(raw.Transport)
		if err != nil {
			return client.Config{}, 0, err
		}
		cfg.Transport = kind
	}
	if meta.IsDefined("tick_rate") {
		tickRate = raw.TickRate
	}
	if meta.IsDefined("lifetime") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Lifetime))
		if err != nil {
			return client.Config{}, 0, fmt.Errorf("parse lifetime: %w", err)
		}
		cfg.Cache.Lifetime = d
	}
	if meta.IsDefined("lifetime_factor") {
		cfg.Cache.LifetimeFactor = raw.LifetimeFactor
	}
	if meta.IsDefined("width") {
		cfg.Display.Width = raw.Width
	}
	if meta.IsDefined("height") {
		cfg.Display.Height = raw.Height
	}
	if meta.IsDefined("framerate") {
		cfg.Framerate = raw.Framerate
	}
	if meta.IsDefined("max_bandwidth_kbps") {
		cfg.MaxBandwidthKbps = raw.Bandwidth
	}
	if meta.IsDefined("token") {
		cfg.Token = raw.Token
	}

	if meta.IsDefined("tls", "ca_file") {
		cfg.Session.TLS.Enabled = true
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLS.Insecure
	}

	if cfg.ClientID == 0 {
		return client.Config{}, 0, client.ErrClientIDRequired
	}
	if tickRate <= 0 {
		return client.Config{}, 0, fmt.Errorf("tick_rate must be positive: %d", tickRate)
	}
	return cfg, tickRate, nil
}
