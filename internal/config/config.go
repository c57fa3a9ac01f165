package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ServerConfig is the on-disk scenesrv configuration.
type ServerConfig struct {
	Name           string      `toml:"name"`
	DiscoveryPort  int         `toml:"discovery_port"`
	ServicePort    int         `toml:"service_port"`
	HTTPAddr       string      `toml:"http_addr"`
	Transport      string      `toml:"transport"`
	TickRate       int         `toml:"tick_rate"`
	ChunkBudget    int         `toml:"chunk_budget"`
	Compress       bool        `toml:"compress_textures"`
	ExternalBytes  int         `toml:"external_texture_bytes"`
	Scene          string      `toml:"scene"`
	AssetDB        string      `toml:"asset_db"`
	Token          string      `toml:"token"`
	CorsOrigins    []string    `toml:"cors_origins"`
	RequestTimeout string      `toml:"request_timeout"`
	IdleTimeout    string      `toml:"idle_timeout"`
	ControlModel   string      `toml:"control_model"`
	Video          VideoConfig `toml:"video"`
	TLS            TLSConfig   `toml:"tls"`
}

type VideoConfig struct {
	Codec      string `toml:"codec"`
	Width      int    `toml:"width"`
	Height     int    `toml:"height"`
	Framerate  int    `toml:"framerate"`
	BitrateKbs int    `toml:"bitrate_kbps"`
	Cubemap    bool   `toml:"cubemap"`
	Use10Bit   bool   `toml:"use_10bit"`
	Use444     bool   `toml:"use_444"`
	Alpha      bool   `toml:"alpha"`
}

type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
	Insecure   bool   `toml:"insecure"`
}

// ClientConfig is the on-disk sceneclient configuration.
type ClientConfig struct {
	ClientID       uint32    `toml:"client_id"`
	Discovery      string    `toml:"discovery"`
	ServiceAddr    string    `toml:"service_addr"`
	Transport      string    `toml:"transport"`
	TickRate       int       `toml:"tick_rate"`
	LifetimeFactor float64   `toml:"lifetime_factor"`
	Lifetime       string    `toml:"lifetime"`
	Width          int       `toml:"width"`
	Height         int       `toml:"height"`
	Framerate      int       `toml:"framerate"`
	Bandwidth      int       `toml:"max_bandwidth_kbps"`
	Token          string    `toml:"token"`
	TLS            TLSConfig `toml:"tls"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "scenesrv"
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = 10600
	}
	if cfg.ServicePort == 0 {
		cfg.ServicePort = 10500
	}
	if cfg.Transport == "" {
		cfg.Transport = "ws"
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Discovery == "" {
		cfg.Discovery = "255.255.255.255:10600"
	}
	if cfg.Transport == "" {
		cfg.Transport = "ws"
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
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

func validPort(p int) bool {
	return p > 0 && p < 65535
}

func validTransport(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "ws", "quic":
		return true
	default:
		return false
	}
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("server config missing name")
	}
	if !validPort(cfg.DiscoveryPort) {
		return fmt.Errorf("server config discovery_port out of range: %d", cfg.DiscoveryPort)
	}
	// streaming port is service_port+1
	if !validPort(cfg.ServicePort) || !validPort(cfg.ServicePort+1) {
		return fmt.Errorf("server config service_port out of range: %d", cfg.ServicePort)
	}
	if cfg.DiscoveryPort == cfg.ServicePort || cfg.DiscoveryPort == cfg.ServicePort+1 {
		return fmt.Errorf("server config discovery_port collides with service ports")
	}
	if !validTransport(cfg.Transport) {
		return fmt.Errorf("server config transport must be ws or quic: %q", cfg.Transport)
	}
	if cfg.TickRate < 0 || cfg.ChunkBudget < 0 || cfg.ExternalBytes < 0 {
		return fmt.Errorf("server config tick_rate, chunk_budget and external_texture_bytes must be non-negative")
	}
	if strings.EqualFold(cfg.Transport, "quic") &&
		(strings.TrimSpace(cfg.TLS.CertFile) == "" || strings.TrimSpace(cfg.TLS.KeyFile) == "") {
		return fmt.Errorf("server config quic transport requires tls.cert_file and tls.key_file")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ControlModel)) {
	case "", "none", "client-origin-server-gravity", "server-origin-client-local":
	default:
		return fmt.Errorf("server config unknown control_model: %q", cfg.ControlModel)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Video.Codec)) {
	case "", "none", "h264", "hevc":
	default:
		return fmt.Errorf("server config unknown video codec: %q", cfg.Video.Codec)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if cfg.ClientID == 0 {
		return fmt.Errorf("client config missing client_id")
	}
	if strings.TrimSpace(cfg.Discovery) == "" {
		return fmt.Errorf("client config missing discovery")
	}
	if !validTransport(cfg.Transport) {
		return fmt.Errorf("client config transport must be ws or quic: %q", cfg.Transport)
	}
	if cfg.TickRate < 0 || cfg.Framerate < 0 || cfg.Bandwidth < 0 {
		return fmt.Errorf("client config tick_rate, framerate and max_bandwidth_kbps must be non-negative")
	}
	if cfg.LifetimeFactor < 0 {
		return fmt.Errorf("client config lifetime_factor must be non-negative")
	}
	return nil
}
