package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/danmuck/scenecast/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsFromExample(t *testing.T) {
	testlog.Start(t)
	opts, err := loadOptions("ex.config.toml")
	require.NoError(t, err)

	cfg := opts.Runtime
	require.Equal(t, "scenesrv.local", cfg.Name)
	require.Equal(t, ":10600", cfg.DiscoveryAddr)
	require.Equal(t, ":10500", cfg.ServiceAddr)
	require.Equal(t, "127.0.0.1:10580", cfg.HTTPAddr)
	require.Equal(t, transport.KindWebSocket, cfg.Transport)
	require.Equal(t, 30, cfg.TickRate)
	require.Equal(t, 32768, cfg.ChunkBudget)
	require.True(t, cfg.CompressTextures)
	require.Equal(t, 262144, cfg.ExternalTextureBytes)
	require.Equal(t, "temp-side-channel-key", cfg.Token)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.CorsOrigins)
	require.Equal(t, 2*time.Second, cfg.Session.RequestTimeout)
	require.Equal(t, 45*time.Second, cfg.Session.IdleTimeout)
	require.False(t, cfg.Session.TLS.Enabled)

	require.Equal(t, session.ControlClientOriginServerGravity, cfg.Setup.ControlModel)
	require.Equal(t, session.CodecH264, cfg.Setup.Video.Codec)
	require.Equal(t, uint32(1280), cfg.Setup.Video.Width)
	require.Equal(t, uint32(20000), cfg.Setup.Video.BitrateKbps)
	require.Equal(t, session.ProjectionCubemap, cfg.Setup.Video.Projection)

	require.Empty(t, opts.Scene)
	require.Equal(t, "local/scenesrv-assets.db", opts.AssetDB)
}

func TestLoadOptionsKeepsDefaultsForOmittedKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"bare\"\n"), 0o600))

	opts, err := loadOptions(path)
	require.NoError(t, err)
	cfg := opts.Runtime
	require.Equal(t, "bare", cfg.Name)
	require.Equal(t, ":10500", cfg.ServiceAddr)
	require.Equal(t, 60, cfg.TickRate)
	require.Equal(t, 10*time.Second, cfg.Session.RequestTimeout)
	require.Equal(t, session.ControlNone, cfg.Setup.ControlModel)
	require.Equal(t, session.CodecNone, cfg.Setup.Video.Codec)
}

func TestLoadOptionsRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("request_timeout = \"soon\"\n"), 0o600))

	_, err := loadOptions(path)
	require.ErrorContains(t, err, "request_timeout")
}

func TestLoadOptionsQUICWithCertificate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
transport = "quic"

[tls]
cert_file = "server.pem"
key_file = "server.key"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	opts, err := loadOptions(path)
	require.NoError(t, err)
	require.Equal(t, transport.KindQUIC, opts.Runtime.Transport)
	require.True(t, opts.Runtime.Session.TLS.Enabled)
	require.Equal(t, "server.pem", opts.Runtime.Session.TLS.CertFile)
	require.Equal(t, "server.key", opts.Runtime.Session.TLS.KeyFile)
}

func TestLoadSceneFallsBackToDemo(t *testing.T) {
	testlog.Start(t)
	sc, err := loadScene("")
	require.NoError(t, err)
	require.NotZero(t, sc.Len())

	_, err = loadScene(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
