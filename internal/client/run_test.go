package client

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/scenecast/internal/assetstore"
	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/scene"
	"github.com/danmuck/scenecast/internal/server"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/danmuck/scenecast/internal/testutil/tlstest"
	"github.com/danmuck/scenecast/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestRunDiscoversAndStreamsOverQUIC(t *testing.T) {
	testlog.Start(t)
	tlsCfg := tlstest.Loopback(t)
	assets, err := assetstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = assets.Close() })

	// textures 3 and 29 exceed the inline limit and travel over https
	rt, err := server.New(server.Config{
		ServiceAddr:          "127.0.0.1:0",
		DiscoveryAddr:        "127.0.0.1:0",
		HTTPAddr:             "127.0.0.1:0",
		Transport:            transport.KindQUIC,
		Session:              session.Config{TLS: tlsCfg},
		ExternalTextureBytes: 128,
		Token:                "s3cret",
	}, scene.Demo(), assets)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srvDone := make(chan error, 1)
	go func() { srvDone <- rt.Run(ctx) }()

	c, err := New(Config{
		ClientID:      21,
		DiscoveryAddr: rt.DiscoveryAddr(),
		Transport:     transport.KindQUIC,
		Session: session.Config{TLS: session.TLSConfig{
			Enabled: true,
			CAFile:  tlsCfg.CAFile,
		}},
		Token: "s3cret",
	})
	require.NoError(t, err)

	clientCtx, stopClient := context.WithCancel(ctx)
	defer stopClient()
	var streamed bool
	err = c.Run(clientCtx, 120, func(s *Session) {
		if s.State() != StateStreaming || len(s.Visible()) != 6 {
			return
		}
		for _, uid := range s.Visible() {
			if !s.Held(uid) {
				return
			}
		}
		if !s.Cache().Has(geometry.PayloadTexture, 3) || !s.Cache().Has(geometry.PayloadTexture, 29) {
			return
		}
		streamed = true
		stopClient()
	})
	require.NoError(t, err)
	require.True(t, streamed, "client never held the visible scene with its external textures")
	require.Equal(t, StateDisconnected, c.State())

	cancel()
	require.NoError(t, <-srvDone)
}
