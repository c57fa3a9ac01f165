package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"

	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/danmuck/scenecast/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

func TestSideChannelFollowsSessionTLS(t *testing.T) {
	testlog.Start(t)
	tlsCfg := tlstest.Loopback(t)
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("body-" + path.Base(r.URL.Path)))
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	srv.StartTLS()
	defer srv.Close()
	port := uint16(srv.Listener.Addr().(*net.TCPAddr).Port)

	sec := session.DefaultConfig()
	sec.TLS = session.TLSConfig{Enabled: true, CAFile: tlsCfg.CAFile}
	var side sideChannel
	require.NoError(t, side.point("127.0.0.1:4433", port, "tok", sec))
	require.True(t, strings.HasPrefix(side.cur.Load().BaseURL, "https://"))
	body, err := side.Fetch(context.Background(), 17)
	require.NoError(t, err)
	require.Equal(t, "body-17", string(body))

	plain := session.DefaultConfig()
	require.NoError(t, side.point("127.0.0.1:4433", port, "tok", plain))
	require.True(t, strings.HasPrefix(side.cur.Load().BaseURL, "http://"))
	_, err = side.Fetch(context.Background(), 17)
	require.Error(t, err, "plain http against a tls listener")

	untrusted := session.DefaultConfig()
	untrusted.TLS = session.TLSConfig{Enabled: true}
	require.Error(t, side.point("127.0.0.1:4433", port, "tok", untrusted))
	_, err = side.Fetch(context.Background(), 17)
	require.ErrorIs(t, err, ErrNoSideChannel)
}
