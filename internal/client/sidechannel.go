package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/scenecache"
)

var ErrNoSideChannel = errors.New("client: server has no http side channel")

const sideChannelTimeout = 30 * time.Second

// sideChannel points the transcoder at the HTTP endpoint of the server the
// session is currently connected to. Setup swaps the target on the tick
// goroutine while the transcoder fetches from its own.
type sideChannel struct {
	cur atomic.Pointer[scenecache.HTTPFetcher]
}

// point targets port on the host of remote. A session with TLS enabled
// fetches over https and trusts the same roots as the stream.
func (c *sideChannel) point(remote string, port uint16, token string, sec session.Config) error {
	host, _, err := net.SplitHostPort(remote)
	if err != nil || port == 0 {
		c.cur.Store(nil)
		return nil
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	f := &scenecache.HTTPFetcher{
		BaseURL: "http://" + addr,
		Token:   token,
		Client:  &http.Client{Timeout: sideChannelTimeout},
	}
	if sec.TLS.Enabled {
		tlsConf, err := sec.ClientTLS(host)
		if err != nil {
			c.cur.Store(nil)
			return err
		}
		// the stream ALPN is not spoken by the HTTP server
		tlsConf.NextProtos = nil
		f.BaseURL = "https://" + addr
		f.Client = &http.Client{
			Timeout: sideChannelTimeout,
			Transport: &http.Transport{
				TLSClientConfig:   tlsConf,
				ForceAttemptHTTP2: true,
			},
		}
	}
	c.cur.Store(f)
	return nil
}

func (c *sideChannel) Fetch(ctx context.Context, uid geometry.UID) ([]byte, error) {
	f := c.cur.Load()
	if f == nil {
		return nil, ErrNoSideChannel
	}
	return f.Fetch(ctx, uid)
}
