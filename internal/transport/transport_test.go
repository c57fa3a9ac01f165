package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/danmuck/scenecast/internal/testutil/tlstest"
)

func pollUntil(t *testing.T, c Conn) frame.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, err := c.Poll()
		if err == nil {
			return f
		}
		if !iox.IsWouldBlock(err) {
			t.Fatalf("poll: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for frame")
	return frame.Frame{}
}

func TestPipeOrderingAndClose(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	if _, err := b.Poll(); !iox.IsWouldBlock(err) {
		t.Fatalf("expected would-block on empty pipe, got %v", err)
	}
	for i := byte(0); i < 3; i++ {
		if err := a.Send(frame.New(frame.StreamGeometry, 0, []byte{i})); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	_ = a.Close()
	for i := byte(0); i < 3; i++ {
		f, err := b.Poll()
		if err != nil {
			t.Fatalf("queued frames must drain after close: %v", err)
		}
		if f.Payload[0] != i || f.Header.Sequence != uint64(i)+1 {
			t.Fatalf("out of order frame: %+v", f)
		}
	}
	if _, err := b.Poll(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Send(frame.New(frame.StreamControl, 0, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}

func TestPipeBackpressure(t *testing.T) {
	testlog.Start(t)
	a, _ := Pipe()
	var err error
	for i := 0; i < pipeSlots*2; i++ {
		if err = a.Send(frame.New(frame.StreamVideo, 0, nil)); err != nil {
			break
		}
	}
	if !iox.IsWouldBlock(err) {
		t.Fatalf("expected would-block once the ring is full, got %v", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	ln, err := ListenWebSocket("127.0.0.1:0", frame.DefaultLimits())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := DialWebSocket(ctx, ln.Addr(), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatalf("accept timed out")
	}

	if err := client.Send(frame.New(frame.StreamControl, 0, []byte("hello"))); err != nil {
		t.Fatalf("client send: %v", err)
	}
	got := pollUntil(t, server)
	if string(got.Payload) != "hello" || got.Header.StreamID != frame.StreamControl {
		t.Fatalf("unexpected frame: %+v", got)
	}

	if err := server.Send(frame.New(frame.StreamGeometry, 0, []byte{1, 2})); err != nil {
		t.Fatalf("server send: %v", err)
	}
	got = pollUntil(t, client)
	if got.Header.StreamID != frame.StreamGeometry || len(got.Payload) != 2 {
		t.Fatalf("unexpected frame: %+v", got)
	}

	_ = client.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := server.Poll(); errors.Is(err, ErrClosed) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never observed close")
}

func TestQUICRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.TLS = tlstest.Loopback(t)
	serverTLS, err := cfg.ServerTLS()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	clientTLS, err := cfg.ClientTLS("localhost")
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}

	ln, err := ListenQUIC("127.0.0.1:0", serverTLS, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := DialQUIC(ctx, ln.Addr(), clientTLS, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatalf("accept timed out")
	}
	defer server.Close()

	if err := client.Send(frame.New(frame.StreamAudio, 0, []byte("pcm"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := pollUntil(t, server)
	if got.Header.StreamID != frame.StreamAudio || string(got.Payload) != "pcm" {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestDiscoveryRoundTrip(t *testing.T) {
	testlog.Start(t)
	d, err := ListenDiscovery("127.0.0.1:0", 10500)
	if err != nil {
		t.Fatalf("listen discovery: %v", err)
	}
	seen := make(chan uint32, 1)
	d.OnRequest = func(id uint32, _ *net.UDPAddr) { seen <- id }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx) }()

	addr, err := Discover(ctx, d.Addr(), 42, 2*time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !strings.HasSuffix(addr, ":10500") {
		t.Fatalf("unexpected service address %q", addr)
	}
	if id := <-seen; id != 42 {
		t.Fatalf("unexpected client id %d", id)
	}
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)
	if k, err := ParseKind(" QUIC "); err != nil || k != KindQUIC {
		t.Fatalf("parse quic: %v %v", k, err)
	}
	if k, _ := ParseKind(""); k != KindWebSocket {
		t.Fatalf("empty kind must default to ws")
	}
	if _, err := ParseKind("carrier-pigeon"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
