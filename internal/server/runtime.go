// Package server owns the authoritative scene and streams it to connected
// clients. A Runtime accepts connections, runs one ClientSession per client
// on a single tick goroutine and serves bulk resources over HTTP.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danmuck/scenecast/internal/assetstore"
	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/observability"
	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/scene"
	"github.com/danmuck/scenecast/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidTickRate = errors.New("server: invalid tick rate")
	ErrNotStarted      = errors.New("server: runtime not started")
)

const (
	DefaultTickRate = 60
	acceptBacklog   = 64
)

type Config struct {
	Name string
	// ServerID identifies this scene to clients across reconnects. Zero
	// derives one from a random uuid.
	ServerID      uint64
	DiscoveryAddr string
	ServiceAddr   string
	HTTPAddr      string
	Transport     transport.Kind
	TickRate      int
	Session       session.Config
	Setup         session.Setup
	Limits        frame.Limits

	ChunkBudget          int
	CompressTextures     bool
	ExternalTextureBytes int

	Token       string
	CorsOrigins []string
}

func DefaultConfig() Config {
	return Config{
		Name:        "scenesrv",
		ServiceAddr: ":10500",
		Transport:   transport.KindWebSocket,
		TickRate:    DefaultTickRate,
		Session:     session.DefaultConfig(),
		Limits:      frame.DefaultLimits(),
		ChunkBudget: geometry.DefaultChunkBudget,
	}
}

// Runtime holds every client session of one server. Sessions, the scene
// and OnTick run on the tick goroutine only.
type Runtime struct {
	cfg     Config
	scene   *scene.Scene
	assets  *assetstore.SQLiteStore
	id      uuid.UUID
	started time.Time

	listener  transport.Listener
	discovery *transport.DiscoveryResponder
	httpLn    net.Listener
	httpSrv   *http.Server
	router    *gin.Engine

	accepted chan transport.Conn
	nextKey  uint64
	pending  []*ClientSession
	clients  map[uint32]*ClientSession
	count    atomic.Int64
	// resources mirrors scene.Len for readers off the tick goroutine
	resources atomic.Int64
	last      time.Time

	// OnTick runs at the start of every tick, before sessions advance.
	OnTick func(rt *Runtime, dt time.Duration)
}

// New prepares a runtime for sc. assets may be nil, which disables the
// external texture path and the /resources route.
func New(cfg Config, sc *scene.Scene, assets *assetstore.SQLiteStore) (*Runtime, error) {
	if cfg.TickRate == 0 {
		cfg.TickRate = DefaultTickRate
	}
	if cfg.TickRate < 0 || cfg.TickRate > 1000 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTickRate, cfg.TickRate)
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.Name == "" {
		cfg.Name = "scenesrv"
	}
	cfg.Session = cfg.Session.WithDefaults()
	id := uuid.New()
	if cfg.ServerID == 0 {
		cfg.ServerID = binary.BigEndian.Uint64(id[:8])
	}
	r := &Runtime{
		cfg:      cfg,
		scene:    sc,
		assets:   assets,
		id:       id,
		started:  time.Now(),
		accepted: make(chan transport.Conn, acceptBacklog),
		clients:  make(map[uint32]*ClientSession),
	}
	r.resources.Store(int64(sc.Len()))
	r.router = r.routes()
	return r, nil
}

func (r *Runtime) ServerID() uint64 { return r.cfg.ServerID }

func (r *Runtime) Scene() *scene.Scene { return r.scene }

func (r *Runtime) Router() *gin.Engine { return r.router }

// Clients is the number of sessions past their handshake.
func (r *Runtime) Clients() int { return int(r.count.Load()) }

// Resources is the scene size as of the last tick. Safe from any goroutine.
func (r *Runtime) Resources() int { return int(r.resources.Load()) }

// Session returns the streaming session of clientID.
func (r *Runtime) Session(clientID uint32) (*ClientSession, bool) {
	s, ok := r.clients[clientID]
	return s, ok
}

func (r *Runtime) sessionConfig() SessionConfig {
	var sink geometry.AssetSink
	if r.assets != nil {
		sink = r.assets
	}
	setup := r.cfg.Setup
	setup.IdleTimeoutMs = uint32(r.cfg.Session.IdleTimeout / time.Millisecond)
	if setup.ServicePort == 0 {
		setup.ServicePort = portOf(r.listenerAddr())
		setup.StreamingPort = setup.ServicePort + 1
	}
	if setup.HTTPPort == 0 && r.httpLn != nil {
		setup.HTTPPort = portOf(r.httpLn.Addr().String())
	}
	return SessionConfig{
		ServerID:             r.cfg.ServerID,
		Setup:                setup,
		Session:              r.cfg.Session,
		ChunkBudget:          r.cfg.ChunkBudget,
		CompressTextures:     r.cfg.CompressTextures,
		ExternalTextureBytes: r.cfg.ExternalTextureBytes,
		Assets:               sink,
		Limits:               r.cfg.Limits,
	}
}

func (r *Runtime) listenerAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr()
}

func portOf(addr string) uint16 {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}

// Start binds the stream listener, the discovery responder and the HTTP
// side channel. Empty addresses leave that endpoint disabled.
func (r *Runtime) Start() error {
	if r.cfg.ServiceAddr != "" {
		ln, err := r.listen()
		if err != nil {
			return err
		}
		r.listener = ln
	}
	if r.cfg.DiscoveryAddr != "" {
		d, err := transport.ListenDiscovery(r.cfg.DiscoveryAddr, portOf(r.listenerAddr()))
		if err != nil {
			r.closeListeners()
			return err
		}
		r.discovery = d
	}
	if r.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", r.cfg.HTTPAddr)
		if err != nil {
			r.closeListeners()
			return fmt.Errorf("server: listen http %s: %w", r.cfg.HTTPAddr, err)
		}
		r.httpLn = ln
		r.httpSrv = &http.Server{Handler: r.router, ReadHeaderTimeout: 5 * time.Second}
	}
	log.Info().
		Str("server", r.cfg.Name).
		Str("server_id", r.id.String()).
		Str("transport", string(r.cfg.Transport)).
		Str("service", r.listenerAddr()).
		Str("http", r.HTTPAddr()).
		Int("tick_rate", r.cfg.TickRate).
		Str("chunk_budget", humanize.IBytes(uint64(max(r.cfg.ChunkBudget, 0)))).
		Msg("server.Runtime started")
	return nil
}

func (r *Runtime) listen() (transport.Listener, error) {
	switch r.cfg.Transport {
	case transport.KindQUIC:
		tlsConf, err := r.cfg.Session.ServerTLS()
		if err != nil {
			return nil, err
		}
		return transport.ListenQUIC(r.cfg.ServiceAddr, tlsConf, r.cfg.Limits)
	default:
		return transport.ListenWebSocket(r.cfg.ServiceAddr, r.cfg.Limits)
	}
}

func (r *Runtime) ServiceAddr() string { return r.listenerAddr() }

func (r *Runtime) DiscoveryAddr() string {
	if r.discovery == nil {
		return ""
	}
	return r.discovery.Addr()
}

func (r *Runtime) HTTPAddr() string {
	if r.httpLn == nil {
		return ""
	}
	return r.httpLn.Addr().String()
}

// Run serves until ctx is done, then closes every session.
func (r *Runtime) Run(ctx context.Context) error {
	if r.listener == nil && r.discovery == nil && r.httpSrv == nil {
		return ErrNotStarted
	}
	g, ctx := errgroup.WithContext(ctx)
	if r.listener != nil {
		g.Go(func() error { return r.acceptLoop(ctx) })
	}
	if r.discovery != nil {
		g.Go(func() error { return r.discovery.Serve(ctx) })
	}
	if r.httpSrv != nil {
		g.Go(func() error {
			err := r.serveHTTP()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		r.closeListeners()
		return nil
	})
	g.Go(func() error { return r.tickLoop(ctx) })
	return g.Wait()
}

func (r *Runtime) serveHTTP() error {
	tlsCfg := r.cfg.Session.TLS
	if tlsCfg.Enabled && tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		return r.httpSrv.ServeTLS(r.httpLn, tlsCfg.CertFile, tlsCfg.KeyFile)
	}
	return r.httpSrv.Serve(r.httpLn)
}

func (r *Runtime) closeListeners() {
	if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.discovery != nil {
		_ = r.discovery.Close()
	}
	if r.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.httpSrv.Shutdown(shutdownCtx)
		cancel()
	} else if r.httpLn != nil {
		_ = r.httpLn.Close()
	}
}

func (r *Runtime) acceptLoop(ctx context.Context) error {
	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if !r.Attach(conn) {
			log.Warn().Str("remote", conn.RemoteAddr()).Msg("server.Runtime accept backlog full")
		}
	}
}

// Attach hands conn to the tick goroutine. It reports false, closing
// conn, when the backlog is full.
func (r *Runtime) Attach(conn transport.Conn) bool {
	select {
	case r.accepted <- conn:
		return true
	default:
		_ = conn.Close()
		return false
	}
}

func (r *Runtime) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.TickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Shutdown("server shutdown")
			return nil
		case now := <-ticker.C:
			r.Tick(now)
		}
	}
}

// Tick admits new connections, runs OnTick and advances every session.
func (r *Runtime) Tick(now time.Time) {
	dt := time.Duration(0)
	if !r.last.IsZero() {
		dt = now.Sub(r.last)
	}
	r.last = now
	r.admit(now)
	if r.OnTick != nil {
		r.OnTick(r, dt)
		r.resources.Store(int64(r.scene.Len()))
	}

	pending := r.pending[:0]
	for _, s := range r.pending {
		if err := s.Tick(now); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Debug().Err(err).Uint64("session", s.key).Msg("server.Runtime pending session tick")
		}
		switch s.State() {
		case StateStreaming:
			r.promote(s)
		case StateHandshakePending:
			pending = append(pending, s)
		}
	}
	clear(r.pending[len(pending):])
	r.pending = pending

	for id, s := range r.clients {
		if err := s.Tick(now); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Debug().Err(err).Uint32("client", id).Msg("server.Runtime session tick")
		}
		if s.State() == StateClosed {
			delete(r.clients, id)
		}
	}
	r.count.Store(int64(len(r.clients)))
	observability.SetSessionClients(len(r.clients))
}

func (r *Runtime) admit(now time.Time) {
	for {
		select {
		case conn := <-r.accepted:
			r.nextKey++
			s, err := newClientSession(r.nextKey, conn, r.scene, r.sessionConfig(), now)
			if err != nil {
				log.Error().Err(err).Str("remote", conn.RemoteAddr()).Msg("server.Runtime session configure failed")
				_ = conn.Close()
				continue
			}
			r.pending = append(r.pending, s)
		default:
			return
		}
	}
}

// promote files a handshaken session under its client id, replacing an
// older session of the same client.
func (r *Runtime) promote(s *ClientSession) {
	id := s.ClientID()
	if old, ok := r.clients[id]; ok && old != s {
		old.Close("replaced by reconnect")
	}
	r.clients[id] = s
}

// MoveNode updates a node transform and tells every client that sees it.
func (r *Runtime) MoveNode(uid geometry.UID, pose protocol.Pose, velocity protocol.Vec3, now time.Time) bool {
	if _, ok := r.scene.SetTransform(uid, pose); !ok {
		return false
	}
	u := session.MovementUpdate{
		TimestampUs: now.UnixMicro(),
		NodeID:      uid,
		Position:    pose.Position,
		Rotation:    pose.Orientation,
		Velocity:    velocity,
	}
	for _, s := range r.clients {
		s.QueueMovement(u)
	}
	return true
}

// PlayAnimation starts animation on node for every client that sees it.
func (r *Runtime) PlayAnimation(node, animation geometry.UID, speed float32, now time.Time) bool {
	if _, ok := r.scene.Animation(animation); !ok {
		return false
	}
	a := session.UpdateNodeAnimation{TimestampUs: now.UnixMicro(), NodeID: node, AnimationID: animation, Speed: speed}
	for _, s := range r.clients {
		s.PlayAnimation(a)
	}
	return true
}

func (r *Runtime) ReconfigureVideo(v session.VideoConfig) {
	r.cfg.Setup.Video = v
	for _, s := range r.clients {
		s.ReconfigureVideo(v)
	}
}

// Shutdown closes every session, sending each client Shutdown.
func (r *Runtime) Shutdown(reason string) {
drain:
	for {
		select {
		case conn := <-r.accepted:
			_ = conn.Close()
		default:
			break drain
		}
	}
	for _, s := range r.pending {
		s.Close(reason)
	}
	r.pending = nil
	for id, s := range r.clients {
		s.Close(reason)
		delete(r.clients, id)
	}
	r.count.Store(0)
	observability.SetSessionClients(0)
}
