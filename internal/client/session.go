// Package client connects to a scene server, keeps the streamed scene in
// a local cache and reports back what it holds and sees.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"code.hybscloud.com/iox"
	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/observability"
	"github.com/danmuck/scenecast/internal/pipeline"
	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/scenecache"
	"github.com/danmuck/scenecast/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientIDRequired = errors.New("client: client id required")
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNoConsumer       = errors.New("client: stream enabled without a consumer")
	ErrServerShutdown   = errors.New("client: server shut down")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakePending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake-pending"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

const (
	controlQueueElements = 256
	controlBufferSize    = 1 << 20
	mediaQueueElements   = 32
	defaultGeometryQueue = 64
	discoveryWait        = time.Second
)

type Config struct {
	ClientID uint32
	// DiscoveryAddr is the UDP address discovery requests go to. It is
	// ignored when ServiceAddr is set.
	DiscoveryAddr string
	ServiceAddr   string
	Transport     transport.Kind
	Session       session.Config
	Limits        frame.Limits

	Display          session.DisplayInfo
	MetresPerUnit    float32
	FOV              float32
	MaxBandwidthKbps uint32
	Framerate        uint32
	IsVR             bool

	Cache scenecache.Config
	// Token authorizes side channel fetches of external textures.
	Token         string
	GeometryQueue int

	// Video and Audio receive media payloads. A server that enables a
	// stream without a consumer here fails setup.
	Video pipeline.Consumer
	Audio pipeline.Consumer
}

func DefaultConfig() Config {
	return Config{
		Transport:     transport.KindWebSocket,
		Session:       session.DefaultConfig(),
		Limits:        frame.DefaultLimits(),
		Display:       session.DisplayInfo{Width: 1920, Height: 1080},
		MetresPerUnit: 1,
		FOV:           90,
		Framerate:     60,
		Cache:         scenecache.Config{Lifetime: scenecache.DefaultLifetime},
	}
}

// Session is one client's view of one server connection. Everything but
// the transcoder worker runs on the caller's tick goroutine.
type Session struct {
	cfg   Config
	state State

	conn       transport.Conn
	cache      *scenecache.Cache
	dec        *geometry.Decoder
	transcoder *scenecache.Transcoder
	side       *sideChannel

	pipe     *pipeline.Pipeline
	source   *pipeline.NetworkSource
	sink     *pipeline.NetworkSink
	ctrlIn   *pipeline.Queue
	ctrlOut  *pipeline.Queue
	control  *pipeline.Target
	geomIn   *pipeline.Queue
	geomNode *pipeline.GeometryDecoderNode
	videoIn  *pipeline.Queue
	video    *pipeline.Target
	audioIn  *pipeline.Queue
	audio    *pipeline.Target
	streams  bool

	setup        session.Setup
	pendingSetup *session.Setup
	shutdown     bool
	lastServerID uint64
	connectedTo  bool
	now          time.Time
	last         time.Time

	origin       protocol.Pose
	originNode   uint64
	validCounter uint64
	originValid  bool
	head         protocol.Pose
	headTime     int64
	controllers  []session.ControllerPose
	input        session.InputState
	inputDirty   bool
	displayDirty bool

	requests   *session.RequestOutbox
	fresh      []uint64
	reported   map[geometry.UID]struct{}
	visible    map[geometry.UID]struct{}
	held       map[geometry.UID]*scenecache.Hold
	drawn      []uint64
	released   []uint64
	movements  map[uint64]session.MovementUpdate
	animations map[uint64]session.UpdateNodeAnimation
	keyframe   bool

	// OnStreamClosed runs after the connection is torn down so the caller
	// can return to discovery.
	OnStreamClosed func(reason string)
}

func New(cfg Config) (*Session, error) {
	if cfg.ClientID == 0 {
		return nil, ErrClientIDRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.Transport == "" {
		cfg.Transport = transport.KindWebSocket
	}
	if cfg.GeometryQueue <= 0 {
		cfg.GeometryQueue = defaultGeometryQueue
	}
	side := &sideChannel{}
	s := &Session{
		cfg:        cfg,
		side:       side,
		transcoder: scenecache.NewTranscoder(side),
		origin:     protocol.Pose{Orientation: protocol.IdentityQuat},
		head:       protocol.Pose{Orientation: protocol.IdentityQuat},
		requests:   session.NewRequestOutbox(cfg.Session.RequestTimeout),
		reported:   make(map[geometry.UID]struct{}),
		visible:    make(map[geometry.UID]struct{}),
		held:       make(map[geometry.UID]*scenecache.Hold),
		movements:  make(map[uint64]session.MovementUpdate),
		animations: make(map[uint64]session.UpdateNodeAnimation),
	}
	cacheCfg := cfg.Cache
	cacheCfg.Transcoder = s.transcoder
	s.cache = scenecache.New(cacheCfg)
	s.dec = geometry.NewDecoder(s.cache)
	s.cache.SetResolver(s.dec.Resolved)
	return s, nil
}

func (s *Session) State() State { return s.state }

func (s *Session) Cache() *scenecache.Cache { return s.cache }

func (s *Session) Decoder() *geometry.Decoder { return s.dec }

// Setup is the last Setup command applied.
func (s *Session) Setup() session.Setup { return s.setup }

// Origin reports the origin pose and whether the server has set it.
func (s *Session) Origin() (protocol.Pose, bool) { return s.origin, s.originValid }

// Visible lists the nodes inside the client's bounds, ascending.
func (s *Session) Visible() []uint64 {
	out := make([]uint64, 0, len(s.visible))
	for uid := range s.visible {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

// Movement is the newest movement update received for node.
func (s *Session) Movement(node uint64) (session.MovementUpdate, bool) {
	m, ok := s.movements[node]
	return m, ok
}

func (s *Session) Animation(node uint64) (session.UpdateNodeAnimation, bool) {
	a, ok := s.animations[node]
	return a, ok
}

// PendingRequests lists resources requested and not yet received.
func (s *Session) PendingRequests() []session.PendingRequest { return s.requests.List() }

func (s *Session) SetHeadPose(p protocol.Pose, timestampUs int64) {
	s.head = p
	s.headTime = timestampUs
}

func (s *Session) SetControllerPoses(poses []session.ControllerPose) {
	s.controllers = append(s.controllers[:0], poses...)
}

func (s *Session) SetInput(in session.InputState) {
	s.input = in
	s.inputDirty = true
}

func (s *Session) SetDisplay(d session.DisplayInfo) {
	s.cfg.Display = d
	s.displayDirty = true
}

// Discover asks the discovery responder for the service address, backing
// off between attempts until ctx is done.
func (s *Session) Discover(ctx context.Context) (string, error) {
	retry := session.NewRetrier(s.cfg.Session.Backoff, int64(s.cfg.ClientID))
	for {
		addr, err := transport.Discover(ctx, s.cfg.DiscoveryAddr, s.cfg.ClientID, discoveryWait)
		if err == nil {
			log.Info().Uint32("client", s.cfg.ClientID).Str("service", addr).Msg("client.Session discovered server")
			return addr, nil
		}
		log.Debug().Err(err).Int("attempt", retry.Attempts()+1).Msg("client.Session discovery attempt failed")
		if err := retry.Wait(ctx); err != nil {
			return "", err
		}
	}
}

// Connect discovers the server when no service address is configured,
// dials it and waits for Setup on the next ticks.
func (s *Session) Connect(ctx context.Context) error {
	if s.state != StateDisconnected {
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	addr := s.cfg.ServiceAddr
	if addr == "" {
		found, err := s.Discover(ctx)
		if err != nil {
			s.state = StateDisconnected
			return err
		}
		addr = found
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.ConnectTimeout)
	defer cancel()
	conn, err := s.dial(dialCtx, addr)
	if err != nil {
		s.state = StateDisconnected
		return err
	}
	s.transcoder.Start(context.WithoutCancel(ctx))
	return s.Attach(conn)
}

func (s *Session) dial(ctx context.Context, addr string) (transport.Conn, error) {
	switch s.cfg.Transport {
	case transport.KindQUIC:
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		tlsConf, err := s.cfg.Session.ClientTLS(host)
		if err != nil {
			return nil, err
		}
		return transport.DialQUIC(ctx, addr, tlsConf, s.cfg.Limits)
	default:
		return transport.DialWebSocket(ctx, addr, s.cfg.Limits)
	}
}

// Attach takes over an established connection and links the control
// stream. Geometry and media streams are linked once Setup arrives.
func (s *Session) Attach(conn transport.Conn) error {
	if s.state != StateDisconnected && s.state != StateConnecting {
		return ErrAlreadyConnected
	}
	s.conn = conn
	s.pipe = pipeline.New(fmt.Sprintf("client-%d", s.cfg.ClientID))
	s.source = pipeline.NewNetworkSource("client/source")
	s.sink = pipeline.NewNetworkSink("client/sink")
	s.ctrlIn = pipeline.NewQueue("client/control-in")
	s.ctrlOut = pipeline.NewQueue("client/control-out")
	s.control = pipeline.NewTarget("client/control")
	s.streams = false

	err := errors.Join(
		s.ctrlIn.Configure(pipeline.QueueConfig{MaxBufferSize: controlBufferSize, MaxElements: controlQueueElements}),
		s.ctrlOut.Configure(pipeline.QueueConfig{MaxBufferSize: controlBufferSize, MaxElements: controlQueueElements}),
	)
	if err == nil {
		err = s.source.Configure(conn, map[frame.StreamID]*pipeline.Queue{frame.StreamControl: s.ctrlIn})
	}
	if err == nil {
		err = s.control.Configure(s.ctrlIn, s.handleCommand)
	}
	if err == nil {
		err = s.sink.Configure(conn, map[frame.StreamID]*pipeline.Queue{frame.StreamControl: s.ctrlOut})
	}
	if err == nil {
		s.pipe.Add(s.source, s.ctrlIn, s.control, s.ctrlOut, s.sink)
		err = s.link([2]pipeline.Node{s.source, s.ctrlIn}, [2]pipeline.Node{s.ctrlIn, s.control}, [2]pipeline.Node{s.ctrlOut, s.sink})
	}
	if err != nil {
		_ = s.pipe.Deconfigure()
		_ = conn.Close()
		s.state = StateDisconnected
		return err
	}
	s.state = StateHandshakePending
	log.Info().Uint32("client", s.cfg.ClientID).Str("remote", conn.RemoteAddr()).Msg("client.Session connected")
	return nil
}

func (s *Session) link(pairs ...[2]pipeline.Node) error {
	for _, p := range pairs {
		if err := s.pipe.Link(p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

// Tick receives and applies everything the server sent, then reports the
// client state back. It returns the disconnection or setup error that
// ended the connection, if any.
func (s *Session) Tick(now time.Time) error {
	if s.state == StateDisconnected || s.state == StateConnecting {
		return ErrNotConnected
	}
	dt := time.Duration(0)
	if !s.last.IsZero() {
		dt = now.Sub(s.last)
	}
	s.last = now
	s.now = now

	s.cache.DrainTranscodes()
	err := s.pipe.Process()
	if pipeline.IsDisconnection(err) {
		s.teardown("disconnected")
		return err
	}
	if s.shutdown {
		s.teardown("server shutdown")
		return ErrServerShutdown
	}
	if s.pendingSetup != nil {
		setup := *s.pendingSetup
		s.pendingSetup = nil
		if serr := s.applySetup(setup); serr != nil {
			log.Error().Err(serr).Uint32("client", s.cfg.ClientID).Msg("client.Session setup failed")
			s.teardown("setup failed")
			return serr
		}
	}
	if s.state == StateStreaming {
		s.retainVisible()
		s.cache.Update(dt)
		s.report()
	}
	if serr := s.sink.Process(); pipeline.IsDisconnection(serr) {
		s.teardown("disconnected")
		return serr
	}
	return err
}

// Close ends the connection and stops the transcoder. The session can
// not be reused afterwards.
func (s *Session) Close() {
	if s.state != StateDisconnected && s.state != StateConnecting {
		s.teardown("closed")
	}
	s.transcoder.Stop()
}

func (s *Session) teardown(reason string) {
	if err := s.pipe.Deconfigure(); err != nil {
		log.Warn().Err(err).Uint32("client", s.cfg.ClientID).Msg("client.Session deconfigure failed")
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.state = StateDisconnected
	s.streams = false
	s.pendingSetup = nil
	s.shutdown = false
	s.originValid = false
	s.validCounter = 0
	s.requests.Reset()
	s.fresh = nil
	clear(s.visible)
	s.retainVisible()
	s.drawn = nil
	s.released = nil
	s.keyframe = false
	log.Info().Uint32("client", s.cfg.ClientID).Str("reason", reason).Msg("client.Session stream closed")
	if s.OnStreamClosed != nil {
		s.OnStreamClosed(reason)
	}
}

func (s *Session) send(m session.Message) {
	if err := s.ctrlOut.Push(session.EncodeMessage(m)); err != nil {
		if iox.IsWouldBlock(err) {
			log.Debug().Stringer("type", m.Type()).Msg("client.Session control queue full")
			return
		}
		log.Warn().Err(err).Stringer("type", m.Type()).Msg("client.Session dropped message")
	}
}

func (s *Session) handleCommand(payload []byte) error {
	cmd, err := session.DecodeCommand(payload)
	if err != nil {
		return err
	}
	switch c := cmd.(type) {
	case session.Setup:
		s.pendingSetup = &c
	case session.Shutdown:
		s.shutdown = true
	case session.AcknowledgeHandshake:
		s.acknowledged(c)
	case session.ReconfigureVideo:
		s.setup.Video = c.Video
		s.keyframe = true
		log.Info().Uint32("client", s.cfg.ClientID).Uint32("width", c.Video.Width).Uint32("height", c.Video.Height).Msg("client.Session video reconfigured")
	case session.SetPosition:
		if c.ValidCounter <= s.validCounter {
			log.Debug().Uint64("counter", c.ValidCounter).Uint64("current", s.validCounter).Msg("client.Session stale origin ignored")
			return nil
		}
		s.validCounter = c.ValidCounter
		s.origin = c.Pose
		s.originNode = c.OriginNode
		s.originValid = true
	case session.NodeBounds:
		s.bounds(c.Entered, c.Left)
	case session.UpdateNodeMovement:
		for _, u := range c.Updates {
			if old, ok := s.movements[u.NodeID]; ok && old.TimestampUs > u.TimestampUs {
				continue
			}
			s.movements[u.NodeID] = u
		}
	case session.UpdateNodeAnimation:
		s.animations[c.NodeID] = c
	}
	return nil
}

// applySetup links the geometry and media streams and answers with a
// Handshake. When any stream fails to configure nothing new is linked.
func (s *Session) applySetup(setup session.Setup) error {
	if !s.streams {
		if err := s.configureStreams(setup); err != nil {
			return err
		}
	}
	s.setup = setup

	var inventory []uint64
	if s.connectedTo && setup.ServerID == s.lastServerID {
		inventory = s.cache.AllResourceIDs()
	} else if s.cache.Len() > 0 {
		log.Info().Uint64("server_id", setup.ServerID).Msg("client.Session new server, clearing cache")
		s.cache.Clear()
		s.dec.Reset()
		clear(s.reported)
	}
	s.lastServerID = setup.ServerID
	s.connectedTo = true
	for _, uid := range inventory {
		s.reported[uid] = struct{}{}
	}
	if err := s.side.point(s.conn.RemoteAddr(), setup.HTTPPort, s.cfg.Token, s.cfg.Session); err != nil {
		log.Warn().Err(err).Uint32("client", s.cfg.ClientID).Msg("client.Session side channel disabled")
	}

	s.send(session.Handshake{
		ClientID:         s.cfg.ClientID,
		Display:          s.cfg.Display,
		MetresPerUnit:    s.cfg.MetresPerUnit,
		FOV:              s.cfg.FOV,
		MaxBandwidthKbps: s.cfg.MaxBandwidthKbps,
		Framerate:        s.cfg.Framerate,
		IsVR:             s.cfg.IsVR,
		ResourceIDs:      inventory,
	})
	log.Info().
		Uint32("client", s.cfg.ClientID).
		Uint64("server_id", setup.ServerID).
		Int("inventory", len(inventory)).
		Bool("audio", setup.AudioEnabled).
		Msg("client.Session handshake sent")
	return nil
}

func (s *Session) configureStreams(setup session.Setup) error {
	geomIn := pipeline.NewQueue("client/geometry-in")
	geomNode := pipeline.NewGeometryDecoderNode("client/geometry")
	outputs := map[frame.StreamID]*pipeline.Queue{frame.StreamControl: s.ctrlIn, frame.StreamGeometry: geomIn}
	nodes := []pipeline.Node{geomIn, geomNode}
	links := [][2]pipeline.Node{{s.source, geomIn}, {geomIn, geomNode}}

	err := geomIn.Configure(pipeline.QueueConfig{MaxBufferSize: int(s.cfg.Limits.MaxPayloadBytes), MaxElements: s.cfg.GeometryQueue})
	if err == nil {
		err = geomNode.Configure(geomIn, s.dec, nil)
	}

	var videoIn, audioIn *pipeline.Queue
	var video, audio *pipeline.Target
	if err == nil && setup.Video.Codec != session.CodecNone {
		videoIn, video, err = s.mediaStream("video", s.videoConsumer())
		if err == nil {
			outputs[frame.StreamVideo] = videoIn
			nodes = append(nodes, videoIn, video)
			links = append(links, [2]pipeline.Node{s.source, videoIn}, [2]pipeline.Node{videoIn, video})
		}
	}
	if err == nil && setup.AudioEnabled {
		audioIn, audio, err = s.mediaStream("audio", s.cfg.Audio)
		if err == nil {
			outputs[frame.StreamAudio] = audioIn
			nodes = append(nodes, audioIn, audio)
			links = append(links, [2]pipeline.Node{s.source, audioIn}, [2]pipeline.Node{audioIn, audio})
		}
	}
	if err != nil {
		for _, n := range nodes {
			_ = n.Deconfigure()
		}
		return err
	}
	if err := s.source.Configure(s.conn, outputs); err != nil {
		return err
	}
	s.pipe.Add(nodes...)
	if err := s.link(links...); err != nil {
		return err
	}
	s.geomIn, s.geomNode = geomIn, geomNode
	s.videoIn, s.video = videoIn, video
	s.audioIn, s.audio = audioIn, audio
	s.streams = true
	return nil
}

func (s *Session) mediaStream(name string, consume pipeline.Consumer) (*pipeline.Queue, *pipeline.Target, error) {
	if consume == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoConsumer, name)
	}
	q := pipeline.NewQueue("client/" + name + "-in")
	t := pipeline.NewTarget("client/" + name)
	if err := q.Configure(pipeline.QueueConfig{
		MaxBufferSize: int(s.cfg.Limits.MaxPayloadBytes),
		MaxElements:   mediaQueueElements,
		Policy:        pipeline.DropOldest,
	}); err != nil {
		return nil, nil, err
	}
	if err := t.Configure(q, consume); err != nil {
		return nil, nil, err
	}
	return q, t, nil
}

// videoConsumer flags a keyframe request when the decoder rejects a frame.
func (s *Session) videoConsumer() pipeline.Consumer {
	if s.cfg.Video == nil {
		return nil
	}
	return func(payload []byte) error {
		err := s.cfg.Video(payload)
		if err != nil && !iox.IsWouldBlock(err) {
			s.keyframe = true
		}
		return err
	}
}

func (s *Session) acknowledged(ack session.AcknowledgeHandshake) {
	if s.state != StateHandshakePending {
		return
	}
	s.state = StateStreaming
	clear(s.visible)
	for _, uid := range ack.VisibleNodes {
		s.visible[uid] = struct{}{}
	}
	log.Info().Uint32("client", s.cfg.ClientID).Int("visible", len(ack.VisibleNodes)).Msg("client.Session streaming")
}

func (s *Session) bounds(entered, left []uint64) {
	for _, uid := range entered {
		s.visible[uid] = struct{}{}
	}
	for _, uid := range left {
		delete(s.visible, uid)
	}
	s.drawn = append(s.drawn, entered...)
	s.released = append(s.released, left...)
	s.requestMissingNodes(entered)
}

// requestMissingNodes queues requests for nodes the client has no data for
// and that are not already on their way.
func (s *Session) requestMissingNodes(ids []uint64) {
	var missing []uint64
	for _, uid := range ids {
		if s.cache.Has(geometry.PayloadNode, uid) || s.dec.Tracker().IsIncomplete(uid) {
			continue
		}
		missing = append(missing, uid)
	}
	if len(missing) > 0 {
		s.fresh = append(s.fresh, s.requests.Add(missing, s.now)...)
	}
}

// retainVisible holds every visible node together with the resources it
// draws with, so only what is out of bounds ages towards eviction. A hold
// taken while a dependency was absent is retaken until it covers the
// whole closure.
func (s *Session) retainVisible() {
	for uid, h := range s.held {
		if _, ok := s.visible[uid]; !ok {
			h.Release()
			delete(s.held, uid)
		}
	}
	for uid := range s.visible {
		old, ok := s.held[uid]
		if ok && !old.Stale() {
			continue
		}
		if h, ok := s.cache.Retain(uid); ok {
			s.held[uid] = h
		} else {
			delete(s.held, uid)
		}
		if old != nil {
			old.Release()
		}
	}
}

// Held reports whether the session keeps node resident.
func (s *Session) Held(uid uint64) bool {
	_, ok := s.held[uid]
	return ok
}

// report sends the per-tick client messages.
func (s *Session) report() {
	if s.displayDirty {
		s.send(s.cfg.Display)
		s.displayDirty = false
	}
	s.send(session.HeadPose{TimestampUs: s.headTime, Pose: s.head})
	if s.originValid && len(s.controllers) > 0 {
		s.send(session.ControllerPoses{Poses: slices.Clone(s.controllers)})
	}
	if s.inputDirty {
		s.send(s.input)
		s.inputDirty = false
	}
	if ids := s.resourceRequests(); len(ids) > 0 {
		s.send(session.ResourceRequest{IDs: ids})
	}
	if received, lost := s.inventoryChanges(); len(received) > 0 || len(lost) > 0 {
		s.send(session.ReceivedResources{Received: received, Lost: lost})
	}
	if len(s.drawn) > 0 || len(s.released) > 0 {
		s.send(session.NodeStatus{Drawn: s.drawn, Released: s.released})
		s.drawn, s.released = nil, nil
	}
	if s.keyframe {
		s.send(session.KeyframeRequest{})
		s.keyframe = false
	}
}

// resourceRequests retires requests that arrived, adds ids the decoder is
// still missing and returns the fresh ones plus those due for a retry.
func (s *Session) resourceRequests() []uint64 {
	var done []uint64
	for _, p := range s.requests.List() {
		if s.arrived(p.ID) {
			done = append(done, p.ID)
		}
	}
	s.requests.Acknowledge(done)

	var missing []uint64
	for _, uid := range s.dec.MissingIDs() {
		if !s.arrived(uid) {
			missing = append(missing, uid)
		}
	}
	for _, h := range s.held {
		for _, uid := range h.Missing() {
			if !s.arrived(uid) {
				missing = append(missing, uid)
			}
		}
	}
	slices.Sort(missing)
	missing = slices.Compact(missing)
	ids := append(s.fresh, s.requests.Add(missing, s.now)...)
	s.fresh = nil
	retries := s.requests.Due(s.now)
	if len(ids) > 0 {
		observability.RecordResourceRequests("first", len(ids))
	}
	if len(retries) > 0 {
		observability.RecordResourceRequests("retry", len(retries))
	}
	ids = append(ids, retries...)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// arrived reports whether uid was received, either resident or decoded and
// waiting on its own dependencies.
func (s *Session) arrived(uid uint64) bool {
	return s.cache.HasAny(uid) || s.dec.Tracker().IsIncomplete(uid)
}

func (s *Session) inventoryChanges() (received, lost []uint64) {
	for _, uid := range s.cache.AllResourceIDs() {
		if _, ok := s.reported[uid]; !ok {
			s.reported[uid] = struct{}{}
			received = append(received, uid)
		}
	}
	for _, uid := range s.cache.TakeLost() {
		if s.cache.HasAny(uid) {
			continue
		}
		delete(s.reported, uid)
		lost = append(lost, uid)
	}
	return received, lost
}
