package server

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"code.hybscloud.com/iox"
	"github.com/chewxy/math32"
	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/pipeline"
	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/danmuck/scenecast/internal/scene"
	"github.com/danmuck/scenecast/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionClosed = errors.New("server: session closed")
	ErrIdleTimeout   = errors.New("server: session idle timeout")
	ErrStalled       = errors.New("server: client stopped draining commands")
)

type State int

const (
	StateHandshakePending State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshakePending:
		return "handshake-pending"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

const (
	defaultQueueElements = 64
	controlQueueElements = 256
	controlBufferSize    = 1 << 20
	// maxCommandBacklog bounds commands waiting behind a full control queue.
	maxCommandBacklog = 1024
)

// SessionConfig is shared by every client session of a runtime.
type SessionConfig struct {
	ServerID             uint64
	Setup                session.Setup
	Session              session.Config
	ChunkBudget          int
	CompressTextures     bool
	ExternalTextureBytes int
	Assets               geometry.AssetSink
	QueueElements        int
	Limits               frame.Limits
}

// stage adapts a session step to the pipeline.Node lifecycle.
type stage struct {
	name string
	fn   func() error
}

func (s *stage) Name() string { return s.name }

func (s *stage) Process() error { return s.fn() }

func (s *stage) Deconfigure() error { return nil }

// ClientSession is the server half of one client connection. It is driven
// by Tick from the runtime goroutine only.
type ClientSession struct {
	key   uint64
	conn  transport.Conn
	scene *scene.Scene
	cfg   SessionConfig
	state State
	now   time.Time

	pipe    *pipeline.Pipeline
	source  *pipeline.NetworkSource
	sink    *pipeline.NetworkSink
	ctrlIn  *pipeline.Queue
	ctrlOut *pipeline.Queue
	geomOut *pipeline.Queue
	control *pipeline.Target
	enc     *geometry.Encoder

	// commands waiting for room in ctrlOut, oldest first
	backlog [][]byte
	stalled bool

	handshake   session.Handshake
	display     session.DisplayInfo
	head        protocol.Pose
	origin      protocol.Pose
	controllers []session.ControllerPose
	input       session.InputState
	validCount  uint64
	lastInbound time.Time
	keyframes   int

	has          map[geometry.UID]struct{}
	requested    []geometry.UID
	visible      map[geometry.UID]struct{}
	entered      *session.RequestOutbox
	left         *session.RequestOutbox
	movements    []session.MovementUpdate
	OnKeyframe   func(clientID uint32)
	closedReason string
}

func newClientSession(key uint64, conn transport.Conn, sc *scene.Scene, cfg SessionConfig, now time.Time) (*ClientSession, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.QueueElements <= 0 {
		cfg.QueueElements = defaultQueueElements
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	s := &ClientSession{
		key:         key,
		conn:        conn,
		scene:       sc,
		cfg:         cfg,
		now:         now,
		lastInbound: now,
		origin:      protocol.Pose{Orientation: protocol.IdentityQuat},
		head:        protocol.Pose{Orientation: protocol.IdentityQuat},
		has:         make(map[geometry.UID]struct{}),
		visible:     make(map[geometry.UID]struct{}),
		entered:     session.NewRequestOutbox(cfg.Session.RequestTimeout),
		left:        session.NewRequestOutbox(cfg.Session.RequestTimeout),
		enc: geometry.NewEncoder(geometry.EncoderConfig{
			ChunkBudget:          cfg.ChunkBudget,
			CompressTextures:     cfg.CompressTextures,
			ExternalTextureBytes: cfg.ExternalTextureBytes,
			Assets:               cfg.Assets,
		}),
	}
	if err := s.configure(); err != nil {
		_ = s.pipe.Deconfigure()
		return nil, err
	}
	setup := cfg.Setup
	setup.ServerID = cfg.ServerID
	setup.StartTimestampUs = now.UnixMicro()
	s.send(setup)
	log.Info().
		Uint64("session", key).
		Str("remote", conn.RemoteAddr()).
		Msg("server.ClientSession setup sent")
	return s, nil
}

func (s *ClientSession) configure() error {
	name := fmt.Sprintf("session-%d", s.key)
	s.pipe = pipeline.New(name)
	s.source = pipeline.NewNetworkSource(name + "/source")
	s.sink = pipeline.NewNetworkSink(name + "/sink")
	s.ctrlIn = pipeline.NewQueue(name + "/control-in")
	s.ctrlOut = pipeline.NewQueue(name + "/control-out")
	s.geomOut = pipeline.NewQueue(name + "/geometry-out")
	s.control = pipeline.NewTarget(name + "/control")
	update := &stage{name: name + "/update", fn: s.update}
	stream := &stage{name: name + "/geometry", fn: s.streamGeometry}

	queues := []struct {
		q   *pipeline.Queue
		cfg pipeline.QueueConfig
	}{
		{s.ctrlIn, pipeline.QueueConfig{MaxBufferSize: controlBufferSize, MaxElements: controlQueueElements}},
		{s.ctrlOut, pipeline.QueueConfig{MaxBufferSize: controlBufferSize, MaxElements: controlQueueElements}},
		{s.geomOut, pipeline.QueueConfig{MaxBufferSize: int(s.cfg.Limits.MaxPayloadBytes), MaxElements: s.cfg.QueueElements}},
	}
	for _, q := range queues {
		if err := q.q.Configure(q.cfg); err != nil {
			return err
		}
	}
	if err := s.source.Configure(s.conn, map[frame.StreamID]*pipeline.Queue{frame.StreamControl: s.ctrlIn}); err != nil {
		return err
	}
	if err := s.control.Configure(s.ctrlIn, s.handleMessage); err != nil {
		return err
	}
	if err := s.sink.Configure(s.conn, map[frame.StreamID]*pipeline.Queue{
		frame.StreamControl:  s.ctrlOut,
		frame.StreamGeometry: s.geomOut,
	}); err != nil {
		return err
	}

	s.pipe.Add(s.source, s.ctrlIn, s.control, update, stream, s.ctrlOut, s.geomOut, s.sink)
	links := [][2]pipeline.Node{
		{s.source, s.ctrlIn},
		{s.ctrlIn, s.control},
		{s.control, update},
		{update, s.ctrlOut},
		{update, stream},
		{stream, s.geomOut},
		{s.ctrlOut, s.sink},
		{s.geomOut, s.sink},
	}
	for _, l := range links {
		if err := s.pipe.Link(l[0], l[1]); err != nil {
			return err
		}
	}
	return nil
}

// ClientID is zero until the handshake arrives.
func (s *ClientSession) ClientID() uint32 { return s.handshake.ClientID }

func (s *ClientSession) State() State { return s.state }

func (s *ClientSession) RemoteAddr() string { return s.conn.RemoteAddr() }

// Visible lists the nodes currently inside the client's bounds, ascending.
func (s *ClientSession) Visible() []geometry.UID { return sortedIDs(s.visible) }

// Head is the last reported head pose.
func (s *ClientSession) Head() protocol.Pose { return s.head }

func (s *ClientSession) Display() session.DisplayInfo { return s.display }

// Keyframes counts keyframe requests received.
func (s *ClientSession) Keyframes() int { return s.keyframes }

// Tick runs the session pipeline once.
func (s *ClientSession) Tick(now time.Time) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.now = now
	if idle := s.cfg.Session.IdleTimeout; idle > 0 && now.Sub(s.lastInbound) > idle {
		s.Close("idle timeout")
		return ErrIdleTimeout
	}
	err := s.pipe.Process()
	if pipeline.IsDisconnection(err) {
		log.Info().Uint64("session", s.key).Uint32("client", s.ClientID()).Err(err).Msg("server.ClientSession disconnected")
		s.teardown("disconnected")
		return err
	}
	if s.stalled && s.state != StateClosed {
		s.teardown("command backlog full")
		return ErrStalled
	}
	return err
}

// Close sends Shutdown, flushes what the connection accepts and releases
// the pipeline.
func (s *ClientSession) Close(reason string) {
	if s.state == StateClosed {
		return
	}
	s.send(session.Shutdown{})
	s.flushCommands()
	if err := s.sink.Process(); err != nil && !pipeline.IsDisconnection(err) {
		log.Debug().Err(err).Uint64("session", s.key).Msg("server.ClientSession final flush failed")
	}
	s.teardown(reason)
}

func (s *ClientSession) teardown(reason string) {
	if err := s.pipe.Deconfigure(); err != nil {
		log.Warn().Err(err).Uint64("session", s.key).Msg("server.ClientSession deconfigure failed")
	}
	_ = s.conn.Close()
	s.state = StateClosed
	s.closedReason = reason
	log.Info().
		Uint64("session", s.key).
		Uint32("client", s.ClientID()).
		Str("reason", reason).
		Msg("server.ClientSession closed")
}

// send queues a command; commands the control queue cannot take yet wait
// in the backlog in order. A client that lets the backlog fill is marked
// stalled and dropped at the end of the tick.
func (s *ClientSession) send(cmd session.Command) {
	if s.stalled {
		return
	}
	if len(s.backlog) >= maxCommandBacklog {
		s.stalled = true
		log.Warn().Uint64("session", s.key).Uint32("client", s.ClientID()).Int("backlog", len(s.backlog)).Msg("server.ClientSession command backlog full")
		return
	}
	s.backlog = append(s.backlog, session.EncodeCommand(cmd))
	s.flushCommands()
}

func (s *ClientSession) flushCommands() {
	for len(s.backlog) > 0 {
		err := s.ctrlOut.Push(s.backlog[0])
		if iox.IsWouldBlock(err) {
			return
		}
		if err != nil {
			log.Warn().Err(err).Uint64("session", s.key).Msg("server.ClientSession dropped command")
		}
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
	}
}

func (s *ClientSession) handleMessage(payload []byte) error {
	msg, err := session.DecodeMessage(payload)
	if err != nil {
		return err
	}
	s.lastInbound = s.now
	if s.state == StateHandshakePending {
		hs, ok := msg.(session.Handshake)
		if !ok {
			log.Debug().Uint64("session", s.key).Stringer("type", msg.Type()).Msg("server.ClientSession ignoring message before handshake")
			return nil
		}
		s.acceptHandshake(hs)
		return nil
	}
	switch m := msg.(type) {
	case session.Handshake:
		s.acceptHandshake(m)
	case session.DisplayInfo:
		s.display = m
	case session.HeadPose:
		s.head = m.Pose
	case session.ControllerPoses:
		s.controllers = m.Poses
	case session.InputState:
		s.input = m
	case session.ResourceRequest:
		s.request(m.IDs)
	case session.ReceivedResources:
		for _, uid := range m.Received {
			s.has[uid] = struct{}{}
		}
		for _, uid := range m.Lost {
			delete(s.has, uid)
		}
	case session.NodeStatus:
		s.entered.Acknowledge(m.Drawn)
		s.left.Acknowledge(m.Released)
	case session.KeyframeRequest:
		s.keyframes++
		if s.OnKeyframe != nil {
			s.OnKeyframe(s.ClientID())
		}
	}
	return nil
}

func (s *ClientSession) acceptHandshake(hs session.Handshake) {
	s.handshake = hs
	s.display = hs.Display
	clear(s.has)
	for _, uid := range hs.ResourceIDs {
		if _, ok := s.scene.Kind(uid); ok {
			s.has[uid] = struct{}{}
		}
	}
	s.requested = s.requested[:0]
	s.entered.Reset()
	s.left.Reset()
	s.enc.Reset()
	s.visible = s.computeVisible()
	s.state = StateStreaming
	s.send(session.AcknowledgeHandshake{VisibleNodes: sortedIDs(s.visible)})
	s.validCount++
	s.send(session.SetPosition{ValidCounter: s.validCount, Pose: s.origin})
	log.Info().
		Uint64("session", s.key).
		Uint32("client", hs.ClientID).
		Int("inventory", len(s.has)).
		Int("visible", len(s.visible)).
		Bool("vr", hs.IsVR).
		Msg("server.ClientSession handshake accepted")
}

// request queues ids the client asked for. It no longer holds them, so
// they are dropped from the inventory.
func (s *ClientSession) request(ids []uint64) {
	for _, uid := range ids {
		if _, ok := s.scene.Kind(uid); !ok {
			log.Debug().Uint64("session", s.key).Uint64("uid", uid).Msg("server.ClientSession request for unknown resource")
			continue
		}
		delete(s.has, uid)
		if !s.isRequested(uid) {
			s.requested = append(s.requested, uid)
		}
	}
}

func (s *ClientSession) isRequested(uid geometry.UID) bool {
	for _, r := range s.requested {
		if r == uid {
			return true
		}
	}
	return false
}

func (s *ClientSession) HasResource(uid geometry.UID) bool {
	_, ok := s.has[uid]
	return ok
}

func (s *ClientSession) EncodedResource(uid geometry.UID) {
	s.has[uid] = struct{}{}
	for i, r := range s.requested {
		if r == uid {
			s.requested = append(s.requested[:i], s.requested[i+1:]...)
			break
		}
	}
}

func (s *ClientSession) RequestedResources() []geometry.UID {
	return append([]geometry.UID(nil), s.requested...)
}

// SetOrigin moves the client origin and bumps the valid counter.
func (s *ClientSession) SetOrigin(originNode geometry.UID, pose protocol.Pose) {
	s.origin = pose
	s.validCount++
	if s.state == StateStreaming {
		s.send(session.SetPosition{ValidCounter: s.validCount, OriginNode: originNode, Pose: pose})
	}
}

// QueueMovement forwards a node update if the client can see the node.
// Until the update goes out only the newest one per node is kept.
func (s *ClientSession) QueueMovement(u session.MovementUpdate) {
	if _, ok := s.visible[u.NodeID]; !ok || s.state != StateStreaming {
		return
	}
	i := slices.IndexFunc(s.movements, func(m session.MovementUpdate) bool { return m.NodeID == u.NodeID })
	switch {
	case i < 0:
		s.movements = append(s.movements, u)
	case u.TimestampUs >= s.movements[i].TimestampUs:
		s.movements[i] = u
	}
}

func (s *ClientSession) PlayAnimation(a session.UpdateNodeAnimation) {
	if _, ok := s.visible[a.NodeID]; ok && s.state == StateStreaming {
		s.send(a)
	}
}

func (s *ClientSession) ReconfigureVideo(v session.VideoConfig) {
	if s.state == StateStreaming {
		s.send(session.ReconfigureVideo{Video: v})
	}
}

func (s *ClientSession) update() error {
	if s.state == StateStreaming {
		s.updateVisibility()
		s.resendBounds()
		// movements wait out a backed up control queue and keep coalescing
		if len(s.movements) > 0 && len(s.backlog) == 0 {
			s.send(session.UpdateNodeMovement{Updates: s.movements})
			s.movements = nil
		}
	}
	s.flushCommands()
	return nil
}

func (s *ClientSession) eye() protocol.Vec3 {
	return s.origin.Position.Add(s.head.Position)
}

func (s *ClientSession) inBounds(uid geometry.UID, eye protocol.Vec3) bool {
	n, ok := s.scene.Node(uid)
	if !ok {
		return false
	}
	if n.Type == geometry.NodeLight && n.Light.Kind == geometry.LightDirectional {
		return true
	}
	pos, _ := s.scene.WorldPosition(uid)
	gap := math32.Max(0, pos.Distance(eye)-s.scene.Radius(uid))
	return gap <= s.scene.BoundsRadius
}

func (s *ClientSession) computeVisible() map[geometry.UID]struct{} {
	eye := s.eye()
	out := make(map[geometry.UID]struct{})
	for _, uid := range s.scene.NodeIDs() {
		if s.inBounds(uid, eye) {
			out[uid] = struct{}{}
		}
	}
	return out
}

func (s *ClientSession) updateVisibility() {
	next := s.computeVisible()
	var entered, left []geometry.UID
	for uid := range next {
		if _, ok := s.visible[uid]; !ok {
			entered = append(entered, uid)
		}
	}
	for uid := range s.visible {
		if _, ok := next[uid]; !ok {
			left = append(left, uid)
		}
	}
	if len(entered) == 0 && len(left) == 0 {
		return
	}
	sortUIDs(entered)
	sortUIDs(left)
	s.visible = next
	s.entered.Acknowledge(left)
	s.left.Acknowledge(entered)
	s.entered.Add(entered, s.now)
	s.left.Add(left, s.now)
	s.send(session.NodeBounds{Entered: entered, Left: left})
	log.Debug().
		Uint64("session", s.key).
		Int("entered", len(entered)).
		Int("left", len(left)).
		Msg("server.ClientSession node bounds changed")
}

// resendBounds repeats bounds changes the client has not acknowledged.
func (s *ClientSession) resendBounds() {
	entered := s.entered.Due(s.now)
	left := s.left.Due(s.now)
	if len(entered) == 0 && len(left) == 0 {
		return
	}
	s.send(session.NodeBounds{Entered: entered, Left: left})
}

// streamable orders visible nodes by priority, highest first.
func (s *ClientSession) streamable() []geometry.UID {
	ids := sortedIDs(s.visible)
	sort.SliceStable(ids, func(i, j int) bool {
		a, _ := s.scene.Node(ids[i])
		b, _ := s.scene.Node(ids[j])
		return a.Priority > b.Priority
	})
	return ids
}

func (s *ClientSession) streamGeometry() error {
	if s.state != StateStreaming || s.geomOut.Full() {
		return nil
	}
	err := s.enc.EncodeTick(s.scene, s, s.streamable())
	if chunk, ok := s.enc.TakeChunk(); ok {
		if perr := s.geomOut.Push(chunk); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	return err
}

func sortUIDs(ids []geometry.UID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortedIDs(set map[geometry.UID]struct{}) []geometry.UID {
	out := make([]geometry.UID, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sortUIDs(out)
	return out
}
