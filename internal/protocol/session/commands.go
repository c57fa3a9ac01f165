package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/scenecast/internal/protocol"
)

var ErrInvalidCommand = errors.New("session: invalid command")

// CommandType is the one-byte discriminant of a server->client command.
type CommandType uint8

const (
	CommandInvalid CommandType = iota
	CommandShutdown
	CommandSetup
	CommandAcknowledgeHandshake
	CommandReconfigureVideo
	CommandSetPosition
	CommandNodeBounds
	CommandUpdateNodeMovement
	CommandUpdateNodeAnimation
)

func (t CommandType) String() string {
	switch t {
	case CommandShutdown:
		return "shutdown"
	case CommandSetup:
		return "setup"
	case CommandAcknowledgeHandshake:
		return "acknowledge-handshake"
	case CommandReconfigureVideo:
		return "reconfigure-video"
	case CommandSetPosition:
		return "set-position"
	case CommandNodeBounds:
		return "node-bounds"
	case CommandUpdateNodeMovement:
		return "update-node-movement"
	case CommandUpdateNodeAnimation:
		return "update-node-animation"
	default:
		return fmt.Sprintf("command-%d", uint8(t))
	}
}

type VideoCodec uint8

const (
	CodecNone VideoCodec = iota
	CodecH264
	CodecHEVC
)

type Projection uint8

const (
	ProjectionPerspective Projection = iota
	ProjectionCubemap
)

// ControlModel decides who owns the client origin.
type ControlModel uint8

const (
	ControlNone ControlModel = iota
	ControlClientOriginServerGravity
	ControlServerOriginClientLocal
)

// VideoConfig is what an external video decoder must honour.
type VideoConfig struct {
	Codec         VideoCodec
	Width         uint32
	Height        uint32
	Framerate     uint32
	BitrateKbps   uint32
	Projection    Projection
	Use10Bit      bool
	Use444        bool
	UseAlphaLayer bool
}

func (v VideoConfig) encode(w *protocol.Writer) {
	w.U8(uint8(v.Codec))
	w.U32(v.Width)
	w.U32(v.Height)
	w.U32(v.Framerate)
	w.U32(v.BitrateKbps)
	w.U8(uint8(v.Projection))
	w.Bool(v.Use10Bit)
	w.Bool(v.Use444)
	w.Bool(v.UseAlphaLayer)
}

func decodeVideoConfig(r *protocol.Reader) VideoConfig {
	return VideoConfig{
		Codec:         VideoCodec(r.U8()),
		Width:         r.U32(),
		Height:        r.U32(),
		Framerate:     r.U32(),
		BitrateKbps:   r.U32(),
		Projection:    Projection(r.U8()),
		Use10Bit:      r.Bool(),
		Use444:        r.Bool(),
		UseAlphaLayer: r.Bool(),
	}
}

// Command is one server->client control payload.
type Command interface {
	Type() CommandType
	encode(w *protocol.Writer)
}

type Shutdown struct{}

type Setup struct {
	ServerID          uint64
	ServicePort       uint16
	StreamingPort     uint16
	HTTPPort          uint16
	DebugStream       uint32
	DoChecksums       bool
	RequiredLatencyMs uint32
	IdleTimeoutMs     uint32
	AudioEnabled      bool
	ControlModel      ControlModel
	Video             VideoConfig
	StartTimestampUs  int64
}

type AcknowledgeHandshake struct {
	VisibleNodes []uint64
}

type ReconfigureVideo struct {
	Video VideoConfig
}

// SetPosition moves the client origin. Updates carrying a ValidCounter not
// greater than the last applied one are stale.
type SetPosition struct {
	ValidCounter uint64
	OriginNode   uint64
	Pose         protocol.Pose
}

type NodeBounds struct {
	Entered []uint64
	Left    []uint64
}

type MovementUpdate struct {
	TimestampUs  int64
	NodeID       uint64
	Position     protocol.Vec3
	Rotation     protocol.Quat
	Velocity     protocol.Vec3
	AngularAxis  protocol.Vec3
	AngularSpeed float32
}

type UpdateNodeMovement struct {
	Updates []MovementUpdate
}

type UpdateNodeAnimation struct {
	TimestampUs int64
	NodeID      uint64
	AnimationID uint64
	Speed       float32
}

func (Shutdown) Type() CommandType             { return CommandShutdown }
func (Setup) Type() CommandType                { return CommandSetup }
func (AcknowledgeHandshake) Type() CommandType { return CommandAcknowledgeHandshake }
func (ReconfigureVideo) Type() CommandType     { return CommandReconfigureVideo }
func (SetPosition) Type() CommandType          { return CommandSetPosition }
func (NodeBounds) Type() CommandType           { return CommandNodeBounds }
func (UpdateNodeMovement) Type() CommandType   { return CommandUpdateNodeMovement }
func (UpdateNodeAnimation) Type() CommandType  { return CommandUpdateNodeAnimation }

func (Shutdown) encode(*protocol.Writer) {}

func (c Setup) encode(w *protocol.Writer) {
	w.U64(c.ServerID)
	w.U16(c.ServicePort)
	w.U16(c.StreamingPort)
	w.U16(c.HTTPPort)
	w.U32(c.DebugStream)
	w.Bool(c.DoChecksums)
	w.U32(c.RequiredLatencyMs)
	w.U32(c.IdleTimeoutMs)
	w.Bool(c.AudioEnabled)
	w.U8(uint8(c.ControlModel))
	c.Video.encode(w)
	w.I64(c.StartTimestampUs)
}

func (c AcknowledgeHandshake) encode(w *protocol.Writer) {
	w.IDs(c.VisibleNodes)
}

func (c ReconfigureVideo) encode(w *protocol.Writer) {
	c.Video.encode(w)
}

func (c SetPosition) encode(w *protocol.Writer) {
	w.U64(c.ValidCounter)
	w.U64(c.OriginNode)
	w.Pose(c.Pose)
}

func (c NodeBounds) encode(w *protocol.Writer) {
	encodePair(w, c.Entered, c.Left)
}

func (c UpdateNodeMovement) encode(w *protocol.Writer) {
	w.U64(uint64(len(c.Updates)))
	for _, u := range c.Updates {
		w.I64(u.TimestampUs)
		w.U64(u.NodeID)
		w.Vec3(u.Position)
		w.Quat(u.Rotation)
		w.Vec3(u.Velocity)
		w.Vec3(u.AngularAxis)
		w.F32(u.AngularSpeed)
	}
}

func (c UpdateNodeAnimation) encode(w *protocol.Writer) {
	w.I64(c.TimestampUs)
	w.U64(c.NodeID)
	w.U64(c.AnimationID)
	w.F32(c.Speed)
}

// movementUpdateSize is the encoded size of one MovementUpdate.
const movementUpdateSize = 8 + 8 + 12 + 16 + 12 + 12 + 4

// EncodeCommand serialises c behind its discriminant.
func EncodeCommand(c Command) []byte {
	w := protocol.NewWriter(64)
	w.U8(uint8(c.Type()))
	c.encode(w)
	return w.Bytes()
}

// DecodeCommand parses one control payload. Unknown discriminants and
// malformed bodies are reported, never guessed at.
func DecodeCommand(b []byte) (Command, error) {
	r := protocol.NewReader(b)
	t := CommandType(r.U8())
	var cmd Command
	switch t {
	case CommandShutdown:
		cmd = Shutdown{}
	case CommandSetup:
		cmd = Setup{
			ServerID:          r.U64(),
			ServicePort:       r.U16(),
			StreamingPort:     r.U16(),
			HTTPPort:          r.U16(),
			DebugStream:       r.U32(),
			DoChecksums:       r.Bool(),
			RequiredLatencyMs: r.U32(),
			IdleTimeoutMs:     r.U32(),
			AudioEnabled:      r.Bool(),
			ControlModel:      ControlModel(r.U8()),
			Video:             decodeVideoConfig(r),
			StartTimestampUs:  r.I64(),
		}
	case CommandAcknowledgeHandshake:
		cmd = AcknowledgeHandshake{VisibleNodes: r.IDs()}
	case CommandReconfigureVideo:
		cmd = ReconfigureVideo{Video: decodeVideoConfig(r)}
	case CommandSetPosition:
		cmd = SetPosition{ValidCounter: r.U64(), OriginNode: r.U64(), Pose: r.Pose()}
	case CommandNodeBounds:
		entered, left, err := decodePair(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCommand, t, err)
		}
		cmd = NodeBounds{Entered: entered, Left: left}
	case CommandUpdateNodeMovement:
		n := r.Count(movementUpdateSize)
		updates := make([]MovementUpdate, 0, n)
		for i := 0; i < n; i++ {
			updates = append(updates, MovementUpdate{
				TimestampUs:  r.I64(),
				NodeID:       r.U64(),
				Position:     r.Vec3(),
				Rotation:     r.Quat(),
				Velocity:     r.Vec3(),
				AngularAxis:  r.Vec3(),
				AngularSpeed: r.F32(),
			})
		}
		cmd = UpdateNodeMovement{Updates: updates}
	case CommandUpdateNodeAnimation:
		cmd = UpdateNodeAnimation{
			TimestampUs: r.I64(),
			NodeID:      r.U64(),
			AnimationID: r.U64(),
			Speed:       r.F32(),
		}
	default:
		if r.Err() != nil {
			return nil, fmt.Errorf("%w: empty payload", ErrInvalidCommand)
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownType, t)
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCommand, t, err)
	}
	return cmd, nil
}
