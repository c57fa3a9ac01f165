package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/scenecast/internal/protocol"
)

var ErrInvalidMessage = errors.New("session: invalid client message")

// MessageType is the one-byte discriminant of a client->server message.
type MessageType uint8

const (
	MessageInvalid MessageType = iota
	MessageHandshake
	MessageDisplayInfo
	MessageHeadPose
	MessageControllerPoses
	MessageInputState
	MessageResourceRequest
	MessageReceivedResources
	MessageNodeStatus
	MessageKeyframeRequest
)

func (t MessageType) String() string {
	switch t {
	case MessageHandshake:
		return "handshake"
	case MessageDisplayInfo:
		return "display-info"
	case MessageHeadPose:
		return "head-pose"
	case MessageControllerPoses:
		return "controller-poses"
	case MessageInputState:
		return "input-state"
	case MessageResourceRequest:
		return "resource-request"
	case MessageReceivedResources:
		return "received-resources"
	case MessageNodeStatus:
		return "node-status"
	case MessageKeyframeRequest:
		return "keyframe-request"
	default:
		return fmt.Sprintf("message-%d", uint8(t))
	}
}

// Message is one client->server control payload.
type Message interface {
	Type() MessageType
	encode(w *protocol.Writer)
}

type DisplayInfo struct {
	Width  uint32
	Height uint32
}

// Handshake answers Setup. ResourceIDs is only non-empty when the client
// reconnects to the server it last streamed from.
type Handshake struct {
	ClientID         uint32
	Display          DisplayInfo
	MetresPerUnit    float32
	FOV              float32
	MaxBandwidthKbps uint32
	Framerate        uint32
	IsVR             bool
	ResourceIDs      []uint64
}

type HeadPose struct {
	TimestampUs int64
	Pose        protocol.Pose
}

type ControllerPose struct {
	Index uint16
	Pose  protocol.Pose
}

type ControllerPoses struct {
	Poses []ControllerPose
}

type InputState struct {
	ControllerID uint32
	Buttons      uint32
	Trigger      float32
	Grip         float32
	Joystick     protocol.Vec2
}

type ResourceRequest struct {
	IDs []uint64
}

type ReceivedResources struct {
	Received []uint64
	Lost     []uint64
}

// NodeStatus acknowledges node bounds: Drawn are entered nodes the client
// now shows, Released are left nodes it dropped.
type NodeStatus struct {
	Drawn    []uint64
	Released []uint64
}

type KeyframeRequest struct{}

func (Handshake) Type() MessageType         { return MessageHandshake }
func (DisplayInfo) Type() MessageType       { return MessageDisplayInfo }
func (HeadPose) Type() MessageType          { return MessageHeadPose }
func (ControllerPoses) Type() MessageType   { return MessageControllerPoses }
func (InputState) Type() MessageType        { return MessageInputState }
func (ResourceRequest) Type() MessageType   { return MessageResourceRequest }
func (ReceivedResources) Type() MessageType { return MessageReceivedResources }
func (NodeStatus) Type() MessageType        { return MessageNodeStatus }
func (KeyframeRequest) Type() MessageType   { return MessageKeyframeRequest }

func (m Handshake) encode(w *protocol.Writer) {
	w.U32(m.ClientID)
	m.Display.encode(w)
	w.F32(m.MetresPerUnit)
	w.F32(m.FOV)
	w.U32(m.MaxBandwidthKbps)
	w.U32(m.Framerate)
	w.Bool(m.IsVR)
	w.IDs(m.ResourceIDs)
}

func (m DisplayInfo) encode(w *protocol.Writer) {
	w.U32(m.Width)
	w.U32(m.Height)
}

func (m HeadPose) encode(w *protocol.Writer) {
	w.I64(m.TimestampUs)
	w.Pose(m.Pose)
}

func (m ControllerPoses) encode(w *protocol.Writer) {
	w.U16(uint16(len(m.Poses)))
	for _, p := range m.Poses {
		w.U16(p.Index)
		w.Pose(p.Pose)
	}
}

func (m InputState) encode(w *protocol.Writer) {
	w.U32(m.ControllerID)
	w.U32(m.Buttons)
	w.F32(m.Trigger)
	w.F32(m.Grip)
	w.Vec2(m.Joystick)
}

func (m ResourceRequest) encode(w *protocol.Writer) {
	w.IDs(m.IDs)
}

func (m ReceivedResources) encode(w *protocol.Writer) {
	encodePair(w, m.Received, m.Lost)
}

func (m NodeStatus) encode(w *protocol.Writer) {
	encodePair(w, m.Drawn, m.Released)
}

func (KeyframeRequest) encode(*protocol.Writer) {}

func encodePair(w *protocol.Writer, a, b []uint64) {
	w.U64(uint64(len(a)))
	w.U64(uint64(len(b)))
	w.IDList(a)
	w.IDList(b)
}

func decodePair(r *protocol.Reader) ([]uint64, []uint64, error) {
	na := r.U64()
	nb := r.U64()
	if err := r.Err(); err != nil {
		return nil, nil, err
	}
	if na+nb < na || na+nb > uint64(r.Remaining()/8) {
		return nil, nil, fmt.Errorf("%w: id counts %d+%d exceed payload", protocol.ErrTruncated, na, nb)
	}
	return r.IDList(int(na)), r.IDList(int(nb)), r.Err()
}

// poseSize is the encoded size of a protocol.Pose.
const poseSize = 16 + 12

func EncodeMessage(m Message) []byte {
	w := protocol.NewWriter(64)
	w.U8(uint8(m.Type()))
	m.encode(w)
	return w.Bytes()
}

func DecodeMessage(b []byte) (Message, error) {
	r := protocol.NewReader(b)
	t := MessageType(r.U8())
	var msg Message
	switch t {
	case MessageHandshake:
		msg = Handshake{
			ClientID:         r.U32(),
			Display:          DisplayInfo{Width: r.U32(), Height: r.U32()},
			MetresPerUnit:    r.F32(),
			FOV:              r.F32(),
			MaxBandwidthKbps: r.U32(),
			Framerate:        r.U32(),
			IsVR:             r.Bool(),
			ResourceIDs:      r.IDs(),
		}
	case MessageDisplayInfo:
		msg = DisplayInfo{Width: r.U32(), Height: r.U32()}
	case MessageHeadPose:
		msg = HeadPose{TimestampUs: r.I64(), Pose: r.Pose()}
	case MessageControllerPoses:
		n := int(r.U16())
		if err := r.Need(n * (2 + poseSize)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidMessage, t, err)
		}
		poses := make([]ControllerPose, 0, n)
		for i := 0; i < n; i++ {
			poses = append(poses, ControllerPose{Index: r.U16(), Pose: r.Pose()})
		}
		msg = ControllerPoses{Poses: poses}
	case MessageInputState:
		msg = InputState{
			ControllerID: r.U32(),
			Buttons:      r.U32(),
			Trigger:      r.F32(),
			Grip:         r.F32(),
			Joystick:     r.Vec2(),
		}
	case MessageResourceRequest:
		msg = ResourceRequest{IDs: r.IDs()}
	case MessageReceivedResources:
		received, lost, err := decodePair(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidMessage, t, err)
		}
		msg = ReceivedResources{Received: received, Lost: lost}
	case MessageNodeStatus:
		drawn, released, err := decodePair(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidMessage, t, err)
		}
		msg = NodeStatus{Drawn: drawn, Released: released}
	case MessageKeyframeRequest:
		msg = KeyframeRequest{}
	default:
		if r.Err() != nil {
			return nil, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownType, t)
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidMessage, t, err)
	}
	return msg, nil
}
