package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x5343534E
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32

	// FlagOpen marks a stream-open frame that carries no payload.
	FlagOpen uint32 = 0x01
	// FlagKeyframe marks video payloads that start a decodable group.
	FlagKeyframe uint32 = 0x02
)

// StreamID selects the per-stream queue a payload is demultiplexed into.
type StreamID uint32

const (
	StreamControl   StreamID = 0
	StreamGeometry  StreamID = 1
	StreamVideo     StreamID = 2
	StreamAudio     StreamID = 3
	StreamVideoTags StreamID = 4
	StreamHTTP      StreamID = 5
)

func (s StreamID) String() string {
	switch s {
	case StreamControl:
		return "control"
	case StreamGeometry:
		return "geometry"
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamVideoTags:
		return "video-tags"
	case StreamHTTP:
		return "http"
	default:
		return fmt.Sprintf("stream-%d", uint32(s))
	}
}

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrInvalidMagic      = errors.New("frame: invalid magic")
	ErrUnsupportedVer    = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrPayloadMismatch   = errors.New("frame: payload length mismatch")
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	Sequence   uint64
	StreamID   StreamID
	Flags      uint32
	PayloadLen uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// New builds a frame for stream with the given payload.
func New(stream StreamID, seq uint64, payload []byte) Frame {
	return Frame{
		Header:  Header{Magic: Magic, Version: Version, Sequence: seq, StreamID: stream},
		Payload: payload,
	}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

func (l Limits) check(h Header) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVer, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return ErrHeaderLenTooSmall
	}
	if h.PayloadLen > l.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := limits.check(h); err != nil {
		return Frame{}, err
	}

	// header extension bytes are reserved and skipped
	if ext := int64(h.HeaderLen - FixedHeaderLen); ext > 0 {
		if _, err := io.CopyN(io.Discard, r, ext); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes f into one buffer for message-oriented transports.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(FixedHeaderLen) + len(f.Payload))
	if err := WriteFrame(&buf, f, limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one frame from b.
func Unmarshal(b []byte, limits Limits) (Frame, error) {
	if len(b) < int(FixedHeaderLen) {
		return Frame{}, ErrShortHeader
	}
	r := bytes.NewReader(b)
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Frame{}, err
	}
	if r.Len() != 0 {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrPayloadMismatch, r.Len())
	}
	return f, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.StreamID))
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(b[6:8]),
		Sequence:   binary.BigEndian.Uint64(b[8:16]),
		StreamID:   StreamID(binary.BigEndian.Uint32(b[16:20])),
		Flags:      binary.BigEndian.Uint32(b[20:24]),
		PayloadLen: binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
