package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/scenecast/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := New(StreamGeometry, 42, []byte("chunk"))
	in.Header.Flags = FlagKeyframe

	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.StreamID != StreamGeometry || out.Header.Sequence != 42 || out.Header.Flags != FlagKeyframe {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !bytes.Equal(out.Payload, []byte("chunk")) {
		t.Fatalf("payload mismatch")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	testlog.Start(t)
	b, err := Marshal(New(StreamControl, 1, []byte{9}), DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != int(FixedHeaderLen)+1 {
		t.Fatalf("unexpected length %d", len(b))
	}
	f, err := Unmarshal(b, DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Header.StreamID != StreamControl || f.Payload[0] != 9 {
		t.Fatalf("frame mismatch: %+v", f)
	}
	if _, err := Unmarshal(append(b, 0), DefaultLimits()); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsBadMagicAndVersion(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
	buf = EncodeHeader(Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrUnsupportedVer) {
		t.Fatalf("expected ErrUnsupportedVer, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: 8})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameSkipsHeaderExtension(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen + 4, StreamID: StreamAudio, PayloadLen: 2}
	buf := append(EncodeHeader(h), 0xAA, 0xAA, 0xAA, 0xAA, 7, 8)
	f, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(f.Payload, []byte{7, 8}) {
		t.Fatalf("payload mismatch: %v", f.Payload)
	}
}

func TestPayloadLimits(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	if err := WriteFrame(&bytes.Buffer{}, New(StreamVideo, 0, make([]byte, 5)), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 5})
	if _, err := ReadFrame(bytes.NewReader(buf), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}

func TestStreamIDString(t *testing.T) {
	testlog.Start(t)
	if StreamGeometry.String() != "geometry" || StreamID(77).String() != "stream-77" {
		t.Fatalf("unexpected stream names")
	}
}
