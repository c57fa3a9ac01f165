package session

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
)

func TestCommandRoundTrip(t *testing.T) {
	testlog.Start(t)
	cmds := []Command{
		Shutdown{},
		Setup{
			ServerID:          0xABCDEF,
			ServicePort:       10500,
			StreamingPort:     10501,
			HTTPPort:          10580,
			RequiredLatencyMs: 30,
			IdleTimeoutMs:     5000,
			AudioEnabled:      true,
			ControlModel:      ControlServerOriginClientLocal,
			Video:             VideoConfig{Codec: CodecHEVC, Width: 1920, Height: 1080, Projection: ProjectionCubemap, Use10Bit: true},
			StartTimestampUs:  -12,
		},
		AcknowledgeHandshake{VisibleNodes: []uint64{5, 6}},
		ReconfigureVideo{Video: VideoConfig{Codec: CodecH264, Use444: true, UseAlphaLayer: true}},
		SetPosition{ValidCounter: 3, OriginNode: 8, Pose: protocol.Pose{Orientation: protocol.IdentityQuat, Position: protocol.Vec3{X: 1}}},
		NodeBounds{Entered: []uint64{1, 2}, Left: []uint64{3}},
		UpdateNodeMovement{Updates: []MovementUpdate{{TimestampUs: 9, NodeID: 4, AngularSpeed: 0.5}}},
		UpdateNodeAnimation{TimestampUs: 1, NodeID: 2, AnimationID: 3, Speed: 1.25},
	}
	for _, in := range cmds {
		out, err := DecodeCommand(EncodeCommand(in))
		if err != nil {
			t.Fatalf("decode %s: %v", in.Type(), err)
		}
		if !reflect.DeepEqual(normalizeCommand(in), normalizeCommand(out)) {
			t.Fatalf("%s mismatch: in=%+v out=%+v", in.Type(), in, out)
		}
	}
}

// normalizeCommand maps empty id slices to nil so DeepEqual ignores allocation.
func normalizeCommand(c Command) Command {
	if nb, ok := c.(NodeBounds); ok {
		if len(nb.Entered) == 0 {
			nb.Entered = nil
		}
		if len(nb.Left) == 0 {
			nb.Left = nil
		}
		return nb
	}
	return c
}

func TestMessageRoundTrip(t *testing.T) {
	testlog.Start(t)
	msgs := []Message{
		Handshake{ClientID: 7, Display: DisplayInfo{Width: 800, Height: 600}, FOV: 90, IsVR: true, ResourceIDs: []uint64{10, 11}},
		DisplayInfo{Width: 1, Height: 2},
		HeadPose{TimestampUs: 44, Pose: protocol.Pose{Orientation: protocol.IdentityQuat}},
		ControllerPoses{Poses: []ControllerPose{{Index: 0}, {Index: 1}}},
		InputState{ControllerID: 1, Buttons: 0x3, Trigger: 0.5, Joystick: protocol.Vec2{X: -1}},
		ResourceRequest{IDs: []uint64{9}},
		ReceivedResources{Received: []uint64{1, 2}, Lost: []uint64{3}},
		NodeStatus{Drawn: []uint64{4}, Released: []uint64{5, 6}},
		KeyframeRequest{},
	}
	for _, in := range msgs {
		out, err := DecodeMessage(EncodeMessage(in))
		if err != nil {
			t.Fatalf("decode %s: %v", in.Type(), err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%s mismatch: in=%+v out=%+v", in.Type(), in, out)
		}
	}
}

func TestResourceRequestWireLayout(t *testing.T) {
	testlog.Start(t)
	b := EncodeMessage(ResourceRequest{IDs: []uint64{3, 4}})
	if len(b) != 1+8+16 {
		t.Fatalf("unexpected length %d", len(b))
	}
	if b[0] != byte(MessageResourceRequest) || b[1] != 2 {
		t.Fatalf("unexpected header bytes %v", b[:2])
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeCommand([]byte{0xEE}); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := DecodeCommand(nil); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for empty payload, got %v", err)
	}

	b := EncodeMessage(NodeStatus{Drawn: []uint64{1, 2}})
	if _, err := DecodeMessage(b[:len(b)-3]); !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}

	b = EncodeCommand(SetPosition{ValidCounter: 1})
	if _, err := DecodeCommand(append(b, 0)); !errors.Is(err, protocol.ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestDiscoveryPackets(t *testing.T) {
	testlog.Start(t)
	id, err := DecodeDiscoveryRequest(EncodeDiscoveryRequest(42))
	if err != nil || id != 42 {
		t.Fatalf("request round trip: id=%d err=%v", id, err)
	}
	reply, err := DecodeDiscoveryReply(EncodeDiscoveryReply(DiscoveryReply{ClientID: 42, ServicePort: 10500}))
	if err != nil || reply.ServicePort != 10500 || reply.ClientID != 42 {
		t.Fatalf("reply round trip: %+v err=%v", reply, err)
	}
	if _, err := DecodeDiscoveryReply([]byte{1, 2, 3}); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestRequestOutboxRetryTiming(t *testing.T) {
	testlog.Start(t)
	o := NewRequestOutbox(10 * time.Second)
	t0 := time.Unix(1000, 0)

	if fresh := o.Add([]uint64{7, 8}, t0); len(fresh) != 2 {
		t.Fatalf("expected two fresh ids, got %v", fresh)
	}
	if fresh := o.Add([]uint64{7}, t0.Add(time.Second)); len(fresh) != 0 {
		t.Fatalf("pending id must not be re-added: %v", fresh)
	}
	if due := o.Due(t0.Add(9 * time.Second)); len(due) != 0 {
		t.Fatalf("nothing due before timeout: %v", due)
	}

	o.Acknowledge([]uint64{8})
	due := o.Due(t0.Add(10 * time.Second))
	if !reflect.DeepEqual(due, []uint64{7}) {
		t.Fatalf("expected [7] due once, got %v", due)
	}
	if again := o.Due(t0.Add(11 * time.Second)); len(again) != 0 {
		t.Fatalf("rearmed id must not repeat before next timeout: %v", again)
	}
	item, ok := o.Get(7)
	if !ok || item.Attempts != 2 {
		t.Fatalf("expected second attempt, got %+v", item)
	}

	o.Acknowledge([]uint64{7})
	if due := o.Due(t0.Add(time.Hour)); len(due) != 0 {
		t.Fatalf("acknowledged ids must never be due again: %v", due)
	}
	if o.Len() != 0 {
		t.Fatalf("outbox not empty")
	}
}

func TestRequestOutboxList(t *testing.T) {
	testlog.Start(t)
	o := NewRequestOutbox(0)
	o.Add([]uint64{9, 2, 5}, time.Now())
	list := o.List()
	if len(list) != 3 || list[0].ID != 2 || list[2].ID != 9 {
		t.Fatalf("unexpected order: %+v", list)
	}
	o.Reset()
	if o.Pending(2) {
		t.Fatalf("reset must clear pending ids")
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got != 250*time.Millisecond {
		t.Fatalf("first attempt must use initial delay: %v", got)
	}
	got = NextBackoffDelay(cfg, 3, rng)
	if got < 500*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
	cfg.Jitter = false
	if got := NextBackoffDelay(cfg, 10, nil); got != 5*time.Second {
		t.Fatalf("expected cap at max delay, got %v", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RequestTimeout: time.Second}.WithDefaults()
	if cfg.RequestTimeout != time.Second || cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateClientTransportProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportRequiresCertFiles(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	if _, err := cfg.ServerTLS(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("ServerTLS must validate first, got %v", err)
	}
}
