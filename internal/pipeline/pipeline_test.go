package pipeline

import (
	"errors"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/danmuck/scenecast/internal/transport"
)

func newQueue(t *testing.T, name string, maxElems int, policy Policy) *Queue {
	t.Helper()
	q := NewQueue(name)
	if err := q.Configure(QueueConfig{Name: name, MaxBufferSize: 64, MaxElements: maxElems, Policy: policy}); err != nil {
		t.Fatalf("configure %s: %v", name, err)
	}
	return q
}

func TestQueueBackpressureAndLimits(t *testing.T) {
	testlog.Start(t)
	q := newQueue(t, "q", 2, Backpressure)
	if _, err := q.Pop(); !iox.IsWouldBlock(err) {
		t.Fatalf("expected would-block on empty queue, got %v", err)
	}
	if err := q.Push(make([]byte, 65)); !errors.Is(err, ErrBufferTooLarge) {
		t.Fatalf("expected ErrBufferTooLarge, got %v", err)
	}
	for i := byte(0); i < 2; i++ {
		if err := q.Push([]byte{i}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := q.Push([]byte{9}); !iox.IsWouldBlock(err) {
		t.Fatalf("expected would-block on full queue, got %v", err)
	}
	if q.Len() != 2 || q.Bytes() != 2 || !q.Full() {
		t.Fatalf("unexpected queue state len=%d bytes=%d", q.Len(), q.Bytes())
	}
	b, err := q.Pop()
	if err != nil || b[0] != 0 {
		t.Fatalf("expected FIFO head 0, got %v %v", b, err)
	}
}

func TestQueueDropOldest(t *testing.T) {
	testlog.Start(t)
	q := newQueue(t, "video", 2, DropOldest)
	for i := byte(0); i < 4; i++ {
		if err := q.Push([]byte{i}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if q.Drops() != 2 {
		t.Fatalf("expected 2 drops, got %d", q.Drops())
	}
	for _, want := range []byte{2, 3} {
		b, err := q.Pop()
		if err != nil || b[0] != want {
			t.Fatalf("expected %d, got %v %v", want, b, err)
		}
	}
}

func TestQueueConfigureRejectsBadLimits(t *testing.T) {
	testlog.Start(t)
	q := NewQueue("bad")
	if err := q.Configure(QueueConfig{MaxBufferSize: 0, MaxElements: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if err := q.Configure(QueueConfig{MaxBufferSize: 1, MaxElements: queueSlots + 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if err := q.Push([]byte{1}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

type recordingDecoder struct {
	chunks [][]byte
	fail   bool
}

func (d *recordingDecoder) DecodeChunk(chunk []byte) error {
	d.chunks = append(d.chunks, chunk)
	if d.fail {
		return errors.New("bad chunk")
	}
	return nil
}

func TestPipelineDemuxesStreamsWithBackpressure(t *testing.T) {
	testlog.Start(t)
	server, client := transport.Pipe()
	defer server.Close()

	geometry := newQueue(t, "geometry", 1, Backpressure)
	control := newQueue(t, "control", 8, Backpressure)
	src := NewNetworkSource("source")
	if err := src.Configure(client, map[frame.StreamID]*Queue{
		frame.StreamGeometry: geometry,
		frame.StreamControl:  control,
	}); err != nil {
		t.Fatalf("configure source: %v", err)
	}

	var got [][]byte
	tgt := NewTarget("control-target")
	if err := tgt.Configure(control, func(p []byte) error {
		got = append(got, p)
		return nil
	}); err != nil {
		t.Fatalf("configure target: %v", err)
	}

	p := New("client")
	p.Add(tgt, control, geometry, src)
	if err := p.Link(src, geometry); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := p.Link(src, control); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := p.Link(control, tgt); err != nil {
		t.Fatalf("link: %v", err)
	}
	if p.Nodes()[0] != Node(src) {
		t.Fatalf("source must be processed first, got %s", p.Nodes()[0].Name())
	}

	for i := byte(0); i < 2; i++ {
		if err := server.Send(frame.New(frame.StreamGeometry, 0, []byte{i})); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := server.Send(frame.New(frame.StreamControl, 0, []byte{7})); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := p.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	// geometry queue holds one chunk; the second is held in the source and
	// the control frame behind it has not been read yet.
	if geometry.Len() != 1 || len(got) != 0 {
		t.Fatalf("expected backpressure, geometry=%d control=%d", geometry.Len(), len(got))
	}
	if _, err := geometry.Pop(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := p.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if geometry.Len() != 1 || len(got) != 1 || got[0][0] != 7 {
		t.Fatalf("expected held frame delivered, geometry=%d control=%v", geometry.Len(), got)
	}
	b, _ := geometry.Pop()
	if b[0] != 1 {
		t.Fatalf("expected second geometry chunk, got %v", b)
	}
}

func TestPipelineDisconnectionIsTerminal(t *testing.T) {
	testlog.Start(t)
	server, client := transport.Pipe()
	q := newQueue(t, "control", 4, Backpressure)
	src := NewNetworkSource("source")
	if err := src.Configure(client, map[frame.StreamID]*Queue{frame.StreamControl: q}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	p := New("client")
	p.Add(src, q)
	if err := p.Link(src, q); err != nil {
		t.Fatalf("link: %v", err)
	}
	_ = server.Close()
	err := p.Process()
	if !IsDisconnection(err) {
		t.Fatalf("expected disconnection, got %v", err)
	}
	if err := p.Deconfigure(); err != nil {
		t.Fatalf("deconfigure: %v", err)
	}
	if q.Configured() || p.Len() != 0 {
		t.Fatalf("deconfigure must release queues and nodes")
	}
}

func TestPipelineDecodeErrorsDoNotStopTick(t *testing.T) {
	testlog.Start(t)
	q := newQueue(t, "geometry", 4, Backpressure)
	dec := &recordingDecoder{fail: true}
	var failures int
	node := NewGeometryDecoderNode("decoder")
	if err := node.Configure(q, dec, func(error) { failures++ }); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_ = q.Push([]byte{1})
	_ = q.Push([]byte{2})
	p := New("decode")
	p.Add(q, node)
	if err := p.Link(q, node); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := p.Process(); err != nil {
		t.Fatalf("decode errors must not surface from the node: %v", err)
	}
	chunks, failed := node.Stats()
	if chunks != 2 || failed != 2 || failures != 2 || len(dec.chunks) != 2 {
		t.Fatalf("expected both chunks attempted, chunks=%d failed=%d", chunks, failed)
	}
}

func TestPipelineLinkRejectsCycles(t *testing.T) {
	testlog.Start(t)
	a := newQueue(t, "a", 1, Backpressure)
	b := newQueue(t, "b", 1, Backpressure)
	p := New("cycle")
	p.Add(a, b)
	if err := p.Link(a, b); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := p.Link(b, a); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if err := p.Link(a, newQueue(t, "c", 1, Backpressure)); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestSinkHoldsFrameOnBackpressureAndTargetRetries(t *testing.T) {
	testlog.Start(t)
	server, client := transport.Pipe()
	defer server.Close()
	out := newQueue(t, "out", 4, Backpressure)
	sink := NewNetworkSink("sink")
	if err := sink.Configure(server, map[frame.StreamID]*Queue{frame.StreamControl: out}); err != nil {
		t.Fatalf("configure sink: %v", err)
	}
	_ = out.Push([]byte{1})
	_ = out.Push([]byte{2})
	if err := sink.Process(); err != nil {
		t.Fatalf("sink: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("sink must drain its inputs, %d left", out.Len())
	}

	in := newQueue(t, "in", 4, Backpressure)
	src := NewNetworkSource("source")
	if err := src.Configure(client, map[frame.StreamID]*Queue{frame.StreamControl: in}); err != nil {
		t.Fatalf("configure source: %v", err)
	}
	if err := src.Process(); err != nil {
		t.Fatalf("source: %v", err)
	}
	busy := true
	var seen []byte
	tgt := NewTarget("target")
	_ = tgt.Configure(in, func(p []byte) error {
		if busy {
			busy = false
			return iox.ErrWouldBlock
		}
		seen = append(seen, p[0])
		return nil
	})
	_ = tgt.Process()
	if len(seen) != 0 {
		t.Fatalf("busy consumer must not see payloads yet")
	}
	_ = tgt.Process()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected held payload retried in order, got %v", seen)
	}
}
