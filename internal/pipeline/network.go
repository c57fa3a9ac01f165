package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"code.hybscloud.com/iox"
	"github.com/danmuck/scenecast/internal/observability"
	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/danmuck/scenecast/internal/transport"
	"github.com/rs/zerolog/log"
)

// NetworkSource polls a connection and demultiplexes payloads by stream id
// into per-stream queues.
type NetworkSource struct {
	name    string
	conn    transport.Conn
	outputs map[frame.StreamID]*Queue
	held    *frame.Frame
}

func NewNetworkSource(name string) *NetworkSource {
	return &NetworkSource{name: name}
}

func (s *NetworkSource) Configure(conn transport.Conn, outputs map[frame.StreamID]*Queue) error {
	if conn == nil {
		return fmt.Errorf("%w: %s: nil connection", ErrInvalidConfig, s.name)
	}
	if len(outputs) == 0 {
		return fmt.Errorf("%w: %s: no output streams", ErrInvalidConfig, s.name)
	}
	for id, q := range outputs {
		if q == nil || !q.Configured() {
			return fmt.Errorf("%w: %s: output %s not configured", ErrInvalidConfig, s.name, id)
		}
	}
	// reconfiguring the same connection keeps a frame still waiting for room
	if s.conn != conn {
		s.held = nil
	}
	s.conn = conn
	s.outputs = outputs
	return nil
}

func (s *NetworkSource) Name() string { return s.name }

// Process drains the connection until it is empty or a stream queue is full.
// A frame that could not be queued is held and retried first next tick.
func (s *NetworkSource) Process() error {
	if s.conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	for {
		if s.held != nil {
			err := s.deliver(*s.held)
			if iox.IsWouldBlock(err) {
				return nil
			}
			s.held = nil
			if err != nil {
				return err
			}
		}
		f, err := s.conn.Poll()
		if err != nil {
			if iox.IsWouldBlock(err) {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("%w: %s: %v", ErrNetworkDisconnection, s.name, s.conn.Err())
			}
			return err
		}
		if f.Header.Flags&frame.FlagOpen != 0 {
			continue
		}
		s.held = &f
	}
}

func (s *NetworkSource) deliver(f frame.Frame) error {
	q, ok := s.outputs[f.Header.StreamID]
	if !ok {
		log.Debug().Str("node", s.name).Stringer("stream", f.Header.StreamID).Msg("dropping frame for unlinked stream")
		return nil
	}
	if err := q.Push(f.Payload); err != nil {
		if errors.Is(err, ErrBufferTooLarge) {
			return fmt.Errorf("%s: stream %s: %w", s.name, f.Header.StreamID, err)
		}
		return err
	}
	observability.RecordNodeBytes(s.name, len(f.Payload))
	return nil
}

func (s *NetworkSource) Deconfigure() error {
	s.conn = nil
	s.outputs = nil
	s.held = nil
	return nil
}

// NetworkSink drains per-stream queues into a connection.
type NetworkSink struct {
	name    string
	conn    transport.Conn
	inputs  map[frame.StreamID]*Queue
	streams []frame.StreamID
	held    *frame.Frame
}

func NewNetworkSink(name string) *NetworkSink {
	return &NetworkSink{name: name}
}

func (s *NetworkSink) Configure(conn transport.Conn, inputs map[frame.StreamID]*Queue) error {
	if conn == nil {
		return fmt.Errorf("%w: %s: nil connection", ErrInvalidConfig, s.name)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("%w: %s: no input streams", ErrInvalidConfig, s.name)
	}
	streams := make([]frame.StreamID, 0, len(inputs))
	for id, q := range inputs {
		if q == nil || !q.Configured() {
			return fmt.Errorf("%w: %s: input %s not configured", ErrInvalidConfig, s.name, id)
		}
		streams = append(streams, id)
	}
	// control first, then geometry, then media
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })
	s.conn = conn
	s.inputs = inputs
	s.streams = streams
	s.held = nil
	return nil
}

func (s *NetworkSink) Name() string { return s.name }

// Process sends until every input is empty or the connection pushes back.
func (s *NetworkSink) Process() error {
	if s.conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	if s.held != nil {
		if done, err := s.send(*s.held); !done {
			return err
		}
		s.held = nil
	}
	for _, id := range s.streams {
		q := s.inputs[id]
		for {
			payload, err := q.Pop()
			if err != nil {
				break
			}
			f := frame.New(id, 0, payload)
			done, err := s.send(f)
			if !done {
				s.held = &f
				return err
			}
		}
	}
	return nil
}

func (s *NetworkSink) send(f frame.Frame) (bool, error) {
	err := s.conn.Send(f)
	switch {
	case err == nil:
		observability.RecordNodeBytes(s.name, len(f.Payload))
		return true, nil
	case iox.IsWouldBlock(err):
		return false, nil
	case errors.Is(err, transport.ErrClosed):
		return false, fmt.Errorf("%w: %s: %v", ErrNetworkDisconnection, s.name, s.conn.Err())
	default:
		return false, err
	}
}

func (s *NetworkSink) Deconfigure() error {
	s.conn = nil
	s.inputs = nil
	s.streams = nil
	s.held = nil
	return nil
}
