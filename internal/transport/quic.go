package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/quic-go/quic-go"
)

const (
	quicOpenTimeout = 5 * time.Second
	quicCodeNormal  = quic.ApplicationErrorCode(0)
)

// quicWire carries every frame on one bidirectional stream so ordering
// matches the websocket transport.
type quicWire struct {
	conn   *quic.Conn
	stream *quic.Stream
	limits frame.Limits
}

func (w *quicWire) readFrame() (frame.Frame, error) {
	for {
		f, err := frame.ReadFrame(w.stream, w.limits)
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) && appErr.ErrorCode == quicCodeNormal {
				return frame.Frame{}, ErrClosed
			}
			return frame.Frame{}, err
		}
		if f.Header.Flags&frame.FlagOpen != 0 {
			continue
		}
		return f, nil
	}
}

func (w *quicWire) writeFrame(f frame.Frame) error {
	return frame.WriteFrame(w.stream, f, w.limits)
}

func (w *quicWire) close() error {
	_ = w.stream.Close()
	return w.conn.CloseWithError(quicCodeNormal, "bye")
}

func (w *quicWire) remoteAddr() string { return w.conn.RemoteAddr().String() }

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// DialQUIC opens a QUIC connection and its single stream. The open frame
// makes the stream visible to the peer's AcceptStream.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, limits frame.Limits) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial quic %s: %w", addr, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(quicCodeNormal, "open stream failed")
		return nil, fmt.Errorf("transport: open quic stream: %w", err)
	}
	open := frame.New(frame.StreamControl, 0, nil)
	open.Header.Flags = frame.FlagOpen
	if err := frame.WriteFrame(stream, open, limits); err != nil {
		_ = qc.CloseWithError(quicCodeNormal, "open frame failed")
		return nil, fmt.Errorf("transport: write open frame: %w", err)
	}
	return newQueuedConn(&quicWire{conn: qc, stream: stream, limits: limits}, KindQUIC), nil
}

type QUICListener struct {
	ln     *quic.Listener
	limits frame.Limits
}

func ListenQUIC(addr string, tlsConf *tls.Config, limits frame.Limits) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen quic %s: %w", addr, err)
	}
	return &QUICListener{ln: ln, limits: limits}, nil
}

// Accept waits for a connection whose peer has opened its stream.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	for {
		qc, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		conn, err := l.open(ctx, qc)
		if err != nil {
			_ = qc.CloseWithError(quicCodeNormal, "stream open failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return conn, nil
	}
}

func (l *QUICListener) open(ctx context.Context, qc *quic.Conn) (Conn, error) {
	openCtx, cancel := context.WithTimeout(ctx, quicOpenTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(openCtx)
	if err != nil {
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Now().Add(quicOpenTimeout))
	f, err := frame.ReadFrame(stream, l.limits)
	if err != nil {
		return nil, err
	}
	if f.Header.Flags&frame.FlagOpen == 0 {
		return nil, fmt.Errorf("transport: first quic frame is not an open frame")
	}
	_ = stream.SetReadDeadline(time.Time{})
	return newQueuedConn(&quicWire{conn: qc, stream: stream, limits: l.limits}, KindQUIC), nil
}

func (l *QUICListener) Addr() string { return l.ln.Addr().String() }

func (l *QUICListener) Close() error { return l.ln.Close() }
