package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsPath         = "/stream"
	wsWriteTimeout = 5 * time.Second
)

type wsWire struct {
	ws     *websocket.Conn
	limits frame.Limits
}

func (w *wsWire) readFrame() (frame.Frame, error) {
	for {
		mt, data, err := w.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return frame.Frame{}, ErrClosed
			}
			return frame.Frame{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return frame.Unmarshal(data, w.limits)
	}
}

func (w *wsWire) writeFrame(f frame.Frame) error {
	b, err := frame.Marshal(f, w.limits)
	if err != nil {
		return err
	}
	_ = w.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsWire) close() error {
	_ = w.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second),
	)
	return w.ws.Close()
}

func (w *wsWire) remoteAddr() string { return w.ws.RemoteAddr().String() }

// DialWebSocket connects to a WebSocketListener at addr (host:port).
func DialWebSocket(ctx context.Context, addr string, limits frame.Limits) (Conn, error) {
	url := fmt.Sprintf("ws://%s%s", addr, wsPath)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	ws.SetReadLimit(int64(limits.MaxPayloadBytes) + int64(frame.FixedHeaderLen))
	return newQueuedConn(&wsWire{ws: ws, limits: limits}, KindWebSocket), nil
}

// WebSocketListener upgrades HTTP requests on /stream into Conns.
type WebSocketListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	limits   frame.Limits
	accepted chan Conn
	done     chan struct{}
}

func ListenWebSocket(addr string, limits frame.Limits) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	l := &WebSocketListener{
		ln:     ln,
		limits: limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		accepted: make(chan Conn, 16),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.handle)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("transport.WebSocketListener serve failed")
		}
	}()
	return l, nil
}

func (l *WebSocketListener) handle(rw http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(int64(l.limits.MaxPayloadBytes) + int64(frame.FixedHeaderLen))
	conn := newQueuedConn(&wsWire{ws: ws, limits: l.limits}, KindWebSocket)
	select {
	case l.accepted <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() string { return l.ln.Addr().String() }

func (l *WebSocketListener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return l.srv.Shutdown(ctx)
}
