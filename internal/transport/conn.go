// Package transport moves frames between peers. Every Conn is polled
// without blocking from the tick goroutine; a background reader and writer
// per connection do the blocking I/O.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/scenecast/internal/protocol/frame"
)

var (
	ErrClosed      = errors.New("transport: connection closed")
	ErrUnknownKind = errors.New("transport: unknown kind")
)

// Conn is one peer connection.
//
// Send and Poll never block: both return iox.ErrWouldBlock when the
// outbound ring is full or no inbound frame is ready. Send must be called
// from a single goroutine, as must Poll.
type Conn interface {
	Send(f frame.Frame) error
	Poll() (frame.Frame, error)
	Close() error
	RemoteAddr() string
	// Err is the cause of an unexpected close, or nil.
	Err() error
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindWebSocket Kind = "ws"
	KindQUIC      Kind = "quic"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindWebSocket, "":
		return KindWebSocket, nil
	case KindQUIC:
		return KindQUIC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}
