package pipeline

import "errors"

var (
	// ErrNetworkDisconnection is terminal: the owner must deconfigure the
	// pipeline and reset the session.
	ErrNetworkDisconnection = errors.New("pipeline: network disconnection")
	ErrNotConfigured        = errors.New("pipeline: node not configured")
	ErrInvalidConfig        = errors.New("pipeline: invalid node configuration")
	ErrBufferTooLarge       = errors.New("pipeline: buffer exceeds queue max buffer size")
	ErrUnknownNode          = errors.New("pipeline: node not added")
	ErrCycle                = errors.New("pipeline: link creates a cycle")
)

// IsDisconnection reports whether err ends the session.
func IsDisconnection(err error) bool {
	return errors.Is(err, ErrNetworkDisconnection)
}
