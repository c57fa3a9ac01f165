package geometry

import "errors"

var (
	// ErrInvalidPayload covers unknown payload types and records whose
	// cross references do not resolve inside the record.
	ErrInvalidPayload = errors.New("geometry: invalid payload")
	// ErrInvalidBufferSize is returned when a declared length runs past the input.
	ErrInvalidBufferSize = errors.New("geometry: invalid buffer size")
	// ErrIncomplete marks payload kinds that have no decoder.
	ErrIncomplete = errors.New("geometry: payload kind not implemented")
	// ErrClientRendererError wraps failures reported by a Store or MeshTarget.
	ErrClientRendererError = errors.New("geometry: client renderer error")
)

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidBufferSize):
		return "invalid_buffer_size"
	case errors.Is(err, ErrIncomplete):
		return "incomplete"
	case errors.Is(err, ErrClientRendererError):
		return "renderer"
	default:
		return "invalid_payload"
	}
}
