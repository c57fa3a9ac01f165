package protocol

import "errors"

var (
	ErrTruncated     = errors.New("protocol: truncated data")
	ErrInvalidLength = errors.New("protocol: invalid length")
	ErrUnknownType   = errors.New("protocol: unknown payload type")
	ErrTrailingBytes = errors.New("protocol: trailing bytes")
)
