// Package protocol owns the binary primitives shared by every wire format.
//
// Ownership boundary:
// - little-endian cursor codec (Writer, Reader)
// - math value types carried on the wire
// - frame header and control-channel wire live in subpackages
package protocol
