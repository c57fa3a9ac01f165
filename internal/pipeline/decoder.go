package pipeline

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ChunkDecoder parses one geometry chunk.
type ChunkDecoder interface {
	DecodeChunk(chunk []byte) error
}

// GeometryDecoderNode feeds geometry chunks to a decoder. A chunk that
// fails to decode is logged and skipped; the stream continues.
type GeometryDecoderNode struct {
	name    string
	input   *Queue
	decoder ChunkDecoder
	chunks  uint64
	errors  uint64
	onError func(error)
}

func NewGeometryDecoderNode(name string) *GeometryDecoderNode {
	return &GeometryDecoderNode{name: name}
}

// Configure binds the node. onError may be nil.
func (n *GeometryDecoderNode) Configure(input *Queue, decoder ChunkDecoder, onError func(error)) error {
	if input == nil || decoder == nil {
		return fmt.Errorf("%w: %s: input and decoder are required", ErrInvalidConfig, n.name)
	}
	n.input = input
	n.decoder = decoder
	n.onError = onError
	return nil
}

func (n *GeometryDecoderNode) Name() string { return n.name }

func (n *GeometryDecoderNode) Process() error {
	if n.input == nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, n.name)
	}
	for {
		chunk, err := n.input.Pop()
		if err != nil {
			return nil
		}
		n.chunks++
		if err := n.decoder.DecodeChunk(chunk); err != nil {
			n.errors++
			log.Warn().Err(err).Str("node", n.name).Int("bytes", len(chunk)).Msg("geometry chunk rejected")
			if n.onError != nil {
				n.onError(err)
			}
		}
	}
}

// Stats returns the number of chunks seen and how many failed.
func (n *GeometryDecoderNode) Stats() (chunks, failed uint64) {
	return n.chunks, n.errors
}

func (n *GeometryDecoderNode) Deconfigure() error {
	n.input = nil
	n.decoder = nil
	n.onError = nil
	return nil
}
