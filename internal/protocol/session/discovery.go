package session

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/scenecast/internal/protocol"
)

const (
	DiscoveryRequestLen = 4
	DiscoveryReplyLen   = 6
)

// DiscoveryReply tells a client which service port to connect to.
type DiscoveryReply struct {
	ClientID    uint32
	ServicePort uint16
}

func EncodeDiscoveryRequest(clientID uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, clientID)
}

func DecodeDiscoveryRequest(b []byte) (uint32, error) {
	if len(b) != DiscoveryRequestLen {
		return 0, fmt.Errorf("%w: discovery request is %d bytes", protocol.ErrInvalidLength, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

func EncodeDiscoveryReply(r DiscoveryReply) []byte {
	b := binary.LittleEndian.AppendUint32(make([]byte, 0, DiscoveryReplyLen), r.ClientID)
	return binary.LittleEndian.AppendUint16(b, r.ServicePort)
}

func DecodeDiscoveryReply(b []byte) (DiscoveryReply, error) {
	if len(b) != DiscoveryReplyLen {
		return DiscoveryReply{}, fmt.Errorf("%w: discovery reply is %d bytes", protocol.ErrInvalidLength, len(b))
	}
	return DiscoveryReply{
		ClientID:    binary.LittleEndian.Uint32(b[0:4]),
		ServicePort: binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}
