package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// DiscoveryResponder answers client discovery datagrams with the service port.
type DiscoveryResponder struct {
	conn        *net.UDPConn
	servicePort uint16
	// OnRequest, when set, sees each valid client id before the reply.
	OnRequest func(clientID uint32, from *net.UDPAddr)
}

func ListenDiscovery(addr string, servicePort uint16) (*DiscoveryResponder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen discovery %s: %w", addr, err)
	}
	return &DiscoveryResponder{conn: conn, servicePort: servicePort}, nil
}

func (d *DiscoveryResponder) Addr() string { return d.conn.LocalAddr().String() }

// Serve answers requests until ctx is done. Malformed datagrams are dropped.
func (d *DiscoveryResponder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = d.conn.Close()
	}()
	buf := make([]byte, 64)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: discovery read: %w", err)
		}
		clientID, err := session.DecodeDiscoveryRequest(buf[:n])
		if err != nil {
			log.Debug().Str("from", from.String()).Err(err).Msg("transport.DiscoveryResponder dropped datagram")
			continue
		}
		if d.OnRequest != nil {
			d.OnRequest(clientID, from)
		}
		reply := session.EncodeDiscoveryReply(session.DiscoveryReply{ClientID: clientID, ServicePort: d.servicePort})
		if _, err := d.conn.WriteToUDP(reply, from); err != nil {
			log.Warn().Str("from", from.String()).Err(err).Msg("transport.DiscoveryResponder reply failed")
		}
	}
}

func (d *DiscoveryResponder) Close() error { return d.conn.Close() }

// Discover sends one request to target (broadcast or unicast) and waits for
// the matching reply. It returns host:port of the service endpoint.
func Discover(ctx context.Context, target string, clientID uint32, timeout time.Duration) (string, error) {
	dst, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return "", err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP(session.EncodeDiscoveryRequest(clientID), dst); err != nil {
		return "", fmt.Errorf("transport: discovery send: %w", err)
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, 64)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return "", fmt.Errorf("transport: discovery wait: %w", err)
		}
		reply, err := session.DecodeDiscoveryReply(buf[:n])
		if err != nil || reply.ClientID != clientID {
			continue
		}
		return net.JoinHostPort(from.IP.String(), strconv.Itoa(int(reply.ServicePort))), nil
	}
}
