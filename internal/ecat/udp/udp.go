// Package udp implements an EtherCAT-over-UDP link. Frames are carried as UDP
// payloads on port 0x88a4, either to a unicast gateway or to a multicast group
// joined on a given interface.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// Port is the registered EtherCAT UDP port.
const Port = 0x88a4

const (
	receiveBufLen = 1500
	// tosExpedited marks frames as DSCP EF so switches queue them first.
	tosExpedited = 0xB8
)

// Config holds link settings.
type Config struct {
	// Interface is the network interface name. Required for multicast.
	Interface string

	// RemoteAddr is the destination, "host" or "host:port". Multicast
	// addresses are joined on Interface.
	RemoteAddr string

	// LocalPort is the port to bind. Zero binds Port.
	LocalPort int
}

// Link is an EtherCAT-over-UDP link.
type Link struct {
	config Config
	logger zerolog.Logger
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	remote *net.UDPAddr
	mu     sync.Mutex
	buf    []byte
	closed bool
}

// Open binds the local socket and prepares the remote address.
func Open(config Config, logger zerolog.Logger) (*Link, error) {
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("%w: remote address is required", domain.ErrNetworkInitFailed)
	}
	host, port := config.RemoteAddr, Port
	if h, p, err := net.SplitHostPort(config.RemoteAddr); err == nil {
		host = h
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", domain.ErrNetworkInitFailed, p)
		}
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%w: %q is not an IPv4 address", domain.ErrNetworkInitFailed, host)
	}

	localPort := config.LocalPort
	if localPort == 0 {
		localPort = Port
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkInitFailed, err)
	}

	l := &Link{
		config: config,
		logger: logger.With().Str("component", "udp-link").Str("remote", config.RemoteAddr).Logger(),
		conn:   conn,
		pc:     ipv4.NewPacketConn(conn),
		remote: &net.UDPAddr{IP: ip, Port: port},
		buf:    make([]byte, receiveBufLen),
	}

	if err := l.pc.SetTOS(tosExpedited); err != nil {
		l.logger.Debug().Err(err).Msg("Could not set TOS on socket")
	}

	if ip.IsMulticast() {
		if err := l.joinGroup(ip); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	l.logger.Info().Int("local_port", localPort).Msg("UDP link opened")
	return l, nil
}

func (l *Link) joinGroup(group net.IP) error {
	iface, err := net.InterfaceByName(l.config.Interface)
	if err != nil {
		return fmt.Errorf("%w: interface %q: %v", domain.ErrNetworkInitFailed, l.config.Interface, err)
	}
	if err := l.pc.SetMulticastInterface(iface); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkInitFailed, err)
	}
	if err := l.pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("%w: join %s: %v", domain.ErrNetworkInitFailed, group, err)
	}
	if err := l.pc.SetMulticastLoopback(false); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkInitFailed, err)
	}
	return nil
}

// Exchange sends frame and waits for the returning frame until the context
// deadline.
func (l *Link) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, domain.ErrLinkClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(100 * time.Millisecond)
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := l.conn.WriteToUDP(frame, l.remote); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPhysicalLayer, err)
	}

	for {
		n, from, err := l.conn.ReadFromUDP(l.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, domain.ErrFrameLost
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrPhysicalLayer, err)
		}
		// Our own multicast frame or an unrelated sender.
		if !l.remote.IP.IsMulticast() && !from.IP.Equal(l.remote.IP) {
			continue
		}
		out := make([]byte, n)
		copy(out, l.buf[:n])
		return out, nil
	}
}

// Close releases the socket.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}
