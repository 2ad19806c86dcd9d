package core

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/jabolina/gridvm/pkg/gridvm/protocol"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// InboundPacket pairs a decoded packet with the address it arrived from, so
// a reply can be routed back to the right peer.
type InboundPacket struct {
	Packet types.Packet
	From   string // host:port
}

// Transport is the socket-facing primitive the NetHandler drives: multicast
// for discovery and cluster-wide announcements, point-to-point unicast for
// everything addressed to a single known runtime (spec §4.2: "multicast
// discovery, reliable unicast, forwarding, thread migration").
type Transport interface {
	// Multicast sends pkt to the whole discovery group.
	Multicast(pkt types.Packet) error

	// Unicast sends pkt to addr and does not wait for a reply; replies (if
	// any) arrive through Listen like any other inbound packet.
	Unicast(addr string, pkt types.Packet) error

	// Listen returns the channel of every inbound packet, multicast or
	// unicast, until ctx is cancelled.
	Listen(ctx context.Context) (<-chan InboundPacket, error)

	// LocalAddr reports the address peers should use to unicast back to us.
	LocalAddr() (ip string, port int)

	Close() error
}

// UDPTransport implements Transport over IPv4 multicast (golang.org/x/net/ipv4,
// grounded on the beacon example's internal/transport/udp.go) for discovery
// and announcements, and a plain TCP listener for unicast request/reply
// traffic, the two transports spec §4.2 names.
type UDPTransport struct {
	group    *net.UDPAddr
	mcastPC  *ipv4.PacketConn
	mcastRaw *net.UDPConn

	tcpListener *net.TCPListener
	localIP     string
	localPort   int

	out chan InboundPacket
}

// NewUDPTransport joins the multicast group at groupAddr and binds a random
// TCP port on iface for unicast (spec §6: "binds a random TCP port for
// unicast").
func NewUDPTransport(groupAddr, iface string) (*UDPTransport, error) {
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, &types.NetworkError{Operation: "resolve multicast group", Address: groupAddr, Err: err}
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, &types.NetworkError{Operation: "resolve interface", Address: iface, Err: err}
		}
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, &types.NetworkError{Operation: "listen multicast", Address: groupAddr, Err: err}
	}
	raw := conn.(*net.UDPConn)
	pc := ipv4.NewPacketConn(raw)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = raw.Close()
		return nil, &types.NetworkError{Operation: "join multicast group", Address: groupAddr, Err: err}
	}
	_ = pc.SetMulticastLoopback(true)

	tcpAddr, err := net.ResolveTCPAddr("tcp4", ":0")
	if err != nil {
		_ = raw.Close()
		return nil, &types.NetworkError{Operation: "resolve unicast bind addr", Err: err}
	}
	listener, err := net.ListenTCP("tcp4", tcpAddr)
	if err != nil {
		_ = raw.Close()
		return nil, &types.NetworkError{Operation: "listen unicast", Err: err}
	}

	localIP, err := localIPv4(ifi)
	if err != nil {
		_ = raw.Close()
		_ = listener.Close()
		return nil, err
	}

	return &UDPTransport{
		group:       group,
		mcastPC:     pc,
		mcastRaw:    raw,
		tcpListener: listener,
		localIP:     localIP,
		localPort:   listener.Addr().(*net.TCPAddr).Port,
		out:         make(chan InboundPacket, 64),
	}, nil
}

func localIPv4(ifi *net.Interface) (string, error) {
	if ifi != nil {
		addrs, err := ifi.Addrs()
		if err != nil {
			return "", &types.NetworkError{Operation: "resolve local address", Address: ifi.Name, Err: err}
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if v4 := ipNet.IP.To4(); v4 != nil {
					return v4.String(), nil
				}
			}
		}
	}

	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", nil
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func (t *UDPTransport) LocalAddr() (string, int) {
	return t.localIP, t.localPort
}

func (t *UDPTransport) Multicast(pkt types.Packet) error {
	buf, err := protocol.EncodePacket(pkt)
	if err != nil {
		return fmt.Errorf("gridvm/core: encode multicast packet: %w", err)
	}
	if _, err := t.mcastRaw.WriteToUDP(buf, t.group); err != nil {
		return &types.NetworkError{Operation: "multicast send", Address: t.group.String(), Err: err}
	}
	return nil
}

func (t *UDPTransport) Unicast(addr string, pkt types.Packet) error {
	buf, err := protocol.EncodePacket(pkt)
	if err != nil {
		return fmt.Errorf("gridvm/core: encode unicast packet: %w", err)
	}

	conn, err := net.DialTimeout("tcp4", addr, 2*time.Second)
	if err != nil {
		return &types.NetworkError{Operation: "unicast dial", Address: addr, Err: err}
	}
	defer conn.Close()

	if _, err := conn.Write(buf); err != nil {
		return &types.NetworkError{Operation: "unicast send", Address: addr, Err: err}
	}
	return nil
}

// Listen spawns the multicast and TCP accept loops and returns their shared
// output channel.
func (t *UDPTransport) Listen(ctx context.Context) (<-chan InboundPacket, error) {
	go t.pollMulticast(ctx)
	go t.pollUnicast(ctx)
	return t.out, nil
}

func (t *UDPTransport) pollMulticast(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = t.mcastRaw.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, from, err := t.mcastPC.ReadFrom(buf)
		if err != nil {
			continue
		}
		pkt, err := protocol.DecodePacket(buf[:n])
		if err != nil {
			continue
		}
		t.publish(ctx, InboundPacket{Packet: pkt, From: from.String()})
	}
}

func (t *UDPTransport) pollUnicast(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = t.tcpListener.Close()
	}()
	for {
		_ = t.tcpListener.SetDeadline(time.Now().Add(250 * time.Millisecond))
		conn, err := t.tcpListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		go t.handleUnicastConn(ctx, conn)
	}
}

func (t *UDPTransport) handleUnicastConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	pkt, err := protocol.DecodePacket(buf[:n])
	if err != nil {
		return
	}
	t.publish(ctx, InboundPacket{Packet: pkt, From: conn.RemoteAddr().String()})
}

func (t *UDPTransport) publish(ctx context.Context, in InboundPacket) {
	select {
	case t.out <- in:
	case <-ctx.Done():
	}
}

func (t *UDPTransport) Close() error {
	_ = t.mcastRaw.Close()
	return t.tcpListener.Close()
}
