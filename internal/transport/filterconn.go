// Package transport supplies the thin net.PacketConn adapters the
// server, client, and relay treat as external collaborators: interface
// filtering and broadcast socket options. None of it understands
// DHCPv4; it only moves datagrams.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// FilterConn listens on 0.0.0.0:port but only accepts datagrams that
// arrived on a specific interface. Binding to a single IP address
// doesn't let a DHCP server see broadcast DISCOVER/REQUEST traffic, so
// the server instead binds wide and filters by interface index using
// the control message IPv4 exposes for exactly this purpose.
type FilterConn struct {
	iface net.Interface
	conn  *ipv4.PacketConn
}

// NewFilterConn opens a UDP4 listener on address and wraps it to accept
// only datagrams received on iface.
func NewFilterConn(iface net.Interface, address string) (*FilterConn, error) {
	c, err := net.ListenPacket("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", address, err)
	}

	p := ipv4.NewPacketConn(c)
	if err := p.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		c.Close()
		return nil, fmt.Errorf("transport: set control message flag: %w", err)
	}

	return &FilterConn{iface: iface, conn: p}, nil
}

// ReadFrom blocks until a datagram arrives on the configured interface,
// silently discarding anything that arrived on a different one.
func (f *FilterConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		n, cm, addr, err := f.conn.ReadFrom(b)
		if err != nil {
			return 0, addr, fmt.Errorf("transport: read: %w", err)
		}
		if cm == nil || cm.IfIndex == f.iface.Index {
			return n, addr, nil
		}
	}
}

// WriteTo sends a datagram out on the configured interface.
func (f *FilterConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	cm := ipv4.ControlMessage{IfIndex: f.iface.Index}
	return f.conn.WriteTo(b, &cm, addr)
}

// SetReadDeadline forwards to the underlying connection, letting a
// backoff-driven retry loop (the client, or a single-threaded server
// event loop) bound each read.
func (f *FilterConn) SetReadDeadline(t time.Time) error {
	return f.conn.SetReadDeadline(t)
}

// Close releases the underlying socket.
func (f *FilterConn) Close() error {
	return f.conn.Close()
}
