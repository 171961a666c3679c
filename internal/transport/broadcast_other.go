//go:build !linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// NewBroadcastConn is the portable fallback for platforms without
// SO_BINDTODEVICE. It binds to bindAddr:port without interface
// filtering; ifname is accepted for signature parity with the Linux
// implementation but is otherwise unused here.
func NewBroadcastConn(bindAddr net.IP, port int, ifname string) (*ipv4.PacketConn, error) {
	c, err := net.ListenPacket("udp4", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s:%d: %w", bindAddr, port, err)
	}
	return ipv4.NewPacketConn(c), nil
}
