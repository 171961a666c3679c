//go:build linux

package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// NewBroadcastConn opens a raw UDP4 socket bound to bindAddr:port on a
// specific interface, with SO_BROADCAST and SO_REUSEADDR set so the
// server can both receive client broadcasts and send OFFER/ACK/NAK
// broadcasts back. This is the one piece of the module that reaches
// below net.ListenPacket: DHCP servers must bind a specific interface
// via SO_BINDTODEVICE to disambiguate multiple broadcast-domain NICs,
// which the standard library has no portable way to express.
func NewBroadcastConn(bindAddr net.IP, port int, ifname string) (*ipv4.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: SO_BROADCAST: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: SO_REUSEADDR: %w", err)
	}
	if ifname != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("transport: SO_BINDTODEVICE %s: %w", ifname, err)
		}
	}

	addr := unix.SockaddrInet4{Port: port}
	v4 := bindAddr.To4()
	if v4 == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind address %s is not IPv4", bindAddr)
	}
	copy(addr.Addr[:], v4)
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind: %w", err)
	}

	f := os.NewFile(uintptr(fd), "")
	c, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("transport: FilePacketConn: %w", err)
	}

	return ipv4.NewPacketConn(c), nil
}
