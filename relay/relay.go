// Package relay implements the stateless DHCPv4 relay agent: it rewrites
// giaddr and forwards client broadcasts to a unicast server, and routes
// server replies back to the client.
package relay

import (
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/log"

	"github.com/coredhcp-labs/dhcp4core/dhcp4"
)

// Conn is the narrow send/receive contract the relay needs.
type Conn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
}

// Config configures a Relay: the upstream server to forward client
// traffic to, and this relay's own reachable address, stamped into
// giaddr for requests that arrive with none.
type Config struct {
	ServerAddr net.IP
	RelayAddr  net.IP
}

// Relay forwards DHCPv4 traffic between a client-facing broadcast
// segment and a unicast upstream server. It holds no per-transaction
// state: every packet is handled independently.
type Relay struct {
	conf Config
}

// New constructs a Relay from conf.
func New(conf Config) (*Relay, error) {
	if conf.ServerAddr.To4() == nil {
		return nil, fmt.Errorf("relay: ServerAddr must be an IPv4 address")
	}
	if conf.RelayAddr.To4() == nil {
		return nil, fmt.Errorf("relay: RelayAddr must be an IPv4 address")
	}
	return &Relay{conf: conf}, nil
}

// HandlePacket decodes b and forwards it: client requests
// (op=1) go to the upstream server with giaddr set and hops incremented;
// server replies (op=2) are routed back to the client using the same
// rules the server itself would use for reply routing.
func (r *Relay) HandlePacket(conn Conn, b []byte) {
	pkt, err := dhcp4.Decode(b)
	if err != nil {
		log.Debug("relay: dropping malformed packet: %v", err)
		return
	}

	switch pkt.Op {
	case dhcp4.OpRequest:
		r.forwardToServer(conn, pkt)
	case dhcp4.OpReply:
		r.forwardToClient(conn, pkt)
	default:
		log.Debug("relay: dropping packet with unknown opcode %d", pkt.Op)
	}
}

// forwardToServer implements the op==1 branch: giaddr is set only if it
// was zero, hops is incremented, and the packet (otherwise byte-for-byte
// unchanged: xid, chaddr, yiaddr, and every option are left alone) is
// unicast to the configured server on port 67.
func (r *Relay) forwardToServer(conn Conn, pkt *dhcp4.Packet) {
	if pkt.GIAddr == nil || pkt.GIAddr.Equal(net.IPv4zero) {
		pkt.GIAddr = append(net.IP(nil), r.conf.RelayAddr...)
	}
	pkt.Hops++

	dest := &net.UDPAddr{IP: r.conf.ServerAddr, Port: 67}
	if _, err := conn.WriteTo(pkt.Encode(), dest); err != nil {
		log.Error("relay: forward to server %s failed: %v", dest, err)
	}
}

// forwardToClient implements the op==2 branch: the relay never
// decrements hops and never rewrites xid/chaddr/yiaddr/options, routing
// the reply using the same destination rules the server itself follows.
func (r *Relay) forwardToClient(conn Conn, pkt *dhcp4.Packet) {
	dest := clientReplyAddr(pkt)
	if _, err := conn.WriteTo(pkt.Encode(), dest); err != nil {
		log.Error("relay: forward to client %s failed: %v", dest, err)
	}
}

func clientReplyAddr(pkt *dhcp4.Packet) net.Addr {
	if pkt.Broadcast() || pkt.CIAddr == nil || pkt.CIAddr.Equal(net.IPv4zero) {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	}
	return &net.UDPAddr{IP: pkt.CIAddr, Port: 68}
}
