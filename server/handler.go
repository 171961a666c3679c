package server

import (
	"errors"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/coredhcp-labs/dhcp4core/dhcp4"
)

// PacketConn is the narrow send/receive contract the handler needs from
// a socket. internal/transport provides the concrete implementations;
// the handler treats socket acquisition as pure plumbing.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
}

// Handler classifies inbound DHCPv4 datagrams and drives the OFFER/ACK/
// NAK responses described in the four-step handshake. It owns no
// socket; HandlePacket is handed one by the caller so the same Handler can be
// reused across transport implementations and in tests.
type Handler struct {
	pool *Pool
	conf *resolved

	metrics *metrics
}

// NewHandler builds a Handler backed by a freshly constructed Pool for
// the given configuration.
func NewHandler(conf Config) (*Handler, error) {
	r, err := conf.resolve()
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(r.rangeStart, r.rangeEnd, r.leaseTime)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		pool:    pool,
		conf:    r,
		metrics: newMetrics("dhcp4core"),
	}
	return h, nil
}

// Pool exposes the lease engine backing this handler, for static-lease
// management and introspection by callers.
func (h *Handler) Pool() *Pool { return h.pool }

// HandlePacket decodes b, dispatches it by message type, and writes a reply (if
// any) to conn using the routing rules in replyAddr. It never panics on
// malformed input: decode failures are dropped and counted.
func (h *Handler) HandlePacket(conn PacketConn, peer net.Addr, b []byte) {
	pkt, err := dhcp4.Decode(b)
	if err != nil {
		log.Debug("server: dropping malformed packet from %s: %v", peer, err)
		h.metrics.packetsDropped.WithLabelValues("invalid_packet").Inc()
		return
	}

	if pkt.Op != dhcp4.OpRequest {
		h.metrics.packetsDropped.WithLabelValues("not_a_request").Inc()
		return
	}

	mac := pkt.CHAddr
	if int(pkt.HLen) <= len(mac) {
		mac = mac[:pkt.HLen]
	}

	mtype, ok := pkt.Options.GetMessageType()
	if !ok {
		h.metrics.packetsDropped.WithLabelValues("no_message_type").Inc()
		return
	}

	switch mtype {
	case dhcp4.Discover:
		reply, shouldReply := h.handleDiscover(pkt, mac)
		if shouldReply {
			h.send(conn, peer, pkt, reply)
		}

	case dhcp4.Request:
		reply, shouldReply := h.handleRequest(pkt, mac)
		if shouldReply {
			h.send(conn, peer, pkt, reply)
		}

	case dhcp4.Release:
		h.pool.Release(mac)

	case dhcp4.Decline, dhcp4.Inform:
		log.Debug("server: %s from %s, no action taken", mtype, mac)
		h.metrics.packetsDropped.WithLabelValues("decline_or_inform").Inc()

	default:
		log.Debug("server: unsupported message type %s", mtype)
		h.metrics.packetsDropped.WithLabelValues("unsupported_type").Inc()
	}
}

// handleDiscover implements the Discover branch. The bool
// return reports whether a reply should be sent at all (duplicate
// DISCOVERs are dropped silently, never NAK'd).
func (h *Handler) handleDiscover(pkt *dhcp4.Packet, mac net.HardwareAddr) (*dhcp4.Packet, bool) {
	if h.pool.IsDuplicate(mac, pkt.Xid) {
		return nil, false
	}

	// A client that already holds a lease is offered the same address
	// again, with the new xid recorded.
	if held, err := h.pool.Renew(mac, pkt.Xid); err == nil {
		h.metrics.offersSent.Inc()
		return h.buildReply(pkt, dhcp4.Offer, held), true
	}

	addr, err := h.pool.FindFree()
	if err != nil {
		log.Debug("server: pool exhausted for %s", mac)
		return h.buildNak(pkt), true
	}

	lease, err := h.pool.Assign(addr, mac, pkt.Xid)
	if err != nil {
		// Another worker raced us to the same address; the client will
		// retry with a fresh DISCOVER.
		log.Debug("server: assign race for %s: %v", mac, err)
		return h.buildNak(pkt), true
	}

	h.metrics.offersSent.Inc()
	h.metrics.leasesActive.Set(float64(len(h.pool.Leases())))
	return h.buildReply(pkt, dhcp4.Offer, lease.IP), true
}

// handleRequest implements the Request branch.
func (h *Handler) handleRequest(pkt *dhcp4.Packet, mac net.HardwareAddr) (*dhcp4.Packet, bool) {
	reqIP, hasReqIP := pkt.Options.GetIP(dhcp4.OptRequestedIP)
	if !hasReqIP {
		reqIP = pkt.CIAddr
	}

	lease, found := h.pool.Lookup(mac)
	if !found || !lease.IP.Equal(reqIP) {
		log.Debug("server: NAK for %s: no matching lease for %s", mac, reqIP)
		return h.buildNak(pkt), true
	}

	committed, err := h.pool.Commit(lease.IP, mac)
	if err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return h.buildNak(pkt), true
		}
		log.Error("server: commit %s <-> %s: %v", lease.IP, mac, err)
		return h.buildNak(pkt), true
	}

	h.metrics.acksSent.Inc()
	return h.buildReply(pkt, dhcp4.Ack, committed.IP), true
}

// buildReply constructs an OFFER or ACK, always stamping subnet mask,
// router, DNS (if configured), lease time, and server identifier, per
// SPEC_FULL's resolution of the "server identifier in OFFER" open
// question: both are mandatory on every reply, never conditionally
// omitted.
func (h *Handler) buildReply(req *dhcp4.Packet, mtype dhcp4.MessageType, yiaddr net.IP) *dhcp4.Packet {
	reply := h.baseReply(req)
	reply.YIAddr = yiaddr
	reply.SIAddr = h.conf.serverID

	opts := dhcp4.NewOptions()
	opts.SetMessageType(mtype)
	opts.SetIP(dhcp4.OptSubnetMask, h.conf.subnetMask)
	opts.SetIP(dhcp4.OptRouter, h.conf.router)
	if len(h.conf.dnsServers) > 0 {
		opts.SetIPs(dhcp4.OptDNSServers, h.conf.dnsServers)
	}
	opts.SetUint32(dhcp4.OptLeaseTime, uint32(h.conf.leaseTime/time.Second))
	opts.SetIP(dhcp4.OptServerID, h.conf.serverID)
	reply.Options = opts

	return reply
}

func (h *Handler) buildNak(req *dhcp4.Packet) *dhcp4.Packet {
	reply := h.baseReply(req)
	reply.YIAddr = net.IPv4zero

	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Nak)
	opts.SetIP(dhcp4.OptServerID, h.conf.serverID)
	reply.Options = opts

	h.metrics.naksSent.Inc()
	return reply
}

// baseReply stamps the fields every reply needs regardless of type:
// op=2, and xid/htype/hlen/chaddr/giaddr copied from the request.
func (h *Handler) baseReply(req *dhcp4.Packet) *dhcp4.Packet {
	reply := dhcp4.NewPacket(dhcp4.OpReply)
	reply.Xid = req.Xid
	reply.HType = req.HType
	reply.HLen = req.HLen
	reply.CHAddr = append(net.HardwareAddr(nil), req.CHAddr...)
	reply.GIAddr = req.GIAddr
	reply.Secs = 0
	reply.Flags = req.Flags
	return reply
}

// send routes the reply: unicast to giaddr:67 when
// relayed, else broadcast when requested or when the client has no
// address yet, else unicast to ciaddr:68.
func (h *Handler) send(conn PacketConn, peer net.Addr, req, reply *dhcp4.Packet) {
	addr := replyAddr(req)
	if addr == nil {
		addr = peer
	}

	_, err := conn.WriteTo(reply.Encode(), addr)
	if err != nil {
		log.Error("server: send to %s failed, retrying once: %v", addr, err)
		if _, err2 := conn.WriteTo(reply.Encode(), addr); err2 != nil {
			log.Error("server: retry send to %s failed, dropping reply: %v", addr, err2)
		}
	}
}

func replyAddr(req *dhcp4.Packet) net.Addr {
	if !req.GIAddr.Equal(net.IPv4zero) && req.GIAddr != nil {
		return &net.UDPAddr{IP: req.GIAddr, Port: 67}
	}
	if req.Broadcast() || req.CIAddr.Equal(net.IPv4zero) || req.CIAddr == nil {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	}
	return &net.UDPAddr{IP: req.CIAddr, Port: 68}
}
