// Package client implements the DHCPv4 client state machine: a single,
// linear task that discovers, binds, and renews one leased address.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/coredhcp-labs/dhcp4core/dhcp4"
)

// Conn is the narrow send/receive contract the client needs. Socket
// acquisition and broadcast semantics are external collaborators;
// internal/transport supplies the concrete implementation.
type Conn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

// State is one of the client's protocol states.
type State uint8

// States of the client state machine.
const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSelecting:
		return "SELECTING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	case StateRenewing:
		return "RENEWING"
	case StateRebinding:
		return "REBINDING"
	default:
		return "UNKNOWN"
	}
}

// errNak is returned internally when a REQUEST is answered with a NAK;
// callers of Run never see it, it drives the REQUESTING->INIT transition.
var errNak = errors.New("client: server NAK'd the request")

// ErrNoResponse means the retry budget was exhausted without an answer.
var ErrNoResponse = errors.New("client: no response received within the retry budget")

// Lease is the configuration the client applied on reaching BOUND. It is
// delivered to OnBound and is the only state user code should consume;
// nothing here is valid before the client reaches BOUND.
type Lease struct {
	Address    net.IP
	SubnetMask net.IP
	Router     net.IP
	DNSServers []net.IP
	ServerID   net.IP
	LeaseStart time.Time
	Duration   time.Duration
	T1, T2     time.Time
}

// Client drives the DHCPv4 handshake and renewal cycle for one hardware
// address. It is not safe for concurrent use; it is a linear task with
// at most one outstanding transaction at a time.
type Client struct {
	conf Config
	conn Conn

	state State
	xid   uint32

	offeredAddr net.IP
	serverID    net.IP

	current Lease

	// OnBound, if set, is called every time the client reaches BOUND
	// (including after a successful renewal), mirroring the server
	// pool's OnChange observation hook.
	OnBound func(Lease)
}

// New constructs a Client over conn. conf.HWAddr is required.
func New(conn Conn, conf Config) (*Client, error) {
	if err := conf.setDefaults(); err != nil {
		return nil, err
	}
	return &Client{conf: conf, conn: conn, state: StateInit}, nil
}

// State reports the client's current protocol state.
func (c *Client) State() State { return c.state }

// Current returns the lease applied while BOUND/RENEWING/REBINDING, or
// the zero Lease before the first bind and after each return to INIT.
func (c *Client) Current() Lease { return c.current }

func newXid() uint32 {
	return rand.Uint32() //nolint:gosec // transaction correlation, not a security boundary
}

// Run drives the client through INIT -> SELECTING -> REQUESTING -> BOUND,
// then loops renewing at T1 and rebinding at T2 until ctx is canceled or
// the lease is lost and a fresh DISCOVER cycle is needed indefinitely.
// It returns nil on cooperative cancellation via ctx.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.bind(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Debug("client: bind attempt failed: %v", err)
			if errors.Is(err, errNak) {
				if !sleep(ctx, jitter(c.conf.InitialBackoff)) {
					return nil
				}
			}
			continue
		}

		if err := c.holdLease(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Info("client: lease lost, restarting from INIT: %v", err)
			continue
		}
	}
}

// bind runs INIT -> SELECTING -> REQUESTING -> BOUND once.
func (c *Client) bind(ctx context.Context) error {
	c.state = StateInit
	c.xid = newXid()
	c.offeredAddr = nil
	c.serverID = nil
	c.current = Lease{}

	c.state = StateSelecting
	offer, err := c.discoverOffer(ctx)
	if err != nil {
		return err
	}

	c.offeredAddr = offer.YIAddr
	if sid, ok := offer.Options.GetIP(dhcp4.OptServerID); ok {
		c.serverID = sid
	} else {
		c.serverID = offer.SIAddr
	}

	c.state = StateRequesting
	ack, err := c.requestAck(ctx, c.initialDest(), c.buildSelectingRequest())
	if err != nil {
		return err
	}

	c.applyAck(ack)
	c.state = StateBound
	log.Info("client: bound to %s", c.current.Address)
	if c.OnBound != nil {
		c.OnBound(c.current)
	}
	return nil
}

// holdLease waits out T1/T2 renewal deadlines, attempting RENEWING then
// REBINDING, until the lease expires (in which case it returns an error
// so Run restarts from INIT) or ctx is canceled.
func (c *Client) holdLease(ctx context.Context) error {
	for {
		wait := time.Until(c.current.T1)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}

		c.state = StateRenewing
		xid := newXid()
		unicastDest := &net.UDPAddr{IP: c.serverID, Port: 67}
		ack, err := c.requestAck(ctx, unicastDest, c.buildRenewRequest(xid, false))
		if err == nil {
			c.applyAck(ack)
			c.state = StateBound
			if c.OnBound != nil {
				c.OnBound(c.current)
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Debug("client: renewal failed, waiting for T2: %v", err)

		wait = time.Until(c.current.T2)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}

		c.state = StateRebinding
		xid = newXid()
		ack, err = c.requestAck(ctx, c.broadcastAddr(), c.buildRenewRequest(xid, true))
		if err == nil {
			c.applyAck(ack)
			c.state = StateBound
			if c.OnBound != nil {
				c.OnBound(c.current)
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if time.Now().After(c.current.LeaseStart.Add(c.current.Duration)) {
			return fmt.Errorf("client: lease expired without ACK: %w", err)
		}
	}
}

func (c *Client) broadcastAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: 67}
}

// initialDest is where DISCOVER and the SELECTING REQUEST are sent: a
// unicast to conf.PreferredServer if the caller configured one, else the
// broadcast address.
func (c *Client) initialDest() *net.UDPAddr {
	if c.conf.PreferredServer != nil {
		return &net.UDPAddr{IP: c.conf.PreferredServer, Port: 67}
	}
	return c.broadcastAddr()
}

func (c *Client) buildSelectingRequest() *dhcp4.Packet {
	p := dhcp4.NewPacket(dhcp4.OpRequest)
	p.Xid = c.xid
	p.CHAddr = c.conf.HWAddr
	p.HLen = uint8(len(c.conf.HWAddr))
	p.SetBroadcast(c.conf.PreferredServer == nil)

	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Request)
	opts.SetIP(dhcp4.OptRequestedIP, c.offeredAddr)
	opts.SetIP(dhcp4.OptServerID, c.serverID)
	p.Options = opts
	return p
}

// buildRenewRequest builds a RENEWING/REBINDING REQUEST. Per the
// fresh-xid policy this module follows, each renewal cycle gets a new
// xid rather than reusing the original DISCOVER's.
func (c *Client) buildRenewRequest(xid uint32, broadcast bool) *dhcp4.Packet {
	c.xid = xid
	p := dhcp4.NewPacket(dhcp4.OpRequest)
	p.Xid = xid
	p.CHAddr = c.conf.HWAddr
	p.HLen = uint8(len(c.conf.HWAddr))
	p.CIAddr = c.current.Address
	p.SetBroadcast(broadcast)

	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Request)
	p.Options = opts
	return p
}

// discoverOffer sends DISCOVER with exponential backoff (4s, 8s, 16s,
// 32s, then a 64s cap, ±1s jitter) until a matching OFFER arrives. It
// targets conf.PreferredServer directly when one is configured, else it
// broadcasts.
func (c *Client) discoverOffer(ctx context.Context) (*dhcp4.Packet, error) {
	dest := c.initialDest()

	p := dhcp4.NewPacket(dhcp4.OpRequest)
	p.Xid = c.xid
	p.CHAddr = c.conf.HWAddr
	p.HLen = uint8(len(c.conf.HWAddr))
	p.SetBroadcast(c.conf.PreferredServer == nil)

	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Discover)
	p.Options = opts

	wire := p.Encode()
	return c.sendAndAwait(ctx, dest, wire, func(pkt *dhcp4.Packet) bool {
		if pkt.Xid != c.xid {
			return false
		}
		mt, ok := pkt.Options.GetMessageType()
		return ok && mt == dhcp4.Offer
	})
}

// requestAck sends req repeatedly with backoff until a matching ACK
// arrives, or errNak if the server NAKs the request.
func (c *Client) requestAck(ctx context.Context, dest net.Addr, req *dhcp4.Packet) (*dhcp4.Packet, error) {
	wire := req.Encode()
	xid := req.Xid
	return c.sendAndAwait(ctx, dest, wire, func(pkt *dhcp4.Packet) bool {
		if pkt.Xid != xid {
			return false
		}
		mt, ok := pkt.Options.GetMessageType()
		return ok && (mt == dhcp4.Ack || mt == dhcp4.Nak)
	})
}

// sendAndAwait retransmits wire to dest on an exponential backoff
// schedule until match accepts a received reply, the retry budget is
// exhausted, or ctx is canceled. A matched NAK is surfaced as errNak.
func (c *Client) sendAndAwait(ctx context.Context, dest net.Addr, wire []byte, match func(*dhcp4.Packet) bool) (*dhcp4.Packet, error) {
	backoff := c.conf.InitialBackoff
	buf := make([]byte, dhcp4.MinPacketLen+dhcp4.MinOptionsLen+64)

	for attempt := 0; c.conf.RetryLimit == 0 || attempt < c.conf.RetryLimit; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if _, err := c.conn.WriteTo(wire, dest); err != nil {
			log.Error("client: send to %s failed: %v", dest, err)
		}

		deadline := time.Now().Add(jitter(backoff))
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			log.Debug("client: SetReadDeadline: %v", err)
		}

		for time.Now().Before(deadline) {
			n, _, err := c.conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				break // timeout or transient read error: fall through to retry
			}
			pkt, err := dhcp4.Decode(buf[:n])
			if err != nil {
				continue
			}
			if pkt.Op != dhcp4.OpReply {
				continue
			}
			if !match(pkt) {
				continue
			}
			if mt, ok := pkt.Options.GetMessageType(); ok && mt == dhcp4.Nak {
				return nil, errNak
			}
			return pkt, nil
		}

		if backoff < c.conf.BackoffCap {
			backoff *= 2
			if backoff > c.conf.BackoffCap {
				backoff = c.conf.BackoffCap
			}
		}
	}

	return nil, ErrNoResponse
}

// jitter spreads d by ±1s; for delays under 2s the spread is narrowed
// to ±d/2 so the result is never negative.
func jitter(d time.Duration) time.Duration {
	spread := time.Second
	if d < 2*spread {
		spread = d / 2
	}
	if spread <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(2 * spread)))
	return d - spread + delta
}

// sleep waits out d or returns false early if ctx is canceled first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// applyAck stores the configuration carried by an ACK and computes T1/T2
// per RFC 2131 (T1 = lease/2, T2 = lease*7/8).
func (c *Client) applyAck(ack *dhcp4.Packet) {
	leaseSecs, ok := ack.Options.GetUint32(dhcp4.OptLeaseTime)
	if !ok {
		leaseSecs = uint32(defaultLeaseTime / time.Second)
	}
	duration := time.Duration(leaseSecs) * time.Second

	subnet, _ := ack.Options.GetIP(dhcp4.OptSubnetMask)
	router, _ := ack.Options.GetIP(dhcp4.OptRouter)
	dns, _ := ack.Options.GetIPs(dhcp4.OptDNSServers)
	sid, ok := ack.Options.GetIP(dhcp4.OptServerID)
	if ok {
		c.serverID = sid
	}

	start := time.Now()
	c.current = Lease{
		Address:    append(net.IP(nil), ack.YIAddr...),
		SubnetMask: subnet,
		Router:     router,
		DNSServers: dns,
		ServerID:   c.serverID,
		LeaseStart: start,
		Duration:   duration,
		T1:         start.Add(duration / 2),
		T2:         start.Add(duration * 7 / 8),
	}
}

// defaultLeaseTime is used only if an ACK omits tag 51, which SPEC_FULL's
// mandatory-options policy means a compliant server never does; it exists
// purely as a defensive fallback against non-compliant peers.
const defaultLeaseTime = time.Hour
