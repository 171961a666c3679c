package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp-labs/dhcp4core/dhcp4"
)

// loopbackConn is an in-process Conn double that lets a test act as the
// "server" side of the handshake: writes from the client land in
// toServer, and the test pushes replies by writing to the client via
// deliver.
type loopbackConn struct {
	mu       sync.Mutex
	toServer chan []byte
	inbox    chan []byte
	deadline time.Time
}

func newLoopbackConn() *loopbackConn {
	return &loopbackConn{
		toServer: make(chan []byte, 16),
		inbox:    make(chan []byte, 16),
	}
}

func (l *loopbackConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case l.toServer <- cp:
	default:
	}
	return len(b), nil
}

func (l *loopbackConn) ReadFrom(b []byte) (int, net.Addr, error) {
	l.mu.Lock()
	deadline := l.deadline
	l.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, &timeoutError{}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg := <-l.inbox:
		n := copy(b, msg)
		return n, &net.UDPAddr{}, nil
	case <-timeout:
		return 0, nil, &timeoutError{}
	}
}

func (l *loopbackConn) SetReadDeadline(t time.Time) error {
	l.mu.Lock()
	l.deadline = t
	l.mu.Unlock()
	return nil
}

func (l *loopbackConn) deliver(p *dhcp4.Packet) {
	l.inbox <- p.Encode()
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

func testHWAddr(t *testing.T) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC("00:0c:29:3e:53:f7")
	require.NoError(t, err)
	return mac
}

// serveOneHandshake reads a DISCOVER then a REQUEST off conn.toServer and
// replies with OFFER then ACK, mimicking the server side just enough to
// drive the client through BOUND.
func serveOneHandshake(t *testing.T, conn *loopbackConn, hwaddr net.HardwareAddr, addr net.IP) {
	t.Helper()

	discoverWire := <-conn.toServer
	discover, err := dhcp4.Decode(discoverWire)
	require.NoError(t, err)
	mt, _ := discover.Options.GetMessageType()
	require.Equal(t, dhcp4.Discover, mt)

	offer := dhcp4.NewPacket(dhcp4.OpReply)
	offer.Xid = discover.Xid
	offer.CHAddr = hwaddr
	offer.YIAddr = addr
	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Offer)
	opts.SetIP(dhcp4.OptServerID, net.IPv4(192, 168, 0, 1))
	opts.SetIP(dhcp4.OptSubnetMask, net.IPv4(255, 255, 255, 0))
	opts.SetIP(dhcp4.OptRouter, net.IPv4(192, 168, 0, 1))
	opts.SetUint32(dhcp4.OptLeaseTime, 60)
	offer.Options = opts
	conn.deliver(offer)

	requestWire := <-conn.toServer
	request, err := dhcp4.Decode(requestWire)
	require.NoError(t, err)
	mt, _ = request.Options.GetMessageType()
	require.Equal(t, dhcp4.Request, mt)

	ack := dhcp4.NewPacket(dhcp4.OpReply)
	ack.Xid = request.Xid
	ack.CHAddr = hwaddr
	ack.YIAddr = addr
	ackOpts := dhcp4.NewOptions()
	ackOpts.SetMessageType(dhcp4.Ack)
	ackOpts.SetIP(dhcp4.OptServerID, net.IPv4(192, 168, 0, 1))
	ackOpts.SetIP(dhcp4.OptSubnetMask, net.IPv4(255, 255, 255, 0))
	ackOpts.SetIP(dhcp4.OptRouter, net.IPv4(192, 168, 0, 1))
	ackOpts.SetUint32(dhcp4.OptLeaseTime, 60)
	ack.Options = ackOpts
	conn.deliver(ack)
}

func TestClientBindsToOfferedAddress(t *testing.T) {
	conn := newLoopbackConn()
	hwaddr := testHWAddr(t)
	cl, err := New(conn, Config{HWAddr: hwaddr, InitialBackoff: 50 * time.Millisecond, BackoffCap: 200 * time.Millisecond})
	require.NoError(t, err)

	var bound Lease
	boundCh := make(chan struct{})
	cl.OnBound = func(l Lease) {
		bound = l
		close(boundCh)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go cl.Run(ctx)
	serveOneHandshake(t, conn, hwaddr, net.IPv4(192, 168, 0, 100))

	select {
	case <-boundCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reached BOUND")
	}

	assert.Equal(t, StateBound, cl.State())
	assert.True(t, bound.Address.Equal(net.IPv4(192, 168, 0, 100)))
	assert.Equal(t, 60*time.Second, bound.Duration)
	assert.True(t, bound.T1.Before(bound.T2))
}

func TestClientIgnoresOfferWithMismatchedXid(t *testing.T) {
	conn := newLoopbackConn()
	hwaddr := testHWAddr(t)
	cl, err := New(conn, Config{HWAddr: hwaddr, InitialBackoff: 30 * time.Millisecond, BackoffCap: 60 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	discoverWire := <-conn.toServer
	discover, err := dhcp4.Decode(discoverWire)
	require.NoError(t, err)

	stale := dhcp4.NewPacket(dhcp4.OpReply)
	stale.Xid = discover.Xid + 1
	stale.YIAddr = net.IPv4(10, 0, 0, 5)
	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Offer)
	stale.Options = opts
	conn.deliver(stale)

	// The client must not advance on the mismatched xid; it keeps
	// retransmitting DISCOVER instead.
	select {
	case <-conn.toServer:
	case <-time.After(1 * time.Second):
		t.Fatal("client did not retry DISCOVER after a mismatched OFFER")
	}
	assert.Equal(t, StateSelecting, cl.State())
}
