package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp-labs/dhcp4core/dhcp4"
)

type fakeConn struct {
	sent []sentPacket
}

type sentPacket struct {
	bytes []byte
	addr  net.Addr
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) { return 0, nil, nil }
func (f *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	f.sent = append(f.sent, sentPacket{bytes: append([]byte(nil), b...), addr: addr})
	return len(b), nil
}

func testConfig() Config {
	return Config{
		ServerAddr: net.ParseIP("192.168.0.1"),
		RelayAddr:  net.ParseIP("192.168.0.2"),
	}
}

// TestRelayInsertion covers scenario S5: a DISCOVER with giaddr=0 gets
// giaddr rewritten to the relay's address and hops bumped to 1, then is
// forwarded to the server.
func TestRelayInsertion(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)

	discover := dhcp4.NewPacket(dhcp4.OpRequest)
	discover.Xid = 0xA1A1A1A1
	discover.Hops = 0
	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Discover)
	discover.Options = opts

	conn := &fakeConn{}
	r.HandlePacket(conn, discover.Encode())

	require.Len(t, conn.sent, 1)
	udpAddr, ok := conn.sent[0].addr.(*net.UDPAddr)
	require.True(t, ok)
	assert.Equal(t, "192.168.0.1", udpAddr.IP.String())
	assert.Equal(t, 67, udpAddr.Port)

	forwarded, err := dhcp4.Decode(conn.sent[0].bytes)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.2", forwarded.GIAddr.String())
	assert.Equal(t, uint8(1), forwarded.Hops)
	assert.Equal(t, discover.Xid, forwarded.Xid)
}

func TestRelayDoesNotOverwriteExistingGiaddr(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)

	discover := dhcp4.NewPacket(dhcp4.OpRequest)
	discover.GIAddr = net.ParseIP("10.0.0.9")
	discover.Hops = 2
	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Discover)
	discover.Options = opts

	conn := &fakeConn{}
	r.HandlePacket(conn, discover.Encode())

	forwarded, err := dhcp4.Decode(conn.sent[0].bytes)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", forwarded.GIAddr.String())
	assert.Equal(t, uint8(3), forwarded.Hops)
}

// TestRelayForwardsReplyToClient covers the op==2 branch of S5: the
// server's OFFER is forwarded back to the client broadcast address with
// every field unchanged, hops not decremented.
func TestRelayForwardsReplyToClient(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)

	offer := dhcp4.NewPacket(dhcp4.OpReply)
	offer.Xid = 0xA1A1A1A1
	offer.YIAddr = net.ParseIP("192.168.0.100")
	offer.GIAddr = net.ParseIP("192.168.0.2")
	offer.Hops = 1
	offer.SetBroadcast(true)
	opts := dhcp4.NewOptions()
	opts.SetMessageType(dhcp4.Offer)
	offer.Options = opts

	conn := &fakeConn{}
	r.HandlePacket(conn, offer.Encode())

	require.Len(t, conn.sent, 1)
	udpAddr, ok := conn.sent[0].addr.(*net.UDPAddr)
	require.True(t, ok)
	assert.Equal(t, "255.255.255.255", udpAddr.IP.String())
	assert.Equal(t, 68, udpAddr.Port)

	forwarded, err := dhcp4.Decode(conn.sent[0].bytes)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), forwarded.Hops)
	assert.Equal(t, "192.168.0.100", forwarded.YIAddr.String())
}

func TestRelayDropsMalformedPacket(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)

	conn := &fakeConn{}
	r.HandlePacket(conn, []byte{0x01, 0x02})
	assert.Empty(t, conn.sent)
}
