package dhcp4

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePacket() *Packet {
	p := NewPacket(OpRequest)
	p.Xid = 0xA1A1A1A1
	p.CIAddr = net.IPv4(0, 0, 0, 0)
	p.YIAddr = net.IPv4(192, 168, 0, 100)
	p.SIAddr = net.IPv4(192, 168, 0, 1)
	p.GIAddr = net.IPv4(0, 0, 0, 0)
	p.CHAddr = net.HardwareAddr{0x00, 0x0c, 0x29, 0x3e, 0x53, 0xf7}
	p.HLen = uint8(len(p.CHAddr))

	opts := NewOptions()
	opts.SetMessageType(Request)
	opts.SetIP(OptRequestedIP, net.IPv4(192, 168, 0, 100))
	opts.SetIP(OptServerID, net.IPv4(192, 168, 0, 1))
	p.Options = opts
	return p
}

// TestRoundTrip checks that decoding a packet and re-encoding it
// preserves the 240-byte header and the full set of option TLVs.
func TestRoundTrip(t *testing.T) {
	p := samplePacket()
	wire := p.Encode()

	got, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, p.Op, got.Op)
	assert.Equal(t, p.HType, got.HType)
	assert.Equal(t, p.HLen, got.HLen)
	assert.Equal(t, p.Xid, got.Xid)
	assert.True(t, p.CIAddr.Equal(got.CIAddr))
	assert.True(t, p.YIAddr.Equal(got.YIAddr))
	assert.True(t, p.SIAddr.Equal(got.SIAddr))
	assert.True(t, p.GIAddr.Equal(got.GIAddr))
	assert.Equal(t, p.CHAddr, got.CHAddr)

	mt, ok := got.Options.GetMessageType()
	require.True(t, ok)
	assert.Equal(t, Request, mt)

	reqIP, ok := got.Options.GetIP(OptRequestedIP)
	require.True(t, ok)
	assert.True(t, net.IPv4(192, 168, 0, 100).Equal(reqIP))

	// Re-encoding the decoded packet must reproduce the same header and
	// the same option TLV set (order need not match).
	wire2 := got.Encode()
	assert.Equal(t, wire[:FixedHeaderLen], wire2[:FixedHeaderLen])
	assert.ElementsMatch(t, p.Options.Tags(), got.Options.Tags())
}

func TestEncodeFixedSize(t *testing.T) {
	p := samplePacket()
	wire := p.Encode()
	assert.GreaterOrEqual(t, len(wire), FixedHeaderLen+MinOptionsLen)
	assert.Equal(t, byte(0xFF), wire[FixedHeaderLen+len(p.Options.encode())-1])
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, err := Decode(make([]byte, FixedHeaderLen-1))
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestDecodeRejectsBadCookie(t *testing.T) {
	wire := samplePacket().Encode()
	wire[offCookie] ^= 0xFF
	_, err := Decode(wire)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestDecodeRejectsOverflowingOption(t *testing.T) {
	p := samplePacket()
	// Keep only the real option bytes (no zero-fill after the terminator),
	// then corrupt the first option's length byte (byte after the tag) to
	// claim a payload that runs past the buffer.
	wire := p.Encode()[:FixedHeaderLen+len(p.Options.encode())]
	wire[FixedHeaderLen+1] = 0xFF
	_, err := Decode(wire)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestDecodeRejectsMissingTerminator(t *testing.T) {
	buf := make([]byte, FixedHeaderLen+2)
	binaryPutCookie(buf)
	buf[FixedHeaderLen] = 1
	buf[FixedHeaderLen+1] = 0
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func binaryPutCookie(buf []byte) {
	buf[offCookie] = 0x63
	buf[offCookie+1] = 0x82
	buf[offCookie+2] = 0x53
	buf[offCookie+3] = 0x63
}

func TestDuplicateTagFirstWins(t *testing.T) {
	opts := NewOptions()
	opts.Set(OptSubnetMask, []byte{255, 255, 255, 0})
	raw := opts.encode()
	// Splice in a second occurrence of tag 1 with a different payload
	// ahead of the terminator.
	raw = append(raw[:len(raw)-1], 1, 4, 10, 0, 0, 0, tagEnd)

	decoded, err := decodeOptions(raw)
	require.NoError(t, err)
	b, ok := decoded.Get(OptSubnetMask)
	require.True(t, ok)
	assert.Equal(t, []byte{255, 255, 255, 0}, b)
}

func TestPadBytesSkipped(t *testing.T) {
	raw := []byte{tagPad, tagPad, byte(OptMessageType), 1, byte(Ack), tagPad, tagEnd}
	decoded, err := decodeOptions(raw)
	require.NoError(t, err)
	mt, ok := decoded.GetMessageType()
	require.True(t, ok)
	assert.Equal(t, Ack, mt)
}

// TestCodecFixture reproduces scenario S6 exactly: an OFFER packet with
// options [53=OFFER, 1=255.255.255.0, 3=192.168.0.1, 6=8.8.8.8, 51=60,
// 54=192.168.0.1, 255] encodes with the magic cookie at byte offset 236.
func TestCodecFixture(t *testing.T) {
	p := NewPacket(OpReply)
	p.HType = 0
	p.HLen = 0
	p.Hops = 0
	p.Xid = 0

	opts := NewOptions()
	opts.SetMessageType(Offer)
	opts.SetIP(OptSubnetMask, net.IPv4(255, 255, 255, 0))
	opts.SetIP(OptRouter, net.IPv4(192, 168, 0, 1))
	opts.SetIP(OptDNSServers, net.IPv4(8, 8, 8, 8))
	opts.SetUint32(OptLeaseTime, 60)
	opts.SetIP(OptServerID, net.IPv4(192, 168, 0, 1))
	p.Options = opts

	wire := p.Encode()

	require.GreaterOrEqual(t, len(wire), offCookie+4)
	assert.Equal(t, []byte{0x63, 0x82, 0x53, 0x63}, wire[offCookie:offCookie+4])
}
