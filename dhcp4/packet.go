// Package dhcp4 implements the DHCPv4 wire format: the fixed 236-byte
// header, the magic cookie, and the variable-length TLV option stream
// (RFC 2131, RFC 2132). It is used by the client, server, and relay
// packages as their shared codec; it has no notion of leases, sockets,
// or protocol state.
package dhcp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Opcode identifies whether a Packet is a request from a client or a
// reply from a server.
type Opcode uint8

// Opcode values.
const (
	OpRequest Opcode = 1
	OpReply   Opcode = 2
)

// HType is the ARP hardware type. Only Ethernet is used by this module.
type HType uint8

// HTypeEthernet is the ARP hardware type for 10Mb Ethernet.
const HTypeEthernet HType = 1

// Layout offsets and sizes of the fixed header, per RFC 2131 section 2.
const (
	offCIAddr = 12
	offYIAddr = 16
	offSIAddr = 20
	offGIAddr = 24
	offCHAddr = 28
	offSName  = 44
	offFile   = 108
	offCookie = 236

	// FixedHeaderLen is the size of the header fields up to and
	// including the magic cookie; options begin right after it.
	FixedHeaderLen = offCookie + 4 // 240

	// MinPacketLen is the smallest buffer Decode will accept.
	MinPacketLen = FixedHeaderLen

	// MinOptionsLen is the minimum total size of the options payload
	// Encode will produce, padding with zero bytes after the 0xFF
	// terminator if the real options are shorter. With the 240-byte
	// fixed header, every encoded packet is therefore at least 540 bytes.
	MinOptionsLen = 300

	// FlagBroadcast is bit 15 of the flags field: set by a client that
	// cannot yet receive unicast replies.
	FlagBroadcast = uint16(0x8000)

	snameLen   = offFile - offSName   // 64
	fileLen    = offCookie - offFile  // 128
	maxCHAddr  = offSName - offCHAddr // 16
	ethAddrLen = 6

	magicCookie = uint32(0x63825363)
)

// ErrInvalidPacket is returned by Decode (and wrapped with more detail
// where useful) when a byte sequence is not a well-formed DHCPv4 packet.
var ErrInvalidPacket = errors.New("dhcp4: invalid packet")

// Packet is a fully decoded DHCPv4 message: the fixed header fields plus
// an ordered list of options. Once built or decoded, a Packet is a plain
// value — encoding it never mutates the receiver and never retains a
// reference into the byte slice it was decoded from.
type Packet struct {
	Op      Opcode
	HType   HType
	HLen    uint8
	Hops    uint8
	Xid     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP // client's own address, if it has one
	YIAddr  net.IP // "your" address, offered/assigned by the server
	SIAddr  net.IP // next server to use in bootstrap
	GIAddr  net.IP // relay agent address, non-zero iff relayed
	CHAddr  net.HardwareAddr
	SName   string
	File    string
	Options Options
}

// NewPacket returns a Packet with all IP fields set to the zero address
// and CHAddr sized to hold an Ethernet address, ready to have fields
// assigned before Encode.
func NewPacket(op Opcode) *Packet {
	return &Packet{
		Op:     op,
		HType:  HTypeEthernet,
		HLen:   ethAddrLen,
		CIAddr: net.IPv4zero,
		YIAddr: net.IPv4zero,
		SIAddr: net.IPv4zero,
		GIAddr: net.IPv4zero,
		CHAddr: make(net.HardwareAddr, ethAddrLen),
	}
}

// Broadcast reports whether the client requested a broadcast reply.
func (p *Packet) Broadcast() bool {
	return p.Flags&FlagBroadcast != 0
}

// SetBroadcast sets or clears the broadcast flag.
func (p *Packet) SetBroadcast(v bool) {
	if v {
		p.Flags |= FlagBroadcast
	} else {
		p.Flags &^= FlagBroadcast
	}
}

func putIP4(b []byte, ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		copy(b, net.IPv4zero.To4())
		return
	}
	copy(b, v4)
}

// Encode serializes the packet to wire format. The result is always
// exactly FixedHeaderLen + len(optionBytes) bytes, where the option
// block is padded with zeroes after its 0xFF terminator to at least
// MinOptionsLen bytes.
func (p *Packet) Encode() []byte {
	optBytes := p.Options.encode()
	if len(optBytes) < MinOptionsLen {
		padded := make([]byte, MinOptionsLen)
		copy(padded, optBytes)
		optBytes = padded
	}

	buf := make([]byte, FixedHeaderLen+len(optBytes))

	buf[0] = byte(p.Op)
	buf[1] = byte(p.HType)
	buf[2] = p.HLen
	buf[3] = p.Hops
	binary.BigEndian.PutUint32(buf[4:8], p.Xid)
	binary.BigEndian.PutUint16(buf[8:10], p.Secs)
	binary.BigEndian.PutUint16(buf[10:12], p.Flags)
	putIP4(buf[offCIAddr:offCIAddr+4], p.CIAddr)
	putIP4(buf[offYIAddr:offYIAddr+4], p.YIAddr)
	putIP4(buf[offSIAddr:offSIAddr+4], p.SIAddr)
	putIP4(buf[offGIAddr:offGIAddr+4], p.GIAddr)

	hlen := int(p.HLen)
	if hlen > maxCHAddr {
		hlen = maxCHAddr
	}
	copy(buf[offCHAddr:offCHAddr+hlen], p.CHAddr)

	copy(buf[offSName:offSName+snameLen], p.SName)
	copy(buf[offFile:offFile+fileLen], p.File)

	binary.BigEndian.PutUint32(buf[offCookie:offCookie+4], magicCookie)

	copy(buf[FixedHeaderLen:], optBytes)
	return buf
}

// Decode parses a wire-format DHCPv4 packet. It rejects buffers shorter
// than MinPacketLen, a mismatched magic cookie, and an option stream that
// runs off the end of the buffer without a 0xFF terminator.
func Decode(b []byte) (*Packet, error) {
	if len(b) < MinPacketLen {
		return nil, fmt.Errorf("%w: packet too short (%d bytes)", ErrInvalidPacket, len(b))
	}

	cookie := binary.BigEndian.Uint32(b[offCookie : offCookie+4])
	if cookie != magicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie %#08x", ErrInvalidPacket, cookie)
	}

	p := &Packet{
		Op:    Opcode(b[0]),
		HType: HType(b[1]),
		HLen:  b[2],
		Hops:  b[3],
		Xid:   binary.BigEndian.Uint32(b[4:8]),
		Secs:  binary.BigEndian.Uint16(b[8:10]),
		Flags: binary.BigEndian.Uint16(b[10:12]),
	}
	p.CIAddr = net.IP(append([]byte(nil), b[offCIAddr:offCIAddr+4]...))
	p.YIAddr = net.IP(append([]byte(nil), b[offYIAddr:offYIAddr+4]...))
	p.SIAddr = net.IP(append([]byte(nil), b[offSIAddr:offSIAddr+4]...))
	p.GIAddr = net.IP(append([]byte(nil), b[offGIAddr:offGIAddr+4]...))

	hlen := int(p.HLen)
	if hlen > maxCHAddr {
		hlen = maxCHAddr
	}
	p.CHAddr = append(net.HardwareAddr(nil), b[offCHAddr:offCHAddr+hlen]...)

	p.SName = trimZero(b[offSName : offSName+snameLen])
	p.File = trimZero(b[offFile : offFile+fileLen])

	opts, err := decodeOptions(b[FixedHeaderLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPacket, err)
	}
	p.Options = opts

	return p, nil
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
