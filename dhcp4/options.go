package dhcp4

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Option tags used by this module. The full DHCPv4 option space is much
// larger; only the tags the core needs to understand are named.
const (
	OptSubnetMask      = 1
	OptRouter          = 3
	OptDNSServers      = 6
	OptRequestedIP     = 50
	OptLeaseTime       = 51
	OptMessageType     = 53
	OptServerID        = 54
	OptClientID        = 61

	tagPad = 0
	tagEnd = 255
)

// MessageType is the payload of option 53, identifying which of the
// DHCPv4 exchange's messages a packet is.
type MessageType uint8

// MessageType values, per RFC 2131 section 3.
const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

func (m MessageType) String() string {
	switch m {
	case Discover:
		return "DISCOVER"
	case Offer:
		return "OFFER"
	case Request:
		return "REQUEST"
	case Decline:
		return "DECLINE"
	case Ack:
		return "ACK"
	case Nak:
		return "NAK"
	case Release:
		return "RELEASE"
	case Inform:
		return "INFORM"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(m))
	}
}

// Options is an ordered set of DHCPv4 option TLVs, keyed by tag. Insertion
// order is preserved in Tags() and in the order options are written by
// encode, but lookups are first-match-wins as required by get_option.
type Options struct {
	order []uint8
	byTag map[uint8][]byte
}

// NewOptions returns an empty option set ready for Set calls.
func NewOptions() Options {
	return Options{byTag: make(map[uint8][]byte)}
}

// Set stores the payload for tag, overwriting any previous value. The
// first call for a given tag fixes its position in write order; later
// calls for the same tag update the payload in place.
func (o *Options) Set(tag uint8, payload []byte) {
	if o.byTag == nil {
		o.byTag = make(map[uint8][]byte)
	}
	if _, ok := o.byTag[tag]; !ok {
		o.order = append(o.order, tag)
	}
	o.byTag[tag] = payload
}

// SetMessageType is a convenience wrapper over Set for option 53.
func (o *Options) SetMessageType(mt MessageType) {
	o.Set(OptMessageType, []byte{byte(mt)})
}

// SetIP is a convenience wrapper over Set for a single IPv4-valued option
// (subnet mask, router, requested address, server identifier).
func (o *Options) SetIP(tag uint8, ip net.IP) {
	b := make([]byte, 4)
	putIP4(b, ip)
	o.Set(tag, b)
}

// SetIPs writes a variable-length list of IPv4 addresses (router, DNS
// servers may carry more than one).
func (o *Options) SetIPs(tag uint8, ips []net.IP) {
	b := make([]byte, 0, 4*len(ips))
	for _, ip := range ips {
		v := make([]byte, 4)
		putIP4(v, ip)
		b = append(b, v...)
	}
	o.Set(tag, b)
}

// SetUint32 writes a 32-bit big-endian numeric option (lease time).
func (o *Options) SetUint32(tag uint8, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	o.Set(tag, b)
}

// Get returns the raw payload for tag and whether it was present.
func (o Options) Get(tag uint8) ([]byte, bool) {
	if o.byTag == nil {
		return nil, false
	}
	b, ok := o.byTag[tag]
	return b, ok
}

// GetIP returns a 4-byte IP-valued option.
func (o Options) GetIP(tag uint8) (net.IP, bool) {
	b, ok := o.Get(tag)
	if !ok || len(b) < 4 {
		return nil, false
	}
	return net.IP(append([]byte(nil), b[:4]...)), true
}

// GetIPs returns a list of 4-byte IP addresses packed in one option.
func (o Options) GetIPs(tag uint8) ([]net.IP, bool) {
	b, ok := o.Get(tag)
	if !ok || len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	ips := make([]net.IP, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		ips = append(ips, net.IP(append([]byte(nil), b[i:i+4]...)))
	}
	return ips, true
}

// GetUint32 returns a 32-bit big-endian numeric option.
func (o Options) GetUint32(tag uint8) (uint32, bool) {
	b, ok := o.Get(tag)
	if !ok || len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// GetMessageType returns the message type carried by option 53, or false
// if the tag is absent or its payload isn't exactly one byte.
func (o Options) GetMessageType() (MessageType, bool) {
	b, ok := o.Get(OptMessageType)
	if !ok || len(b) != 1 {
		return 0, false
	}
	return MessageType(b[0]), true
}

// Tags returns the option tags in the order they were first set.
func (o Options) Tags() []uint8 {
	return append([]uint8(nil), o.order...)
}

// encode writes the option stream in insertion order, followed by the
// 0xFF terminator. It never pads to MinOptionsLen itself; Packet.Encode
// does that.
func (o Options) encode() []byte {
	buf := make([]byte, 0, 64)
	for _, tag := range o.order {
		payload := o.byTag[tag]
		buf = append(buf, tag, uint8(len(payload)))
		buf = append(buf, payload...)
	}
	buf = append(buf, tagEnd)
	return buf
}

// decodeOptions parses a TLV option stream. Pad bytes (tag 0) are
// skipped; the first 0xFF (tag 255) ends the scan even if more bytes
// follow in buf (they are the zero-fill padding Encode adds). A repeated
// tag keeps only the first occurrence, matching get_option semantics. An
// option whose declared length would run past the end of buf, or a
// stream that never reaches a terminator, is rejected.
func decodeOptions(buf []byte) (Options, error) {
	opts := NewOptions()
	i := 0
	terminated := false
	for i < len(buf) {
		tag := buf[i]
		if tag == tagEnd {
			terminated = true
			break
		}
		if tag == tagPad {
			i++
			continue
		}
		if i+1 >= len(buf) {
			return Options{}, fmt.Errorf("option tag %d: missing length byte", tag)
		}
		length := int(buf[i+1])
		start := i + 2
		end := start + length
		if end > len(buf) {
			return Options{}, fmt.Errorf("option tag %d: length %d overflows buffer", tag, length)
		}
		if _, seen := opts.byTag[tag]; !seen {
			payload := append([]byte(nil), buf[start:end]...)
			opts.Set(tag, payload)
		}
		i = end
	}
	if !terminated {
		return Options{}, fmt.Errorf("option stream missing 0xFF terminator")
	}
	return opts, nil
}
