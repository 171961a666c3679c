// Package server implements the DHCPv4 server side: the bounded lease
// pool, the periodic expiry sweeper, and the protocol handler that turns
// inbound packets into OFFER/ACK/NAK replies.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// Sentinel errors surfaced by the lease engine. Callers inspect them with
// errors.Is; the handler translates them into protocol responses.
var (
	ErrPoolExhausted = errors.New("server: address pool exhausted")
	ErrLeaseNotFound = errors.New("server: lease not found")
)

// leaseExpireStatic marks a Lease that never expires and is skipped by
// Sweep; set by AddStaticLease.
const leaseExpireStatic = 0

// Lease is one binding between a hardware address and an IPv4 address.
// A Lease with a nil IP is a free slot; its other fields are meaningless.
type Lease struct {
	IP         net.IP
	HWAddr     net.HardwareAddr
	Hostname   string
	LeaseStart time.Time
	// LeaseDuration is the number of seconds the lease is valid for.
	// leaseExpireStatic (0) marks a static, never-expiring lease.
	LeaseDuration uint32
	Xid           uint32
}

func (l *Lease) free() bool {
	return l == nil || l.IP == nil
}

func (l *Lease) static() bool {
	return l != nil && l.IP != nil && l.LeaseDuration == leaseExpireStatic
}

func (l *Lease) expiry() time.Time {
	return l.LeaseStart.Add(time.Duration(l.LeaseDuration) * time.Second)
}

// Event is the change notification fired by OnChange.
type Event struct {
	Kind  EventKind
	Lease Lease
}

// EventKind enumerates the lease table changes OnChange can report.
type EventKind uint8

// Event kinds.
const (
	EventAssigned EventKind = iota + 1
	EventCommitted
	EventRenewed
	EventReleased
	EventExpired
	EventStaticAdded
	EventStaticRemoved
)

// Pool is the bounded, fixed-capacity collection of lease records
// covering a configured address range. It is the only shared mutable
// state in the server; every exported method is an atomic critical
// section guarded by a single mutex, matching the single-lock discipline
// the engine is required to uphold.
type Pool struct {
	mu sync.Mutex

	rangeStart net.IP
	rangeEnd   net.IP
	leaseTime  time.Duration

	leases []*Lease

	// OnChange, if set, is invoked synchronously after the mutation it
	// describes, while still holding no lock (it is called after
	// mu.Unlock so an observer may safely call back into the Pool).
	OnChange func(Event)
}

// NewPool constructs an empty Pool covering [rangeStart, rangeEnd]
// inclusive, with the given default lease duration for dynamic leases.
func NewPool(rangeStart, rangeEnd net.IP, leaseTime time.Duration) (*Pool, error) {
	start := rangeStart.To4()
	end := rangeEnd.To4()
	if start == nil || end == nil {
		return nil, fmt.Errorf("server: range bounds must be IPv4 addresses")
	}
	if !bytes.Equal(start[:3], end[:3]) || start[3] > end[3] {
		return nil, fmt.Errorf("server: range end must be >= range start within the same /24")
	}
	return &Pool{
		rangeStart: start,
		rangeEnd:   end,
		leaseTime:  leaseTime,
	}, nil
}

func ip4InRange(start, end, ip net.IP) bool {
	s, e, c := start.To4(), end.To4(), ip.To4()
	if s == nil || e == nil || c == nil {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] != s[i] {
			return false
		}
	}
	return c[3] >= s[3] && c[3] <= e[3]
}

func (p *Pool) notify(ev Event) {
	if p.OnChange != nil {
		p.OnChange(ev)
	}
}

// FindByHWAddr returns the currently occupied address for mac, or nil if
// this pool holds no record for it.
func (p *Pool) FindByHWAddr(mac net.HardwareAddr) net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.findByHWAddrLocked(mac)
	if l.free() {
		return nil
	}
	return append(net.IP(nil), l.IP...)
}

func (p *Pool) findByHWAddrLocked(mac net.HardwareAddr) *Lease {
	for _, l := range p.leases {
		if !l.free() && bytes.Equal(l.HWAddr, mac) {
			return l
		}
	}
	return nil
}

func (p *Pool) findByIPLocked(ip net.IP) *Lease {
	for _, l := range p.leases {
		if !l.free() && l.IP.Equal(ip) {
			return l
		}
	}
	return nil
}

// FindFree scans [rangeStart, rangeEnd] in ascending order and returns
// the first address not currently held by any record. Deterministic and
// order-preserving, so two pools replaying the same operations bind
// identically.
func (p *Pool) FindFree() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ip, err := p.findFreeLocked()
	if err != nil {
		return nil, err
	}
	return append(net.IP(nil), ip...), nil
}

func (p *Pool) findFreeLocked() (net.IP, error) {
	start, end := p.rangeStart[3], p.rangeEnd[3]
	for b := start; ; b++ {
		candidate := append(net.IP(nil), p.rangeStart...)
		candidate[3] = b
		if p.findByIPLocked(candidate) == nil {
			return candidate, nil
		}
		if b == end {
			break
		}
	}
	return nil, ErrPoolExhausted
}

// Assign reserves address for mac, starting a fresh lease clock. It
// fails if another record already holds address or mac — the pool is
// never silently overwritten.
func (p *Pool) Assign(address net.IP, mac net.HardwareAddr, xid uint32) (*Lease, error) {
	p.mu.Lock()

	if l := p.findByIPLocked(address); l != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("server: address %s already assigned", address)
	}
	if l := p.findByHWAddrLocked(mac); l != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("server: hardware address %s already has a lease", mac)
	}

	l := &Lease{
		IP:            append(net.IP(nil), address...),
		HWAddr:        append(net.HardwareAddr(nil), mac...),
		LeaseStart:    now(),
		LeaseDuration: uint32(p.leaseTime / time.Second),
		Xid:           xid,
	}
	p.leases = append(p.leases, l)
	out := *l
	p.mu.Unlock()

	log.Debug("server: assigned %s to %s", l.IP, l.HWAddr)
	p.notify(Event{Kind: EventAssigned, Lease: out})
	return &out, nil
}

// Commit is called on ACK: it refreshes lease_start so the T1/T2 clock
// starts from commit rather than from the original offer.
func (p *Pool) Commit(address net.IP, mac net.HardwareAddr) (*Lease, error) {
	p.mu.Lock()

	l := p.findByHWAddrLocked(mac)
	if l.free() || !l.IP.Equal(address) {
		p.mu.Unlock()
		return nil, ErrLeaseNotFound
	}
	if !l.static() {
		l.LeaseStart = now()
	}
	out := *l
	p.mu.Unlock()

	log.Debug("server: committed %s <-> %s", l.IP, l.HWAddr)
	p.notify(Event{Kind: EventCommitted, Lease: out})
	return &out, nil
}

// Renew refreshes lease_start and xid for a client already holding an
// address; the handler uses it when such a client sends a new DISCOVER.
// Returns the address held.
func (p *Pool) Renew(mac net.HardwareAddr, xid uint32) (net.IP, error) {
	p.mu.Lock()

	l := p.findByHWAddrLocked(mac)
	if l.free() {
		p.mu.Unlock()
		return nil, ErrLeaseNotFound
	}
	if !l.static() {
		l.LeaseStart = now()
	}
	l.Xid = xid
	out := *l
	p.mu.Unlock()

	p.notify(Event{Kind: EventRenewed, Lease: out})
	return append(net.IP(nil), out.IP...), nil
}

// Release zeroes the record for mac, if any.
func (p *Pool) Release(mac net.HardwareAddr) {
	p.mu.Lock()
	for i, l := range p.leases {
		if !l.free() && bytes.Equal(l.HWAddr, mac) {
			out := *l
			p.leases = p.removeAt(i)
			p.mu.Unlock()
			log.Debug("server: released %s <-> %s", out.IP, out.HWAddr)
			p.notify(Event{Kind: EventReleased, Lease: out})
			return
		}
	}
	p.mu.Unlock()
}

func (p *Pool) removeAt(i int) []*Lease {
	n := len(p.leases)
	p.leases[i] = p.leases[n-1]
	return p.leases[:n-1]
}

// Sweep zeroes every occupied, non-static record whose lease has expired
// as of now, emitting one EventExpired per reclaimed record. Its critical
// section is O(pool size) and never performs I/O, satisfying the bounded
// sweeper requirement.
func (p *Pool) Sweep(nowTime time.Time) int {
	p.mu.Lock()
	var expired []Lease
	kept := p.leases[:0]
	for _, l := range p.leases {
		if !l.static() && nowTime.After(l.expiry()) {
			expired = append(expired, *l)
			continue
		}
		kept = append(kept, l)
	}
	p.leases = kept
	p.mu.Unlock()

	for _, l := range expired {
		log.Debug("server: lease expired %s <-> %s", l.IP, l.HWAddr)
		p.notify(Event{Kind: EventExpired, Lease: l})
	}
	return len(expired)
}

// IsDuplicate reports whether the record for mac has the given xid —
// used to absorb retransmissions without touching state.
func (p *Pool) IsDuplicate(mac net.HardwareAddr, xid uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.findByHWAddrLocked(mac)
	return !l.free() && l.Xid == xid
}

// Lookup returns a snapshot of the lease held by mac, if any.
func (p *Pool) Lookup(mac net.HardwareAddr) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.findByHWAddrLocked(mac)
	if l.free() {
		return Lease{}, false
	}
	return *l, true
}

// Leases returns a snapshot of every occupied record.
func (p *Pool) Leases() []Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Lease, 0, len(p.leases))
	for _, l := range p.leases {
		if !l.free() {
			out = append(out, *l)
		}
	}
	return out
}

// AddStaticLease installs an operator-assigned MAC->IP binding that never
// expires and is skipped by Sweep. Any existing dynamic lease for the
// same MAC or IP is replaced.
func (p *Pool) AddStaticLease(l Lease) error {
	if l.IP.To4() == nil {
		return fmt.Errorf("server: invalid static lease IP %v", l.IP)
	}
	if len(l.HWAddr) != 6 {
		return fmt.Errorf("server: invalid static lease hardware address %v", l.HWAddr)
	}
	if !ip4InRange(p.rangeStart, p.rangeEnd, l.IP) {
		return fmt.Errorf("server: static lease IP %s is outside the pool range", l.IP)
	}

	p.mu.Lock()
	for i := 0; i < len(p.leases); i++ {
		cur := p.leases[i]
		if bytes.Equal(cur.HWAddr, l.HWAddr) || cur.IP.Equal(l.IP) {
			p.leases = p.removeAt(i)
			i--
		}
	}
	static := &Lease{
		IP:            append(net.IP(nil), l.IP.To4()...),
		HWAddr:        append(net.HardwareAddr(nil), l.HWAddr...),
		Hostname:      l.Hostname,
		LeaseStart:    now(),
		LeaseDuration: leaseExpireStatic,
	}
	p.leases = append(p.leases, static)
	out := *static
	p.mu.Unlock()

	p.notify(Event{Kind: EventStaticAdded, Lease: out})
	return nil
}

// RemoveStaticLease removes a previously added static lease. It returns
// ErrLeaseNotFound if no static lease matches both the IP and MAC.
func (p *Pool) RemoveStaticLease(l Lease) error {
	p.mu.Lock()
	for i, cur := range p.leases {
		if cur.static() && cur.IP.Equal(l.IP) && bytes.Equal(cur.HWAddr, l.HWAddr) {
			out := *cur
			p.leases = p.removeAt(i)
			p.mu.Unlock()
			p.notify(Event{Kind: EventStaticRemoved, Lease: out})
			return nil
		}
	}
	p.mu.Unlock()
	return ErrLeaseNotFound
}

// now is overridden in tests to make sweep/expiry deterministic.
var now = time.Now
