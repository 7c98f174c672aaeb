package ipam

import (
	"fmt"
	"iter"
	"math/big"
	"net/netip"
	"strings"
)

// Range is a CIDR block of IPv4 or IPv6 addresses. The zero value is invalid.
type Range struct {
	prefix netip.Prefix
	first  netip.Addr
	last   netip.Addr
}

func ParseRange(cidr string) (Range, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return Range{}, fmt.Errorf("parse range %q: %w", cidr, err)
	}
	return RangeFrom(p)
}

func RangeFrom(p netip.Prefix) (Range, error) {
	if !p.IsValid() {
		return Range{}, fmt.Errorf("network cidr is required")
	}
	if p.Addr().Is4In6() {
		return Range{}, fmt.Errorf("network cidr %s: use the plain ipv4 form", p)
	}
	p = p.Masked()
	return Range{prefix: p, first: p.Addr(), last: LastAddr(p)}, nil
}

func MustParseRange(cidr string) Range {
	r, err := ParseRange(cidr)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Range) IsValid() bool { return r.prefix.IsValid() }
func (r Range) Prefix() netip.Prefix { return r.prefix }
func (r Range) String() string { return r.prefix.String() }
func (r Range) First() netip.Addr { return r.first }
func (r Range) Last() netip.Addr { return r.last }
func (r Range) Is6() bool { return r.first.Is6() }

// HostBits is the number of address bits below the prefix.
func (r Range) HostBits() int {
	if !r.IsValid() {
		return 0
	}
	return r.first.BitLen() - r.prefix.Bits()
}

// Size is the number of addresses in the range, network and broadcast included.
func (r Range) Size() *big.Int {
	if !r.IsValid() {
		return new(big.Int)
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(r.HostBits()))
}

func (r Range) Contains(addr netip.Addr) bool {
	return r.IsValid() && r.prefix.Contains(addr.Unmap())
}

func (r Range) Overlaps(other Range) bool {
	return r.IsValid() && other.IsValid() && r.prefix.Overlaps(other.prefix)
}

// All yields every address of the range in ascending order.
func (r Range) All() iter.Seq[netip.Addr] {
	return Span{Lo: r.first, Hi: r.last}.All()
}

// Span is an inclusive run of addresses of one family.
type Span struct {
	Lo, Hi netip.Addr
}

func (s Span) Contains(addr netip.Addr) bool {
	return s.Lo.Compare(addr) <= 0 && addr.Compare(s.Hi) <= 0
}

func (s Span) Overlaps(other Span) bool {
	return !(s.Hi.Less(other.Lo) || other.Hi.Less(s.Lo))
}

func (s Span) All() iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		if !s.Lo.IsValid() || s.Hi.Less(s.Lo) {
			return
		}
		for a := s.Lo; ; a = a.Next() {
			if !yield(a) || a == s.Hi {
				return
			}
		}
	}
}

// ParseAddrList expands config address entries into addresses. Each entry is
// a single address, a CIDR or an inclusive "a - b" span. Every resulting
// address must lie within r.
func ParseAddrList(r Range, entries []string) ([]netip.Addr, error) {
	spans, err := ParseSpans(r, entries)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, s := range spans {
		for a := range s.All() {
			out = append(out, a)
		}
	}
	return out, nil
}

// ParseSpans is ParseAddrList without expansion.
func ParseSpans(r Range, entries []string) ([]Span, error) {
	out := make([]Span, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		s, err := parseSpan(entry)
		if err != nil {
			return nil, err
		}
		if !r.Contains(s.Lo) || !r.Contains(s.Hi) {
			return nil, fmt.Errorf("address %q is outside of range %s", entry, r)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSpan(entry string) (Span, error) {
	if lo, hi, ok := strings.Cut(entry, "-"); ok {
		a, err := parseAddr(lo)
		if err != nil {
			return Span{}, err
		}
		b, err := parseAddr(hi)
		if err != nil {
			return Span{}, err
		}
		if a.BitLen() != b.BitLen() {
			return Span{}, fmt.Errorf("invalid address span %q: mixed address families", entry)
		}
		if b.Less(a) {
			return Span{}, fmt.Errorf("invalid address span %q: end before start", entry)
		}
		return Span{Lo: a, Hi: b}, nil
	}
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return Span{}, fmt.Errorf("parse cidr %q: %w", entry, err)
		}
		if p.Addr().Is4In6() {
			return Span{}, fmt.Errorf("cidr %q: use the plain ipv4 form", entry)
		}
		p = p.Masked()
		return Span{Lo: p.Addr(), Hi: LastAddr(p)}, nil
	}
	a, err := parseAddr(entry)
	if err != nil {
		return Span{}, err
	}
	return Span{Lo: a, Hi: a}, nil
}

func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return addr.Unmap(), nil
}

// LastAddr is the highest address of p: every host bit set.
func LastAddr(p netip.Prefix) netip.Addr {
	p = p.Masked()
	if p.Addr().Is4() {
		b := p.Addr().As4()
		setHostBits(b[:], p.Bits())
		return netip.AddrFrom4(b)
	}
	b := p.Addr().As16()
	setHostBits(b[:], p.Bits())
	return netip.AddrFrom16(b)
}

func setHostBits(b []byte, prefixBits int) {
	for i := range b {
		lo := i * 8
		switch {
		case prefixBits <= lo:
			b[i] = 0xff
		case prefixBits < lo+8:
			b[i] |= 0xff >> (prefixBits - lo)
		}
	}
}

// AddrKey is the fixed-width big-endian form of addr. Keys of one family
// sort the same way their addresses do.
func AddrKey(addr netip.Addr) []byte {
	b := addr.Unmap().As16()
	return b[:]
}

func AddrFromKey(key []byte) (netip.Addr, error) {
	if len(key) != 16 {
		return netip.Addr{}, fmt.Errorf("address key has %d bytes, want 16", len(key))
	}
	return netip.AddrFrom16([16]byte(key)).Unmap(), nil
}
