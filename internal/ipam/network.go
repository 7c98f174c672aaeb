package ipam

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"drydock/pkg/ipam"
)

// Class is the role an address plays within a subnet.
type Class uint8

const (
	ClassOutside Class = iota
	ClassRestricted
	ClassStatic
	ClassDynamic
)

func (c Class) String() string {
	switch c {
	case ClassRestricted:
		return "restricted"
	case ClassStatic:
		return "static"
	case ClassDynamic:
		return "dynamic"
	default:
		return "outside"
	}
}

type NetworkType uint8

const (
	TypeManual NetworkType = iota + 1
	TypeVIP
	// TypeDynamic networks get their addresses from the cloud.
	TypeDynamic
)

func (t NetworkType) String() string {
	switch t {
	case TypeManual:
		return "manual"
	case TypeVIP:
		return "vip"
	case TypeDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

func ParseNetworkType(s string) (NetworkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return TypeManual, nil
	case "vip":
		return TypeVIP, nil
	case "dynamic":
		return TypeDynamic, nil
	default:
		return 0, fmt.Errorf("unknown network type %q", s)
	}
}

type SubnetConfig struct {
	Range           string
	Gateway         string
	DNS             []string
	Reserved        []string
	Static          []string
	AZs             []string
	CloudProperties map[string]any
}

// Subnet is one address range of a network with its restricted and static
// partitions. Everything in range that is neither is dynamic.
type Subnet struct {
	Network         string
	Range           ipam.Range
	Gateway         netip.Addr
	DNS             []netip.Addr
	AZs             []string
	CloudProperties map[string]any

	restricted []ipam.Span
	static     []ipam.Span
}

func NewSubnet(network string, cfg SubnetConfig) (*Subnet, error) {
	r, err := ipam.ParseRange(cfg.Range)
	if err != nil {
		return nil, fmt.Errorf("network %q: %w", network, err)
	}
	s := &Subnet{
		Network:         network,
		Range:           r,
		AZs:             slices.Clone(cfg.AZs),
		CloudProperties: cfg.CloudProperties,
	}

	first, last := r.First(), r.Last()
	s.restricted = append(s.restricted, ipam.Span{Lo: first, Hi: first})
	if !r.Is6() && r.Prefix().Bits() < 31 {
		s.restricted = append(s.restricted, ipam.Span{Lo: last, Hi: last})
	}

	if gw := strings.TrimSpace(cfg.Gateway); gw != "" {
		addr, err := netip.ParseAddr(gw)
		if err != nil {
			return nil, fmt.Errorf("network %q: parse gateway: %w", network, err)
		}
		if !r.Contains(addr) {
			return nil, fmt.Errorf("network %q: gateway %s is outside of range %s", network, addr, r)
		}
		addr = addr.Unmap()
		s.Gateway = addr
		s.restricted = append(s.restricted, ipam.Span{Lo: addr, Hi: addr})
	}
	for _, d := range cfg.DNS {
		addr, err := netip.ParseAddr(strings.TrimSpace(d))
		if err != nil {
			return nil, fmt.Errorf("network %q: parse dns server: %w", network, err)
		}
		s.DNS = append(s.DNS, addr)
	}

	reserved, err := ipam.ParseSpans(r, cfg.Reserved)
	if err != nil {
		return nil, fmt.Errorf("network %q reserved range: %w", network, err)
	}
	s.restricted = mergeSpans(append(s.restricted, reserved...))

	static, err := ipam.ParseSpans(r, cfg.Static)
	if err != nil {
		return nil, fmt.Errorf("network %q static range: %w", network, err)
	}
	s.static = mergeSpans(static)
	for _, st := range s.static {
		for _, rs := range s.restricted {
			if st.Overlaps(rs) {
				return nil, fmt.Errorf("network %q: static addresses %s-%s overlap the reserved range",
					network, st.Lo, st.Hi)
			}
		}
	}
	return s, nil
}

func (s *Subnet) String() string { return s.Network + " " + s.Range.String() }

func (s *Subnet) Classify(addr netip.Addr) Class {
	if !s.Range.Contains(addr) {
		return ClassOutside
	}
	return s.classify(addr.Unmap())
}

func (s *Subnet) classify(addr netip.Addr) Class {
	if spansContain(s.restricted, addr) {
		return ClassRestricted
	}
	if spansContain(s.static, addr) {
		return ClassStatic
	}
	return ClassDynamic
}

// StaticAddrs lists every address of the static pool.
func (s *Subnet) StaticAddrs() []netip.Addr {
	var out []netip.Addr
	for _, sp := range s.static {
		for addr := range sp.All() {
			out = append(out, addr)
		}
	}
	return out
}

// ExcludedSpans are the restricted and static spans merged in ascending
// order: addresses dynamic allocation must never hand out.
func (s *Subnet) ExcludedSpans() []ipam.Span {
	out := make([]ipam.Span, 0, len(s.restricted)+len(s.static))
	out = append(out, s.restricted...)
	out = append(out, s.static...)
	return mergeSpans(out)
}

// InAZ reports whether the subnet serves az. An empty az matches every subnet.
func (s *Subnet) InAZ(az string) bool {
	return az == "" || slices.Contains(s.AZs, az)
}

// Network is a named set of subnets, or a flat VIP list for vip networks.
type Network struct {
	Name    string
	Type    NetworkType
	Subnets []*Subnet
	VIPs    []netip.Addr
}

func NewNetwork(name string, typ NetworkType, subnets []SubnetConfig, vips []string) (*Network, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("network name is required")
	}
	n := &Network{Name: name, Type: typ}
	for _, cfg := range subnets {
		s, err := NewSubnet(name, cfg)
		if err != nil {
			return nil, err
		}
		for _, other := range n.Subnets {
			if s.Range.Overlaps(other.Range) {
				return nil, fmt.Errorf("network %q: subnet %s overlaps %s", name, s.Range, other.Range)
			}
		}
		n.Subnets = append(n.Subnets, s)
	}
	for _, raw := range vips {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("network %q: parse vip: %w", name, err)
		}
		n.VIPs = append(n.VIPs, addr)
	}
	if typ == TypeManual && len(n.Subnets) == 0 {
		return nil, fmt.Errorf("manual network %q needs at least one subnet", name)
	}
	return n, nil
}

// SubnetFor returns the subnet containing addr, preferring one serving az.
func (n *Network) SubnetFor(addr netip.Addr, az string) *Subnet {
	var fallback *Subnet
	for _, s := range n.Subnets {
		if !s.Range.Contains(addr) {
			continue
		}
		if s.InAZ(az) {
			return s
		}
		if fallback == nil {
			fallback = s
		}
	}
	return fallback
}

func (n *Network) SubnetsInAZ(az string) []*Subnet {
	var out []*Subnet
	for _, s := range n.Subnets {
		if s.InAZ(az) {
			out = append(out, s)
		}
	}
	return out
}

func spansContain(spans []ipam.Span, addr netip.Addr) bool {
	for _, s := range spans {
		if s.Contains(addr) {
			return true
		}
	}
	return false
}

func mergeSpans(spans []ipam.Span) []ipam.Span {
	if len(spans) == 0 {
		return nil
	}
	sorted := slices.Clone(spans)
	slices.SortFunc(sorted, func(a, b ipam.Span) int { return a.Lo.Compare(b.Lo) })
	out := []ipam.Span{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if next := last.Hi.Next(); !next.IsValid() || s.Lo.Compare(next) <= 0 {
			if last.Hi.Less(s.Hi) {
				last.Hi = s.Hi
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// FirstFree returns the lowest address of s outside the excluded spans and
// not in taken.
func (s *Subnet) FirstFree(taken []netip.Addr) (netip.Addr, bool) {
	blocked := s.ExcludedSpans()
	for _, a := range taken {
		blocked = append(blocked, ipam.Span{Lo: a, Hi: a})
	}
	blocked = mergeSpans(blocked)

	candidate := s.Range.First()
	for _, b := range blocked {
		if candidate.Less(b.Lo) {
			break
		}
		if b.Hi.Less(candidate) {
			continue
		}
		candidate = b.Hi.Next()
		if !candidate.IsValid() {
			return netip.Addr{}, false
		}
	}
	if !s.Range.Contains(candidate) {
		return netip.Addr{}, false
	}
	return candidate, true
}
